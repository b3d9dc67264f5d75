package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sigbridge/pkg/adapters/memory"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/ports"
	"github.com/aretw0/sigbridge/pkg/session"
	"github.com/aretw0/sigbridge/pkg/sim"
	"github.com/aretw0/sigbridge/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockEngine implements ports.Engine
type MockEngine struct {
	mock.Mock
	ports *domain.PortSet
}

func (m *MockEngine) Ports() *domain.PortSet { return m.ports }

func (m *MockEngine) Apply(name string, v domain.Value) error {
	return m.Called(name, v).Error(0)
}

func (m *MockEngine) Step() error {
	return m.Called().Error(0)
}

func (m *MockEngine) Read(name string) (domain.Value, error) {
	args := m.Called(name)
	return args.Get(0).(domain.Value), args.Error(1)
}

type harness struct {
	orch   *session.Session
	driver *worker.Driver
	done   chan error
}

// start connects an orchestrator-side session to a driver running engine.
func start(t *testing.T, engine ports.Engine, opts ...worker.Option) *harness {
	t.Helper()
	hub := memory.NewHub()
	c := codec.New(engine.Ports())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	orch := session.New(hub.Transport(), c)
	work := session.New(hub.Transport(), c)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, work.Open(ctx, domain.Initiator, "w0"))
	}()
	require.NoError(t, orch.Open(ctx, domain.Responder, "w0"))
	wg.Wait()
	t.Cleanup(func() { _ = orch.Close() })

	h := &harness{
		orch:   orch,
		driver: worker.New(work, engine, append([]worker.Option{worker.WithPID(1234)}, opts...)...),
		done:   make(chan error, 1),
	}
	go func() { h.done <- h.driver.Run(context.Background()) }()

	pid, err := orch.AwaitIdentity(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1234, pid)
	return h
}

func (h *harness) exchange(t *testing.T, msg domain.TickMessage) domain.TickMessage {
	t.Helper()
	require.NoError(t, h.orch.SendTick(context.Background(), msg))
	reply, err := h.orch.ReceiveTick(context.Background())
	require.NoError(t, err)
	return reply
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not return")
		return nil
	}
}

func TestDriver_InverterScenario(t *testing.T) {
	engine, err := sim.Lookup("inverter", 4)
	require.NoError(t, err)
	h := start(t, engine)

	reply := h.exchange(t, domain.NewTick().Set("data_in", domain.Uint(5)))
	assert.True(t, reply.Alive)
	assert.Equal(t, domain.Uint(10), reply.Values["data_out"])
	assert.Equal(t, domain.DriverStepping, h.driver.State())

	require.NoError(t, h.orch.SendTick(context.Background(), domain.Stop()))
	require.NoError(t, h.wait(t))
	assert.Equal(t, domain.DriverStopped, h.driver.State())
	assert.Equal(t, uint64(1), h.driver.Ticks())
}

func TestDriver_NoReplyAfterStop(t *testing.T) {
	engine, err := sim.Lookup("inverter", 4)
	require.NoError(t, err)
	hub := memory.NewHub()
	ctx := context.Background()

	raw := hub.Transport()
	defer raw.Close()
	work := session.New(hub.Transport(), codec.New(engine.Ports()))

	go func() { _ = work.Open(ctx, domain.Initiator, "quiet") }()
	require.NoError(t, raw.Open(ctx, domain.Responder, "quiet"))

	done := make(chan error, 1)
	go func() { done <- worker.New(work, engine, worker.WithPID(9)).Run(ctx) }()

	buf := make([]byte, 64)
	n, err := raw.Receive(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, `{"pid":9}`, string(buf[:n]))

	require.NoError(t, raw.Send(ctx, []byte(`{"on":false}`)))
	require.NoError(t, <-done)
	assert.Equal(t, domain.StateClosed, work.State())

	// The worker closed without writing anything.
	_, err = raw.Receive(ctx, buf)
	assert.ErrorIs(t, err, domain.ErrTransportFailed)
}

func TestDriver_ExactlyOneStepPerTick(t *testing.T) {
	ps := domain.MustPortSet(
		domain.UintPort("data_in", domain.In, 4),
		domain.UintPort("data_out", domain.Out, 4),
	)
	engine := &MockEngine{ports: ps}
	engine.On("Apply", "data_in", mock.Anything).Return(nil)
	engine.On("Step").Return(nil)
	engine.On("Read", "data_out").Return(domain.Uint(3), nil)

	h := start(t, engine)
	const n = 7
	for i := 0; i < n; i++ {
		reply := h.exchange(t, domain.NewTick().Set("data_in", domain.Uint(uint64(i))))
		assert.Equal(t, domain.Uint(3), reply.Values["data_out"])
	}
	require.NoError(t, h.orch.SendTick(context.Background(), domain.Stop()))
	require.NoError(t, h.wait(t))

	engine.AssertNumberOfCalls(t, "Step", n)
	engine.AssertNumberOfCalls(t, "Read", n)
	assert.Equal(t, uint64(n), h.driver.Ticks())
}

func TestDriver_HeldInputs(t *testing.T) {
	ps := domain.MustPortSet(
		domain.BoolPort("clock", domain.In),
		domain.BoolPort("enable", domain.In),
		domain.UintPort("counter_out", domain.Out, 4),
	)
	engine := &MockEngine{ports: ps}
	engine.On("Apply", mock.Anything, mock.Anything).Return(nil)
	engine.On("Step").Return(nil)
	engine.On("Read", "counter_out").Return(domain.Uint(0), nil)

	h := start(t, engine)
	h.exchange(t, domain.NewTick().Set("clock", domain.Bool(true)).Set("enable", domain.Bool(true)))
	// enable omitted: it keeps its last value.
	h.exchange(t, domain.NewTick().Set("clock", domain.Bool(false)))

	require.NoError(t, h.orch.SendTick(context.Background(), domain.Stop()))
	require.NoError(t, h.wait(t))

	engine.AssertNumberOfCalls(t, "Apply", 4)
	engine.AssertCalled(t, "Apply", "clock", domain.Bool(false))
	// enable was applied on both ticks with the held value.
	var enables int
	for _, call := range engine.Calls {
		if call.Method == "Apply" && call.Arguments.String(0) == "enable" {
			assert.Equal(t, domain.Bool(true), call.Arguments.Get(1))
			enables++
		}
	}
	assert.Equal(t, 2, enables)
}

func TestDriver_EngineErrorSendsStop(t *testing.T) {
	ps := domain.MustPortSet(
		domain.UintPort("data_in", domain.In, 4),
		domain.UintPort("data_out", domain.Out, 4),
	)
	engine := &MockEngine{ports: ps}
	engine.On("Apply", mock.Anything, mock.Anything).Return(nil)
	engine.On("Step").Return(errors.New("kernel panic"))

	h := start(t, engine)
	reply := h.exchange(t, domain.NewTick().Set("data_in", domain.Uint(1)))
	assert.False(t, reply.Alive)

	err := h.wait(t)
	assert.ErrorContains(t, err, "kernel panic")
	assert.Equal(t, domain.DriverStopped, h.driver.State())
}

func TestDriver_FinishedEngine(t *testing.T) {
	engine, err := sim.Lookup("inverter", 4, sim.WithStepLimit(2))
	require.NoError(t, err)
	h := start(t, engine)

	assert.True(t, h.exchange(t, domain.NewTick().Set("data_in", domain.Uint(1))).Alive)
	last := h.exchange(t, domain.NewTick().Set("data_in", domain.Uint(2)))
	assert.False(t, last.Alive)
	assert.Equal(t, domain.Uint(13), last.Values["data_out"])

	require.NoError(t, h.wait(t))
	assert.Equal(t, uint64(2), engine.Steps())
}

func TestDriver_TickHook(t *testing.T) {
	engine, err := sim.Lookup("inverter", 4)
	require.NoError(t, err)

	var mu sync.Mutex
	var steps []worker.Step
	h := start(t, engine, worker.WithTickHook(func(s worker.Step) {
		mu.Lock()
		defer mu.Unlock()
		steps = append(steps, s)
	}))

	h.exchange(t, domain.NewTick().Set("data_in", domain.Uint(5)))
	h.exchange(t, domain.NewTick())
	require.NoError(t, h.orch.SendTick(context.Background(), domain.Stop()))
	require.NoError(t, h.wait(t))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, steps, 2)
	assert.Equal(t, uint64(1), steps[0].Tick)
	assert.Equal(t, 1234, steps[0].PID)
	assert.Equal(t, "data_in: 5", steps[1].Inputs.String())
	assert.Equal(t, "data_out: 10", steps[1].Outputs.String())
}

func TestDriver_SingleUse(t *testing.T) {
	engine, err := sim.Lookup("inverter", 4)
	require.NoError(t, err)
	h := start(t, engine)

	require.NoError(t, h.orch.SendTick(context.Background(), domain.Stop()))
	require.NoError(t, h.wait(t))
	assert.Error(t, h.driver.Run(context.Background()))
}

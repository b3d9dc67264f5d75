package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/sigbridge/pkg/adapters/memory"
	"github.com/aretw0/sigbridge/pkg/codec"
	"github.com/aretw0/sigbridge/pkg/domain"
	"github.com/aretw0/sigbridge/pkg/orchestrator"
	"github.com/aretw0/sigbridge/pkg/session"
	"github.com/aretw0/sigbridge/pkg/sim"
	"github.com/aretw0/sigbridge/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fleet struct {
	sessions []orchestrator.Session
	wg       sync.WaitGroup
	mu       sync.Mutex
	errs     map[int]error
}

func (f *fleet) wait(t *testing.T) map[int]error {
	t.Helper()
	done := make(chan struct{})
	go func() { f.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("workers did not exit")
	}
	return f.errs
}

// spawn connects n in-process workers; models(rank) builds each engine.
func spawn(t *testing.T, n int, model func(rank int) *sim.Model) *fleet {
	t.Helper()
	hub := memory.NewHub()
	f := &fleet{errs: make(map[int]error)}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for rank := 0; rank < n; rank++ {
		rank := rank
		engine := model(rank)
		c := codec.New(engine.Ports())
		addr := fmt.Sprintf("rank-%d", rank)
		orch := session.New(hub.Transport(), c)
		work := session.New(hub.Transport(), c)

		opened := make(chan error, 1)
		go func() { opened <- work.Open(ctx, domain.Initiator, addr) }()
		require.NoError(t, orch.Open(ctx, domain.Responder, addr))
		require.NoError(t, <-opened, "rank %d initiator open", rank)
		f.sessions = append(f.sessions, orch)

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			err := worker.New(work, engine, worker.WithPID(1000+rank)).Run(context.Background())
			f.mu.Lock()
			f.errs[rank] = err
			f.mu.Unlock()
		}()
	}
	return f
}

func inverters(opts ...sim.Option) func(int) *sim.Model {
	return func(int) *sim.Model {
		m, err := sim.Lookup("inverter", 4, opts...)
		if err != nil {
			panic(err)
		}
		return m
	}
}

func dataIn(values ...uint64) orchestrator.Waveform {
	seq := make([]domain.Value, len(values))
	for i, v := range values {
		seq[i] = domain.Uint(v)
	}
	return orchestrator.Waveform{Ports: map[string]orchestrator.Generator{
		"data_in": orchestrator.Sequence(seq, false),
	}}
}

func TestRun_MaxTicks(t *testing.T) {
	f := spawn(t, 3, inverters())
	o := orchestrator.New(f.sessions,
		orchestrator.WithStimulus(dataIn(1, 2, 3)),
		orchestrator.WithMaxTicks(5),
	)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sum.Ticks)
	require.Len(t, sum.Workers, 3)
	for _, w := range sum.Workers {
		assert.Equal(t, 1000+w.Rank, w.PID)
		assert.Equal(t, "stopped", w.Status)
		assert.Equal(t, orchestrator.ReasonStopped, w.Reason)
		assert.Equal(t, uint64(5), w.Ticks)
		// data_in was omitted after tick 3; workers held 3.
		assert.Equal(t, "12", w.Last["data_out"])
	}
	assert.Empty(t, sum.Failed())

	for rank, err := range f.wait(t) {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestRun_WaveformLength(t *testing.T) {
	f := spawn(t, 2, inverters())
	wave := dataIn(5)
	wave.Length = 3
	o := orchestrator.New(f.sessions, orchestrator.WithStimulus(wave))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sum.Ticks, "the stop round after tick 3 is not counted")
	for _, w := range sum.Workers {
		assert.Equal(t, uint64(3), w.Ticks)
		assert.Equal(t, "10", w.Last["data_out"])
	}
	f.wait(t)
}

func TestRun_DropStopped(t *testing.T) {
	f := spawn(t, 3, func(rank int) *sim.Model {
		if rank == 1 {
			return inverters(sim.WithStepLimit(2))(rank)
		}
		return inverters()(rank)
	})
	o := orchestrator.New(f.sessions, orchestrator.WithMaxTicks(5))

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), sum.Ticks)
	assert.Equal(t, orchestrator.ReasonFinished, sum.Workers[1].Reason)
	assert.Equal(t, uint64(2), sum.Workers[1].Ticks)
	assert.Equal(t, uint64(5), sum.Workers[0].Ticks)
	assert.Equal(t, uint64(5), sum.Workers[2].Ticks)
	f.wait(t)
}

func TestRun_HaltAll(t *testing.T) {
	f := spawn(t, 3, func(rank int) *sim.Model {
		if rank == 1 {
			return inverters(sim.WithStepLimit(2))(rank)
		}
		return inverters()(rank)
	})
	o := orchestrator.New(f.sessions,
		orchestrator.WithMaxTicks(5),
		orchestrator.WithPolicy(orchestrator.HaltAll),
	)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sum.Ticks)
	assert.Equal(t, orchestrator.ReasonFinished, sum.Workers[1].Reason)
	assert.Equal(t, orchestrator.ReasonHalted, sum.Workers[0].Reason)
	assert.Equal(t, orchestrator.ReasonHalted, sum.Workers[2].Reason)
	assert.Equal(t, uint64(2), sum.Workers[0].Ticks)
	for rank, err := range f.wait(t) {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestRun_CancelBetweenTicks(t *testing.T) {
	f := spawn(t, 2, inverters())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := orchestrator.New(f.sessions, orchestrator.WithStimulus(orchestrator.StimulusFunc(
		func(tick uint64, rank int) domain.TickMessage {
			if tick == 3 && rank == 0 {
				cancel()
			}
			return domain.NewTick().Set("data_in", domain.Uint(tick))
		})))

	sum, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	// Tick 3 ran to completion despite the cancel.
	assert.Equal(t, uint64(3), sum.Ticks)
	for _, w := range sum.Workers {
		assert.Equal(t, uint64(3), w.Ticks)
		assert.Equal(t, orchestrator.ReasonStopped, w.Reason)
	}
	for rank, err := range f.wait(t) {
		assert.NoError(t, err, "rank %d", rank)
	}
}

func TestTick_NoRunningWorkers(t *testing.T) {
	o := orchestrator.New(nil)
	_, err := o.Tick(context.Background())
	assert.Error(t, err)

	sum, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Ticks)
}

func TestParseStopPolicy(t *testing.T) {
	p, err := orchestrator.ParseStopPolicy("halt-all")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.HaltAll, p)

	p, err = orchestrator.ParseStopPolicy("")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.DropStopped, p)

	_, err = orchestrator.ParseStopPolicy("panic")
	assert.Error(t, err)
}

var errBoom = errors.New("boom")

// Package orchestrator fans one controller out to many worker sessions and
// keeps them in lock-step: every tick scatters one message to each running
// worker, then gathers one reply from each, with a barrier in between.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/sigbridge/internal/logging"
	"github.com/aretw0/sigbridge/pkg/domain"
	"golang.org/x/sync/errgroup"
)

// StopPolicy decides what happens to the other workers when one stops.
type StopPolicy int

const (
	// DropStopped leaves stopped workers out of later ticks and keeps going.
	DropStopped StopPolicy = iota
	// HaltAll sends the stop sentinel to every remaining worker as soon as any worker stops.
	HaltAll
)

func (p StopPolicy) String() string {
	if p == HaltAll {
		return "halt-all"
	}
	return "drop-stopped"
}

// ParseStopPolicy maps a configuration name to a StopPolicy.
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch s {
	case "", "drop-stopped", "drop":
		return DropStopped, nil
	case "halt-all", "halt":
		return HaltAll, nil
	default:
		return 0, fmt.Errorf("unknown stop policy %q (want drop-stopped or halt-all)", s)
	}
}

// Observer is notified of run progress. Calls are made from the run goroutine
// with the handle state locked: observers must not call back into the Orchestrator.
type Observer interface {
	TickCompleted(tick uint64, elapsed time.Duration, running int)
	WorkerStopped(rank int, reason StopReason, err error)
	SessionError(rank int, code domain.ErrorCode)
}

// TickReport is the outcome of one tick.
type TickReport struct {
	Tick    uint64
	Replies map[int]domain.TickMessage
	Stopped []int
	Errors  map[int]error
	Running int
}

// Summary is the outcome of a run.
type Summary struct {
	Ticks    uint64
	Duration time.Duration
	Workers  []WorkerStatus
}

// Failed returns the workers that stopped on an error.
func (s *Summary) Failed() []WorkerStatus {
	var out []WorkerStatus
	for _, w := range s.Workers {
		if w.Reason == ReasonFailed {
			out = append(out, w)
		}
	}
	return out
}

// Orchestrator drives a fixed set of worker sessions.
type Orchestrator struct {
	handles   []*WorkerHandle
	stimulus  Stimulus
	maxTicks  uint64
	policy    StopPolicy
	observers []Observer
	expected  []int
	logger    *slog.Logger

	mu   sync.Mutex // guards handle state for Snapshot
	tick uint64
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithStimulus sets the input source. Defaults to empty live ticks.
func WithStimulus(s Stimulus) Option {
	return func(o *Orchestrator) {
		o.stimulus = s
	}
}

// WithMaxTicks stops the run after n ticks. Zero means no limit.
func WithMaxTicks(n uint64) Option {
	return func(o *Orchestrator) {
		o.maxTicks = n
	}
}

// WithPolicy sets the partial-stop policy.
func WithPolicy(p StopPolicy) Option {
	return func(o *Orchestrator) {
		o.policy = p
	}
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// WithExpectedPIDs lists the pids the supervisor spawned, by rank.
// A handshake pid that differs is logged; the handshake value is kept.
func WithExpectedPIDs(pids []int) Option {
	return func(o *Orchestrator) {
		o.expected = pids
	}
}

// WithLogger configures a logger for the Orchestrator.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New builds one handle per connected session; the rank is the index.
func New(sessions []Session, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		stimulus: StimulusFunc(func(uint64, int) domain.TickMessage { return domain.NewTick() }),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	for i, s := range sessions {
		o.handles = append(o.handles, &WorkerHandle{Rank: i, Session: s})
	}
	return o
}

// Handles returns the worker handles in rank order.
func (o *Orchestrator) Handles() []*WorkerHandle { return o.handles }

// Ticks returns the number of completed ticks.
func (o *Orchestrator) Ticks() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tick
}

// Snapshot copies every handle's status. Safe to call from any goroutine.
func (o *Orchestrator) Snapshot() []WorkerStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]WorkerStatus, len(o.handles))
	for i, h := range o.handles {
		out[i] = h.snapshot()
	}
	return out
}

// Running returns how many workers are still in the run.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running()
}

func (o *Orchestrator) running() int {
	n := 0
	for _, h := range o.handles {
		if h.running() {
			n++
		}
	}
	return n
}

// Handshake receives every worker's pid concurrently. A worker whose
// handshake fails is stopped; the others are unaffected. The returned error
// joins the individual failures.
func (o *Orchestrator) Handshake(ctx context.Context) error {
	pids := make([]int, len(o.handles))
	errs := make([]error, len(o.handles))

	var g errgroup.Group
	for i, h := range o.handles {
		i, h := i, h
		if h.status != StatusPending {
			continue
		}
		g.Go(func() error {
			pids[i], errs[i] = h.Session.AwaitIdentity(ctx)
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	var failed []error
	for i, h := range o.handles {
		if h.status != StatusPending {
			continue
		}
		if errs[i] != nil {
			o.fail(h, errs[i])
			failed = append(failed, fmt.Errorf("rank %d: %w", h.Rank, errs[i]))
			continue
		}
		h.PID = pids[i]
		h.status = StatusRunning
		if i < len(o.expected) && o.expected[i] != 0 && o.expected[i] != h.PID {
			o.logger.Warn("handshake pid differs from spawned pid",
				"rank", h.Rank, "pid", h.PID, "spawned", o.expected[i])
		}
		o.logger.Debug("worker identified", "rank", h.Rank, "pid", h.PID, "address", h.Session.Address())
	}
	return errors.Join(failed...)
}

type exchange struct {
	msg     domain.TickMessage
	sendErr error
	reply   domain.TickMessage
	recvErr error
}

// Tick runs one scatter/gather round over the running workers.
// There is no mid-tick cancellation: once started, the round completes.
func (o *Orchestrator) Tick(ctx context.Context) (*TickReport, error) {
	o.mu.Lock()
	var active []*WorkerHandle
	for _, h := range o.handles {
		if h.running() {
			active = append(active, h)
		}
	}
	tick := o.tick + 1
	o.mu.Unlock()

	if len(active) == 0 {
		return nil, errors.New("no running workers")
	}

	start := time.Now()
	ioCtx := context.WithoutCancel(ctx)
	xs := make([]exchange, len(active))
	for i, h := range active {
		xs[i].msg = o.stimulus.Next(tick, h.Rank)
	}

	// Scatter
	var scatter errgroup.Group
	for i, h := range active {
		i, h := i, h
		scatter.Go(func() error {
			xs[i].sendErr = h.Session.SendTick(ioCtx, xs[i].msg)
			return nil
		})
	}
	_ = scatter.Wait()

	// Gather
	var gather errgroup.Group
	for i, h := range active {
		i, h := i, h
		if xs[i].sendErr != nil || !xs[i].msg.Alive {
			continue
		}
		gather.Go(func() error {
			xs[i].reply, xs[i].recvErr = h.Session.ReceiveTick(ioCtx)
			return nil
		})
	}
	_ = gather.Wait()

	report := &TickReport{
		Tick:    tick,
		Replies: make(map[int]domain.TickMessage),
		Errors:  make(map[int]error),
	}

	live := false
	for _, x := range xs {
		live = live || x.msg.Alive
	}

	o.mu.Lock()
	// A round of stop sentinels only does not count as a tick.
	if live {
		o.tick = tick
	}
	for i, h := range active {
		x := xs[i]
		switch {
		case x.sendErr != nil:
			o.fail(h, x.sendErr)
		case !x.msg.Alive:
			o.stopClean(h, ReasonStopped)
		case x.recvErr != nil:
			o.fail(h, x.recvErr)
		default:
			h.ticks++
			h.last = x.reply
			report.Replies[h.Rank] = x.reply
			if !x.reply.Alive {
				o.stopClean(h, ReasonFinished)
			}
		}
		if !h.running() {
			report.Stopped = append(report.Stopped, h.Rank)
			if h.err != nil {
				report.Errors[h.Rank] = h.err
			}
		}
	}
	halt := o.policy == HaltAll && len(report.Stopped) > 0 && o.running() > 0
	o.mu.Unlock()

	if halt {
		o.logger.Info("halting remaining workers", "tick", tick, "stopped", report.Stopped)
		report.Stopped = append(report.Stopped, o.stopAll(ioCtx, ReasonHalted)...)
	}

	report.Running = o.Running()
	if live {
		elapsed := time.Since(start)
		for _, obs := range o.observers {
			obs.TickCompleted(tick, elapsed, report.Running)
		}
	}
	return report, nil
}

// Run handshakes, then ticks until every worker has stopped, the tick limit
// is reached or ctx is canceled. Cancellation is honoured between ticks: the
// stop sentinel is sent to the remaining workers and ctx.Err() returned.
// Every session is closed on return.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	defer o.closeAll()

	if err := o.Handshake(ctx); err != nil {
		o.logger.Warn("handshake failures", "err", err)
	}

	var runErr error
	for o.Running() > 0 {
		if err := ctx.Err(); err != nil {
			o.stopAll(context.WithoutCancel(ctx), ReasonStopped)
			runErr = err
			break
		}
		if o.maxTicks > 0 && o.Ticks() >= o.maxTicks {
			o.logger.Debug("tick limit reached", "ticks", o.maxTicks)
			o.stopAll(context.WithoutCancel(ctx), ReasonStopped)
			break
		}
		if _, err := o.Tick(ctx); err != nil {
			runErr = err
			break
		}
	}

	return &Summary{
		Ticks:    o.Ticks(),
		Duration: time.Since(start),
		Workers:  o.Snapshot(),
	}, runErr
}

// stopAll scatters the stop sentinel to every running worker and returns their ranks.
func (o *Orchestrator) stopAll(ctx context.Context, reason StopReason) []int {
	o.mu.Lock()
	var active []*WorkerHandle
	for _, h := range o.handles {
		if h.running() {
			active = append(active, h)
		}
	}
	o.mu.Unlock()

	errs := make([]error, len(active))
	var g errgroup.Group
	for i, h := range active {
		i, h := i, h
		g.Go(func() error {
			errs[i] = h.Session.SendTick(ctx, domain.Stop())
			return nil
		})
	}
	_ = g.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	ranks := make([]int, 0, len(active))
	for i, h := range active {
		if errs[i] != nil {
			o.fail(h, errs[i])
		} else {
			o.stopClean(h, reason)
		}
		ranks = append(ranks, h.Rank)
	}
	return ranks
}

func (o *Orchestrator) closeAll() {
	for _, h := range o.handles {
		if err := h.Session.Close(); err != nil {
			o.logger.Warn("close session", "rank", h.Rank, "err", err)
		}
	}
}

// fail and stopClean must be called with o.mu held.
func (o *Orchestrator) fail(h *WorkerHandle, err error) {
	h.stop(ReasonFailed, err)
	code, _ := domain.CodeOf(err)
	o.logger.Error("worker failed", "rank", h.Rank, "pid", h.PID, "code", code, "err", err)
	for _, obs := range o.observers {
		obs.SessionError(h.Rank, code)
		obs.WorkerStopped(h.Rank, ReasonFailed, err)
	}
}

func (o *Orchestrator) stopClean(h *WorkerHandle, reason StopReason) {
	h.stop(reason, nil)
	o.logger.Debug("worker stopped", "rank", h.Rank, "pid", h.PID, "reason", reason, "code", domain.CodePeerTerminated)
	for _, obs := range o.observers {
		obs.WorkerStopped(h.Rank, reason, nil)
	}
}

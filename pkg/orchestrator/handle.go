package orchestrator

import (
	"context"
	"fmt"

	"github.com/aretw0/sigbridge/pkg/domain"
)

// Session is the responder side of a bridge session as seen by the orchestrator.
type Session interface {
	Address() string
	AwaitIdentity(ctx context.Context) (int, error)
	SendTick(ctx context.Context, msg domain.TickMessage) error
	ReceiveTick(ctx context.Context) (domain.TickMessage, error)
	Close() error
}

// Status is the lifecycle of a worker handle.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StopReason tells why a worker left the run.
type StopReason string

const (
	// ReasonFinished: the worker replied alive=false.
	ReasonFinished StopReason = "finished"
	// ReasonStopped: the orchestrator sent the stop sentinel from its stimulus, tick limit or cancellation.
	ReasonStopped StopReason = "stopped"
	// ReasonHalted: another worker stopped under the HaltAll policy.
	ReasonHalted StopReason = "halted"
	// ReasonFailed: a transport or protocol error ended the session.
	ReasonFailed StopReason = "failed"
)

// WorkerHandle is the orchestrator's record of one worker session.
// The set of handles is fixed for the run.
type WorkerHandle struct {
	Rank    int
	PID     int
	Session Session

	status Status
	reason StopReason
	err    error
	ticks  uint64
	last   domain.TickMessage
}

func (h *WorkerHandle) running() bool { return h.status == StatusRunning }

func (h *WorkerHandle) stop(reason StopReason, err error) {
	h.status = StatusStopped
	h.reason = reason
	h.err = err
}

// WorkerStatus is a point-in-time copy of a handle, safe to share.
type WorkerStatus struct {
	Rank    int               `json:"rank"`
	PID     int               `json:"pid"`
	Address string            `json:"address"`
	Status  string            `json:"status"`
	Reason  StopReason        `json:"reason,omitempty"`
	Code    domain.ErrorCode  `json:"code,omitempty"`
	Error   string            `json:"error,omitempty"`
	Ticks   uint64            `json:"ticks"`
	Last    map[string]string `json:"last,omitempty"`
}

func (h *WorkerHandle) snapshot() WorkerStatus {
	ws := WorkerStatus{
		Rank:    h.Rank,
		PID:     h.PID,
		Address: h.Session.Address(),
		Status:  h.status.String(),
		Reason:  h.reason,
		Ticks:   h.ticks,
	}
	if h.err != nil {
		ws.Error = h.err.Error()
		ws.Code, _ = domain.CodeOf(h.err)
	}
	if len(h.last.Values) > 0 {
		ws.Last = make(map[string]string, len(h.last.Values))
		for k, v := range h.last.Values {
			ws.Last[k] = v.String()
		}
	}
	return ws
}

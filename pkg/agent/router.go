package agent

import (
	"errors"
	"time"
)

// ErrUnknownCorrelation is returned when a worker result references a
// correlation id with no outstanding request: the request already timed
// out, the peer left, or the worker is misbehaving. Callers log and drop.
var ErrUnknownCorrelation = errors.New("agent: unknown correlation id")

// stage identifies which pipeline hop an outstanding request belongs to.
type stage int

const (
	stageTranscript stage = iota
	stageGeneration
	stageSynthesis
)

func (s stage) String() string {
	switch s {
	case stageTranscript:
		return "transcript"
	case stageGeneration:
		return "generation"
	case stageSynthesis:
		return "synthesis"
	default:
		return "unknown"
	}
}

// pending is one in-flight request awaiting a terminal event.
type pending struct {
	correlationID string
	peerID        string
	stage         stage
	role          string
	issued        time.Time
	deadline      time.Time
}

// router correlates worker results back to the peer that asked. It is owned
// by the orchestrator's event loop and needs no locking.
type router struct {
	inflight map[string]*pending
}

func newRouter() *router {
	return &router{inflight: make(map[string]*pending)}
}

// add registers an outstanding request.
func (r *router) add(correlationID, peerID string, st stage, role string, now time.Time, timeout time.Duration) {
	r.inflight[correlationID] = &pending{
		correlationID: correlationID,
		peerID:        peerID,
		stage:         st,
		role:          role,
		issued:        now,
		deadline:      now.Add(timeout),
	}
}

// resolve removes and returns the pending request for a correlation id.
func (r *router) resolve(correlationID string) (*pending, error) {
	p, ok := r.inflight[correlationID]
	if !ok {
		return nil, ErrUnknownCorrelation
	}
	delete(r.inflight, correlationID)
	return p, nil
}

// drop discards a pending request without resolving it, so any late reply
// takes the unknown-correlation path.
func (r *router) drop(correlationID string) {
	delete(r.inflight, correlationID)
}

// expired removes and returns every request whose deadline has passed.
func (r *router) expired(now time.Time) []*pending {
	var out []*pending
	for cid, p := range r.inflight {
		if now.After(p.deadline) {
			out = append(out, p)
			delete(r.inflight, cid)
		}
	}
	return out
}

// failRole removes and returns every request outstanding against a worker
// role. Used when that worker dies so callers never block on it.
func (r *router) failRole(role string) []*pending {
	var out []*pending
	for cid, p := range r.inflight {
		if p.role == role {
			out = append(out, p)
			delete(r.inflight, cid)
		}
	}
	return out
}

// size returns the number of in-flight requests.
func (r *router) size() int { return len(r.inflight) }

// Package manifest tracks every in-flight forwarded request for
// observability, timeout, and cleanup.
package manifest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// RequestState is the lifecycle position of one in-flight request.
// Transitions are monotonic along Created → Parsing → Forwarding →
// WaitingBackend → SendingResponse → Completed; any state may jump to Failed.
type RequestState int32

const (
	StateCreated RequestState = iota
	StateParsing
	StateForwarding
	StateWaitingBackend
	StateSendingResponse
	StateCompleted
	StateFailed
)

// String implements fmt.Stringer for log output.
func (s RequestState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateParsing:
		return "parsing"
	case StateForwarding:
		return "forwarding"
	case StateWaitingBackend:
		return "waiting_backend"
	case StateSendingResponse:
		return "sending_response"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ActiveRequest is the bookkeeping record for one forwarded request.
// State is atomic so observers may read it without the manifest lock.
type ActiveRequest struct {
	id        uint64
	state     atomic.Int32
	startTime time.Time

	// Set by the owning session as the request progresses.
	Method string
	Path   string
}

// ID returns the process-unique request id.
func (a *ActiveRequest) ID() uint64 { return a.id }

// State returns the current state without locking.
func (a *ActiveRequest) State() RequestState { return RequestState(a.state.Load()) }

// SetState advances the request to state. Regressions are ignored so the
// monotonic invariant holds even when callbacks race.
func (a *ActiveRequest) SetState(state RequestState) {
	for {
		cur := a.state.Load()
		if int32(state) <= cur && state != StateFailed {
			return
		}
		if a.state.CompareAndSwap(cur, int32(state)) {
			return
		}
	}
}

// StartTime returns when the record was created.
func (a *ActiveRequest) StartTime() time.Time { return a.startTime }

// Age returns how long the request has been in flight.
func (a *ActiveRequest) Age() time.Duration { return time.Since(a.startTime) }

// Manifest is the process-wide table of in-flight requests. The mutex guards
// only the map; request state is read and written atomically.
type Manifest struct {
	mu     sync.Mutex
	active map[uint64]*ActiveRequest
	nextID atomic.Uint64

	expiry time.Duration
	logger *slog.Logger
}

// DefaultExpiry is how long a request may stay in flight before the sweep
// marks it failed and evicts it.
const DefaultExpiry = 30 * time.Second

// New creates an empty Manifest with the default 30 s expiry.
func New(logger *slog.Logger) *Manifest {
	return NewWithExpiry(logger, DefaultExpiry)
}

// NewWithExpiry creates an empty Manifest with a custom expiry window.
func NewWithExpiry(logger *slog.Logger, expiry time.Duration) *Manifest {
	return &Manifest{
		active: make(map[uint64]*ActiveRequest),
		expiry: expiry,
		logger: logger.With("component", "request_manifest"),
	}
}

// Create allocates a fresh id, inserts a record in StateCreated, and returns it.
// Ids are strictly monotonic and never reused within a process run.
func (m *Manifest) Create() *ActiveRequest {
	ar := &ActiveRequest{
		id:        m.nextID.Add(1),
		startTime: time.Now(),
	}

	m.mu.Lock()
	m.active[ar.id] = ar
	total := len(m.active)
	m.mu.Unlock()

	m.logger.Debug("created request", "request_id", ar.id, "active", total)
	return ar
}

// Get returns the record for id, or nil if it has already been removed.
func (m *Manifest) Get(id uint64) *ActiveRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// Complete transitions the record to StateCompleted and removes it.
func (m *Manifest) Complete(id uint64) {
	m.finish(id, StateCompleted)
}

// Fail transitions the record to StateFailed and removes it.
func (m *Manifest) Fail(id uint64) {
	m.finish(id, StateFailed)
}

func (m *Manifest) finish(id uint64, state RequestState) {
	m.mu.Lock()
	ar, ok := m.active[id]
	if ok {
		delete(m.active, id)
	}
	remaining := len(m.active)
	m.mu.Unlock()

	if !ok {
		return
	}
	ar.SetState(state)
	m.logger.Debug("finished request",
		"request_id", id,
		"state", state.String(),
		"active", remaining,
	)
}

// Sweep scans for records older than the expiry, marks each Failed, removes
// it, and logs a warning. Returns the number of evicted records.
func (m *Manifest) Sweep() int {
	m.mu.Lock()
	var expired []*ActiveRequest
	for id, ar := range m.active {
		if ar.Age() > m.expiry {
			delete(m.active, id)
			expired = append(expired, ar)
		}
	}
	m.mu.Unlock()

	for _, ar := range expired {
		ar.SetState(StateFailed)
		m.logger.Warn("evicted expired request",
			"request_id", ar.ID(),
			"age", ar.Age().Round(time.Millisecond),
			"method", ar.Method,
			"path", ar.Path,
		)
	}
	return len(expired)
}

// Run invokes Sweep on a ticker until ctx is cancelled.
func (m *Manifest) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Size returns the number of in-flight requests.
func (m *Manifest) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// LogStats writes a one-line summary of the manifest to the log.
func (m *Manifest) LogStats() {
	m.logger.Info("active requests", "count", m.Size())
}

package cqcorex

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// ServerCqProxy forwards client-side CQ lifecycle calls to the server the
// CQ is subscribed through. Implementations live in the client runtime.
type ServerCqProxy interface {
	ExecuteCq(ctx context.Context, cqName string, queryString string, durable bool) error
	StopCq(ctx context.Context, cqName string) error
	CloseCq(ctx context.Context, cqName string) error
}

// A CqQuery is one registered continuous query. The registry owns it for the
// process lifetime; region filter profiles hold it by filter id for routing,
// not ownership.
type CqQuery struct {
	name         string
	serverCqName string
	queryString  string
	regionName   string
	durable      bool
	poolName     string

	// isPartitioned marks CQs over partitioned regions, whose result-key
	// cache is intentionally not maintained to bound memory.
	isPartitioned bool

	parsed      ParsedQuery
	listeners   []CqListener
	serverProxy ServerCqProxy

	// evalLock serializes predicate evaluation for this CQ: the execution
	// context caches per-run scratch state that is not thread-safe.
	evalLock  sync.Mutex
	execution QueryExecution

	state     atomic.Uint32
	filterID  atomic.Int64
	connected atomic.Bool

	resultCache *cqResultKeyCache
	stats       CqQueryStats

	queuedLock   sync.Mutex
	queuedEvents []*CqEvent

	closeOnce sync.Once
}

// Name returns the client-side CQ name.
func (q *CqQuery) Name() string {
	return q.name
}

// ServerCqName returns the server-side qualified name (client name plus the
// client identity suffix).
func (q *CqQuery) ServerCqName() string {
	return q.serverCqName
}

func (q *CqQuery) QueryString() string {
	return q.queryString
}

func (q *CqQuery) RegionName() string {
	return q.regionName
}

func (q *CqQuery) IsDurable() bool {
	return q.durable
}

func (q *CqQuery) PoolName() string {
	return q.poolName
}

func (q *CqQuery) Stats() *CqQueryStats {
	return &q.stats
}

func (q *CqQuery) State() CqState {
	return CqState(q.state.Load())
}

func (q *CqQuery) IsRunning() bool {
	return q.State() == CqStateRunning
}

func (q *CqQuery) IsStopped() bool {
	return q.State() == CqStateStopped
}

func (q *CqQuery) IsClosed() bool {
	s := q.State()
	return s == CqStateClosed || s == CqStateClosing
}

func (q *CqQuery) setState(s CqState) {
	q.state.Store(uint32(s))
}

func (q *CqQuery) FilterID() int64 {
	return q.filterID.Load()
}

func (q *CqQuery) setFilterID(id int64) {
	q.filterID.Store(id)
}

func (q *CqQuery) isConnected() bool {
	return q.connected.Load()
}

func (q *CqQuery) setConnected(connected bool) {
	q.connected.Store(connected)
}

// Listeners returns the CQ's listeners in registration order.
func (q *CqQuery) Listeners() []CqListener {
	return q.listeners
}

// evaluate runs the CQ's predicate against the candidate set under the
// per-CQ monitor. The first run takes the full execution path and saves the
// execution state; later runs use the incremental path.
func (q *CqQuery) evaluate(ctx context.Context, candidates []interface{}) (bool, error) {
	q.evalLock.Lock()
	defer q.evalLock.Unlock()

	if q.execution == nil {
		q.execution = q.parsed.NewExecution()
	}

	cqEvaluations.Add(ctx, 1)

	if !q.execution.Executed() {
		return q.execution.Evaluate(ctx, candidates)
	}
	return q.execution.EvaluateIncremental(ctx, candidates)
}

// beginQueueing puts the CQ into its transient initial-population state.
// Events arriving while queueing are buffered instead of dispatched.
func (q *CqQuery) beginQueueing() {
	q.queuedLock.Lock()
	if q.queuedEvents == nil {
		q.queuedEvents = make([]*CqEvent, 0, 8)
	}
	q.queuedLock.Unlock()
}

func (q *CqQuery) isQueueing() bool {
	q.queuedLock.Lock()
	defer q.queuedLock.Unlock()
	return q.queuedEvents != nil
}

// enqueueIfQueueing buffers the event when the CQ is in its queueing state
// and reports whether it did.
func (q *CqQuery) enqueueIfQueueing(event *CqEvent) bool {
	q.queuedLock.Lock()
	defer q.queuedLock.Unlock()

	if q.queuedEvents == nil {
		return false
	}
	q.queuedEvents = append(q.queuedEvents, event)
	q.stats.numQueuedEvents.Inc()
	return true
}

// takeQueuedEvents ends the queueing state and returns the buffered events
// for dispatch.
func (q *CqQuery) takeQueuedEvents() []*CqEvent {
	q.queuedLock.Lock()
	defer q.queuedLock.Unlock()

	events := q.queuedEvents
	q.queuedEvents = nil
	return events
}

// fireClose invokes every listener's OnClose exactly once across all close
// paths (explicit close, region destroy, service shutdown).
func (q *CqQuery) fireClose() {
	q.closeOnce.Do(func() {
		for _, listener := range q.listeners {
			if listener != nil {
				listener.OnClose()
			}
		}
	})
}

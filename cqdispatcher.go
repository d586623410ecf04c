package cqcorex

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meshgrid/cqcorex/zaputils"
)

// FullValueFetcher retrieves the full value for an event whose delta could
// not be applied locally. Implemented by the client runtime against the
// server the subscription lives on.
type FullValueFetcher interface {
	FetchFullValue(ctx context.Context, eventID uuid.UUID) ([]byte, DatatypeFlag, error)
}

// cqLocalCloser closes a CQ on the client side, firing listener close
// callbacks. Implemented by the service.
type cqLocalCloser interface {
	closeCqLocally(cq *CqQuery)
}

type CqDispatcherOptions struct {
	Logger             *zap.Logger
	Registry           *CqRegistry
	FullValueFetcher   FullValueFetcher
	CompressionManager CompressionManager
}

// CqDispatcher delivers routed CQ events to listeners on the client side
// and tracks per-pool connectivity for status listeners.
type CqDispatcher struct {
	logger      *zap.Logger
	registry    *CqRegistry
	fetcher     FullValueFetcher
	compression CompressionManager

	closer cqLocalCloser

	// poolsLock guards the last-known connected state per pool, used to
	// suppress repeated notifications from redundancy-satisfier retries.
	poolsLock      sync.Mutex
	poolsConnected map[string]bool
}

func NewCqDispatcher(opts *CqDispatcherOptions) *CqDispatcher {
	if opts == nil {
		opts = &CqDispatcherOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	compression := opts.CompressionManager
	if compression == nil {
		compression = NewCompressionManagerDefault(0, 0)
	}

	return &CqDispatcher{
		logger:         logger,
		registry:       opts.Registry,
		fetcher:        opts.FullValueFetcher,
		compression:    compression,
		poolsConnected: make(map[string]bool),
	}
}

// DispatchEvents turns the routing decisions computed for one cache event
// into listener invocations. cqOutcomes maps server CQ name to message type,
// as resolved from filter ids by the subscription layer.
func (d *CqDispatcher) DispatchEvents(
	ctx context.Context,
	cqOutcomes map[string]CqMessageType,
	baseMsgType CqMessageType,
	key string,
	value interface{},
	delta []byte,
	eventID uuid.UUID,
) {
	ctx, span := tracer.Start(ctx, "cqcorex/DispatchEvents")
	defer span.End()

	for cqName, outcome := range cqOutcomes {
		cq, ok := d.registry.Get(cqName)
		if !ok || (!cq.IsRunning() && !cq.isQueueing()) {
			// A CQ may legitimately close mid-flight; this is not an error.
			d.logger.Debug("unable to invoke cq listener",
				zaputils.CqName("cq", cqName),
				zap.Bool("found", ok))
			continue
		}

		// A region destroy closes the CQ rather than delivering an event.
		// The close fires the listeners' close callbacks.
		if outcome == CqMessageTypeDestroyRegion {
			if d.closer != nil {
				d.closer.closeCqLocally(cq)
			} else {
				cq.fireClose()
			}
			continue
		}

		event := &CqEvent{
			CqName:  cq.Name(),
			BaseOp:  baseMsgType.QueryOperation(),
			QueryOp: outcome.QueryOperation(),
			Key:     key,
			Value:   value,
			Delta:   delta,
			EventID: eventID,
		}
		if outcome == CqMessageTypeException {
			event.Err = errors.New("cq predicate evaluation failed on the server")
		}

		cq.stats.updateForMessage(outcome)

		if cq.enqueueIfQueueing(event) {
			d.logger.Debug("queueing cq event",
				zaputils.CqName("cq", cqName),
				zaputils.EntryKey("key", key))
			continue
		}

		d.invokeListeners(ctx, cq, event)
	}
}

// invokeListeners delivers the event to each listener in registration
// order. A single listener failing, or panicking, never prevents the
// remaining listeners from running.
func (d *CqDispatcher) invokeListeners(ctx context.Context, cq *CqQuery, event *CqEvent) {
	if !cq.IsRunning() {
		return
	}

	listeners := cq.Listeners()

	d.logger.Debug("invoking cq listeners",
		zaputils.CqName("cq", cq.Name()),
		zap.Int("numListeners", len(listeners)))

	for _, listener := range listeners {
		if listener == nil {
			continue
		}

		cq.stats.numListenerInvocations.Inc()
		cqListenerInvocations.Add(ctx, 1)

		if event.Err != nil {
			d.safeOnError(cq, listener, event)
			continue
		}

		err := d.safeOnEvent(cq, listener, event)
		if err == nil {
			continue
		}

		if errors.Is(err, ErrInvalidDelta) {
			d.logger.Debug("cq listener could not apply delta, requesting full value",
				zaputils.CqName("cq", cq.Name()),
				zap.Stringer("eventID", event.EventID))

			fullValue, err := d.recoverFullValue(ctx, event)
			if err != nil {
				// Drop the event for this listener set rather than retry
				// forever.
				d.logger.Warn("failed to retrieve full value from server, dropping cq event",
					zaputils.CqName("cq", cq.Name()),
					zap.Stringer("eventID", event.EventID),
					zap.Error(err))
				return
			}

			rebuilt := *event
			rebuilt.Value = fullValue
			d.redeliver(ctx, cq, listeners, &rebuilt)
			return
		}

		d.logger.Warn("exception in cq listener",
			zaputils.CqName("cq", cq.Name()),
			zap.Error(err))
	}
}

// recoverFullValue fetches the full value for the event exactly once and
// decompresses it if needed.
func (d *CqDispatcher) recoverFullValue(ctx context.Context, event *CqEvent) ([]byte, error) {
	if d.fetcher == nil {
		return nil, ErrDeltaRecovery
	}

	cqFullValueFetches.Add(ctx, 1)

	value, datatype, err := d.fetcher.FetchFullValue(ctx, event.EventID)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrDeltaRecovery
	}

	value, _, err = d.compression.Decompress(datatype, value)
	if err != nil {
		return nil, err
	}
	return value, nil
}

// redeliver replays the rebuilt event to the same listener set.
func (d *CqDispatcher) redeliver(ctx context.Context, cq *CqQuery, listeners []CqListener, event *CqEvent) {
	for _, listener := range listeners {
		if listener == nil {
			continue
		}

		cq.stats.numListenerInvocations.Inc()
		cqListenerInvocations.Add(ctx, 1)

		if err := d.safeOnEvent(cq, listener, event); err != nil {
			d.logger.Warn("exception in cq listener during full value redelivery",
				zaputils.CqName("cq", cq.Name()),
				zap.Error(err))
		}
	}
}

func (d *CqDispatcher) safeOnEvent(cq *CqQuery, listener CqListener, event *CqEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("cq listener panicked",
				zaputils.CqName("cq", cq.Name()),
				zap.Any("panic", r))
			err = nil
		}
	}()
	return listener.OnEvent(event)
}

func (d *CqDispatcher) safeOnError(cq *CqQuery, listener CqListener, event *CqEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("cq listener panicked in error callback",
				zaputils.CqName("cq", cq.Name()),
				zap.Any("panic", r))
		}
	}()
	listener.OnError(event)
}

// drainQueuedEvents flushes events buffered while the CQ was populating its
// initial result set.
func (d *CqDispatcher) drainQueuedEvents(ctx context.Context, cq *CqQuery) {
	events := cq.takeQueuedEvents()
	for _, event := range events {
		d.invokeListeners(ctx, cq, event)
	}
}

// CqsConnected notifies the CQs subscribed through the pool that their
// connection was (re)established.
func (d *CqDispatcher) CqsConnected(poolName string) {
	d.invokeCqsConnected(poolName, true)
}

// CqsDisconnected notifies the CQs subscribed through the pool that their
// connection was lost.
func (d *CqDispatcher) CqsDisconnected(poolName string) {
	d.invokeCqsConnected(poolName, false)
}

func (d *CqDispatcher) invokeCqsConnected(poolName string, connected bool) {
	d.poolsLock.Lock()

	// Repeated notifications with the same state are suppressed so repeated
	// redundancy-satisfier failures do not hammer the listeners.
	if last, ok := d.poolsConnected[poolName]; ok && last == connected {
		d.poolsLock.Unlock()
		return
	}
	d.poolsConnected[poolName] = connected

	// The lock covers only the pool state; listeners may call back into the
	// dispatcher.
	d.poolsLock.Unlock()

	for _, cq := range d.registry.All() {
		if cq.PoolName() != poolName {
			continue
		}
		if cq.isConnected() == connected {
			continue
		}
		if !cq.IsRunning() && !cq.isQueueing() {
			d.logger.Debug("unable to invoke cq status listener, cq is not running",
				zaputils.CqName("cq", cq.Name()))
			continue
		}

		d.invokeCqConnectedListeners(cq, connected)
	}
}

func (d *CqDispatcher) invokeCqConnectedListeners(cq *CqQuery, connected bool) {
	if !cq.IsRunning() {
		return
	}
	cq.setConnected(connected)

	for _, listener := range cq.Listeners() {
		statusListener, ok := listener.(CqStatusListener)
		if !ok {
			continue
		}

		func() {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Warn("cq status listener panicked",
						zaputils.CqName("cq", cq.Name()),
						zap.Any("panic", r))
				}
			}()
			if connected {
				statusListener.OnCqConnected()
			} else {
				statusListener.OnCqDisconnected()
			}
		}()
	}
}

package cqcorex

import (
	"context"
	"sync"
	"testing"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCqDispatcherDeliversEvents(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{}
	cq := startTestCq(t, s, "cq1", "active-orders", listener)

	eventID := uuid.New()
	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalCreate},
		CqMessageTypeLocalCreate, "k1", testDoc{Status: "active"}, nil, eventID)

	events := listener.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "cq1", events[0].CqName)
	assert.Equal(t, OperationCreate, events[0].BaseOp)
	assert.Equal(t, OperationCreate, events[0].QueryOp)
	assert.Equal(t, "k1", events[0].Key)
	assert.Equal(t, testDoc{Status: "active"}, events[0].Value)
	assert.Equal(t, eventID, events[0].EventID)
	assert.NoError(t, events[0].Err)

	assert.Equal(t, int64(1), cq.Stats().Inserts())
	assert.Equal(t, int64(1), cq.Stats().ListenerInvocations())
}

func TestCqDispatcherQueryOpDiffersFromBaseOp(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{}
	startTestCq(t, s, "cq1", "active-orders", listener)

	// An update that pushed the entry out of the result set arrives as a
	// destroy from the CQ's point of view.
	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalDestroy},
		CqMessageTypeLocalUpdate, "k1", testDoc{Status: "inactive"}, nil, uuid.New())

	events := listener.Events()
	require.Len(t, events, 1)
	assert.Equal(t, OperationUpdate, events[0].BaseOp)
	assert.Equal(t, OperationDestroy, events[0].QueryOp)
}

func TestCqDispatcherSkipsUnknownAndStoppedCqs(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{}
	_, err := s.NewCq(&NewCqOptions{
		CqName:      "stopped-cq",
		QueryString: "active-orders",
		Listeners:   []CqListener{listener},
	})
	require.NoError(t, err)

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{
			"stopped-cq": CqMessageTypeLocalCreate,
			"no-such-cq": CqMessageTypeLocalCreate,
		},
		CqMessageTypeLocalCreate, "k1", testDoc{Status: "active"}, nil, uuid.New())

	assert.Empty(t, listener.Events())
}

func TestCqDispatcherExceptionGoesToOnError(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{}
	startTestCq(t, s, "cq1", "active-orders", listener)

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeException},
		CqMessageTypeLocalUpdate, "k1", nil, nil, uuid.New())

	assert.Empty(t, listener.Events())

	errorEvents := listener.ErrorEvents()
	require.Len(t, errorEvents, 1)
	assert.Error(t, errorEvents[0].Err)
}

func TestCqDispatcherListenerPanicIsolation(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	panicky := &fakeListener{panicOnce: true}
	healthy := &fakeListener{}
	startTestCq(t, s, "cq1", "active-orders", panicky, healthy)

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalCreate},
		CqMessageTypeLocalCreate, "k1", testDoc{Status: "active"}, nil, uuid.New())

	assert.Empty(t, panicky.Events())
	assert.Len(t, healthy.Events(), 1)
}

func TestCqDispatcherDeltaRecovery(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))

	fetcher := &fakeFullValueFetcher{value: []byte("full-value")}
	s := NewCqService(&CqServiceOptions{
		QueryEngine:      engine,
		FullValueFetcher: fetcher,
	})
	s.Start()

	listener := &fakeListener{onEventErrs: []error{ErrInvalidDelta}}
	startTestCq(t, s, "cq1", "active-orders", listener)

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalUpdate},
		CqMessageTypeLocalUpdate, "k1", nil, []byte("delta"), uuid.New())

	assert.Equal(t, int64(1), fetcher.numFetches.Load())

	events := listener.Events()
	require.Len(t, events, 2)
	assert.Nil(t, events[0].Value)
	assert.Equal(t, []byte("delta"), events[0].Delta)
	assert.Equal(t, []byte("full-value"), events[1].Value)
}

func TestCqDispatcherDeltaRecoveryDecompresses(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))

	fetcher := &fakeFullValueFetcher{
		value:    snappy.Encode(nil, []byte("full-value")),
		datatype: DatatypeFlagCompressed,
	}
	s := NewCqService(&CqServiceOptions{
		QueryEngine:      engine,
		FullValueFetcher: fetcher,
	})
	s.Start()

	listener := &fakeListener{onEventErrs: []error{ErrInvalidDelta}}
	startTestCq(t, s, "cq1", "active-orders", listener)

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalUpdate},
		CqMessageTypeLocalUpdate, "k1", nil, []byte("delta"), uuid.New())

	events := listener.Events()
	require.Len(t, events, 2)
	assert.Equal(t, []byte("full-value"), events[1].Value)
}

func TestCqDispatcherDeltaRecoveryWithoutFetcher(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{onEventErrs: []error{ErrInvalidDelta}}
	startTestCq(t, s, "cq1", "active-orders", listener)

	// No fetcher configured: the event is dropped rather than retried.
	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalUpdate},
		CqMessageTypeLocalUpdate, "k1", nil, []byte("delta"), uuid.New())

	assert.Len(t, listener.Events(), 1)
}

func TestCqDispatcherQueuesDuringExecute(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{}
	cq := startTestCq(t, s, "cq1", "active-orders", listener)

	cq.beginQueueing()

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeLocalCreate},
		CqMessageTypeLocalCreate, "k1", testDoc{Status: "active"}, nil, uuid.New())

	assert.Empty(t, listener.Events())
	assert.Equal(t, int64(1), cq.Stats().QueuedEvents())

	s.dispatcher.drainQueuedEvents(context.Background(), cq)

	assert.Len(t, listener.Events(), 1)
	assert.False(t, cq.isQueueing())
}

func TestCqDispatcherDestroyRegionClosesCq(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeListener{}
	startTestCq(t, s, "cq1", "active-orders", listener)

	s.DispatchEvents(context.Background(),
		map[string]CqMessageType{"cq1": CqMessageTypeDestroyRegion},
		CqMessageTypeDestroyRegion, "", nil, nil, uuid.New())

	assert.Empty(t, listener.Events())
	assert.Equal(t, 1, listener.Closes())

	_, ok := s.Registry().Get("cq1")
	assert.False(t, ok)
}

func TestCqDispatcherConnectivityNotifications(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	listener := &fakeStatusListener{}
	cq, err := s.NewCq(&NewCqOptions{
		CqName:      "cq1",
		QueryString: "active-orders",
		PoolName:    "pool1",
		Listeners:   []CqListener{listener},
	})
	require.NoError(t, err)
	require.NoError(t, s.Execute(context.Background(), cq))

	s.CqsConnected("pool1")
	assert.Equal(t, int64(1), listener.numConnected.Load())

	// Redundancy-satisfier retries repeat the notification; it must be
	// suppressed.
	s.CqsConnected("pool1")
	assert.Equal(t, int64(1), listener.numConnected.Load())

	s.CqsDisconnected("pool1")
	assert.Equal(t, int64(1), listener.numDisconnected.Load())

	// Another pool's transitions are not this CQ's business.
	s.CqsConnected("pool2")
	assert.Equal(t, int64(1), listener.numConnected.Load())
}

type reentrantStatusListener struct {
	fakeStatusListener

	service *CqService
	once    sync.Once
}

func (l *reentrantStatusListener) OnCqConnected() {
	l.fakeStatusListener.OnCqConnected()
	l.once.Do(func() {
		l.service.CqsDisconnected("pool1")
	})
}

func TestCqDispatcherStatusListenerReentrancy(t *testing.T) {
	engine := newFakeQueryEngine("orders")
	engine.addQuery("active-orders", statusPredicate("active"))
	s := newTestService(t, engine)

	// A redundancy manager reacting to the connected callback may report a
	// state change straight back into the dispatcher; that must not deadlock.
	listener := &reentrantStatusListener{service: s}
	cq, err := s.NewCq(&NewCqOptions{
		CqName:      "cq1",
		QueryString: "active-orders",
		PoolName:    "pool1",
		Listeners:   []CqListener{listener},
	})
	require.NoError(t, err)
	require.NoError(t, s.Execute(context.Background(), cq))

	s.CqsConnected("pool1")

	assert.Equal(t, int64(1), listener.numConnected.Load())
	assert.Equal(t, int64(1), listener.numDisconnected.Load())
	assert.False(t, cq.isConnected())
}

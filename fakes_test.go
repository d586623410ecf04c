package cqcorex

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// testDoc is the candidate value the fake predicates evaluate.
type testDoc struct {
	Status string
	Value  int
}

type fakePredicate func(candidate interface{}) (bool, error)

func statusPredicate(status string) fakePredicate {
	return func(candidate interface{}) (bool, error) {
		doc, ok := candidate.(testDoc)
		if !ok {
			return false, nil
		}
		return doc.Status == status, nil
	}
}

type fakeQueryEngine struct {
	regionName string

	lock       sync.Mutex
	predicates map[string]fakePredicate
	parseErrs  map[string]error

	numEvaluations atomic.Int64
}

func newFakeQueryEngine(regionName string) *fakeQueryEngine {
	return &fakeQueryEngine{
		regionName: regionName,
		predicates: make(map[string]fakePredicate),
		parseErrs:  make(map[string]error),
	}
}

func (e *fakeQueryEngine) addQuery(queryString string, predicate fakePredicate) {
	e.lock.Lock()
	e.predicates[queryString] = predicate
	e.lock.Unlock()
}

func (e *fakeQueryEngine) failQuery(queryString string, err error) {
	e.lock.Lock()
	e.parseErrs[queryString] = err
	e.lock.Unlock()
}

func (e *fakeQueryEngine) ParseQuery(queryString string) (ParsedQuery, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if err, ok := e.parseErrs[queryString]; ok {
		return nil, err
	}

	predicate, ok := e.predicates[queryString]
	if !ok {
		predicate = func(interface{}) (bool, error) { return false, nil }
	}

	return &fakeParsedQuery{
		engine:     e,
		regionName: e.regionName,
		predicate:  predicate,
	}, nil
}

type fakeParsedQuery struct {
	engine     *fakeQueryEngine
	regionName string
	predicate  fakePredicate
}

func (q *fakeParsedQuery) RegionName() string {
	return q.regionName
}

func (q *fakeParsedQuery) NewExecution() QueryExecution {
	return &fakeExecution{parsed: q}
}

type fakeExecution struct {
	parsed   *fakeParsedQuery
	executed bool
}

func (x *fakeExecution) run(candidates []interface{}) (bool, error) {
	x.parsed.engine.numEvaluations.Inc()
	for _, candidate := range candidates {
		match, err := x.parsed.predicate(candidate)
		if err != nil {
			return false, err
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

func (x *fakeExecution) Evaluate(_ context.Context, candidates []interface{}) (bool, error) {
	x.executed = true
	return x.run(candidates)
}

func (x *fakeExecution) EvaluateIncremental(_ context.Context, candidates []interface{}) (bool, error) {
	return x.run(candidates)
}

func (x *fakeExecution) Executed() bool {
	return x.executed
}

type fakeProxyCall struct {
	Op     string
	CqName string
}

type fakeServerProxy struct {
	lock  sync.Mutex
	calls []fakeProxyCall

	executeErr error
	stopErr    error
	closeErr   error
}

func (p *fakeServerProxy) record(op string, cqName string) {
	p.lock.Lock()
	p.calls = append(p.calls, fakeProxyCall{Op: op, CqName: cqName})
	p.lock.Unlock()
}

func (p *fakeServerProxy) callsFor(op string) []fakeProxyCall {
	p.lock.Lock()
	defer p.lock.Unlock()

	var calls []fakeProxyCall
	for _, call := range p.calls {
		if call.Op == op {
			calls = append(calls, call)
		}
	}
	return calls
}

func (p *fakeServerProxy) ExecuteCq(_ context.Context, cqName string, _ string, _ bool) error {
	p.record("execute", cqName)
	return p.executeErr
}

func (p *fakeServerProxy) StopCq(_ context.Context, cqName string) error {
	p.record("stop", cqName)
	return p.stopErr
}

func (p *fakeServerProxy) CloseCq(_ context.Context, cqName string) error {
	p.record("close", cqName)
	return p.closeErr
}

type fakeListener struct {
	lock        sync.Mutex
	events      []*CqEvent
	errorEvents []*CqEvent
	numCloses   int

	// onEventErrs are returned from successive OnEvent calls, then nil.
	onEventErrs []error
	panicOnce   bool
}

func (l *fakeListener) OnEvent(event *CqEvent) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if l.panicOnce {
		l.panicOnce = false
		panic("listener boom")
	}

	l.events = append(l.events, event)
	if len(l.onEventErrs) > 0 {
		err := l.onEventErrs[0]
		l.onEventErrs = l.onEventErrs[1:]
		return err
	}
	return nil
}

func (l *fakeListener) OnError(event *CqEvent) {
	l.lock.Lock()
	l.errorEvents = append(l.errorEvents, event)
	l.lock.Unlock()
}

func (l *fakeListener) OnClose() {
	l.lock.Lock()
	l.numCloses++
	l.lock.Unlock()
}

func (l *fakeListener) Events() []*CqEvent {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]*CqEvent(nil), l.events...)
}

func (l *fakeListener) ErrorEvents() []*CqEvent {
	l.lock.Lock()
	defer l.lock.Unlock()
	return append([]*CqEvent(nil), l.errorEvents...)
}

func (l *fakeListener) Closes() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.numCloses
}

type fakeStatusListener struct {
	fakeListener

	numConnected    atomic.Int64
	numDisconnected atomic.Int64
}

func (l *fakeStatusListener) OnCqConnected() {
	l.numConnected.Inc()
}

func (l *fakeStatusListener) OnCqDisconnected() {
	l.numDisconnected.Inc()
}

type fakeFullValueFetcher struct {
	value    []byte
	datatype DatatypeFlag
	err      error

	numFetches atomic.Int64
}

func (f *fakeFullValueFetcher) FetchFullValue(_ context.Context, _ uuid.UUID) ([]byte, DatatypeFlag, error) {
	f.numFetches.Inc()
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.value, f.datatype, nil
}

package cqcorex

import (
	"time"

	"go.uber.org/atomic"
)

// CqQueryStats are the per-CQ counters. All fields are updated lock-free
// from event threads.
type CqQueryStats struct {
	numInserts             atomic.Int64
	numUpdates             atomic.Int64
	numDeletes             atomic.Int64
	numRegionEvents        atomic.Int64
	numEvents              atomic.Int64
	numListenerInvocations atomic.Int64
	numQueuedEvents        atomic.Int64
}

func (s *CqQueryStats) updateForMessage(messageType CqMessageType) {
	switch messageType {
	case CqMessageTypeLocalCreate:
		s.numInserts.Inc()
	case CqMessageTypeLocalUpdate:
		s.numUpdates.Inc()
	case CqMessageTypeLocalDestroy, CqMessageTypeLocalInvalidate:
		s.numDeletes.Inc()
	case CqMessageTypeClearRegion, CqMessageTypeInvalidateRegion, CqMessageTypeDestroyRegion:
		s.numRegionEvents.Inc()
	}
	s.numEvents.Inc()
}

func (s *CqQueryStats) Inserts() int64             { return s.numInserts.Load() }
func (s *CqQueryStats) Updates() int64             { return s.numUpdates.Load() }
func (s *CqQueryStats) Deletes() int64             { return s.numDeletes.Load() }
func (s *CqQueryStats) RegionEvents() int64        { return s.numRegionEvents.Load() }
func (s *CqQueryStats) Events() int64              { return s.numEvents.Load() }
func (s *CqQueryStats) ListenerInvocations() int64 { return s.numListenerInvocations.Load() }
func (s *CqQueryStats) QueuedEvents() int64        { return s.numQueuedEvents.Load() }

// CqServiceStats are the service-wide counters.
type CqServiceStats struct {
	cqsCreated          atomic.Int64
	cqsActive           atomic.Int64
	cqsStopped          atomic.Int64
	cqsClosed           atomic.Int64
	uniqueQueries       atomic.Int64
	queryExecutions     atomic.Int64
	queryExecutionNanos atomic.Int64
}

func (s *CqServiceStats) incCqsCreated() { s.cqsCreated.Inc() }

func (s *CqServiceStats) setRunning() {
	s.cqsActive.Inc()
	if s.cqsStopped.Load() > 0 {
		s.cqsStopped.Dec()
	}
}

func (s *CqServiceStats) setStopped() {
	s.cqsStopped.Inc()
	s.cqsActive.Dec()
}

func (s *CqServiceStats) setClosed(wasRunning bool) {
	s.cqsClosed.Inc()
	if wasRunning {
		s.cqsActive.Dec()
	} else if s.cqsStopped.Load() > 0 {
		s.cqsStopped.Dec()
	}
}

func (s *CqServiceStats) incUniqueQueries() { s.uniqueQueries.Inc() }
func (s *CqServiceStats) decUniqueQueries() { s.uniqueQueries.Dec() }

// startQueryExecution returns a start marker for endQueryExecution.
func (s *CqServiceStats) startQueryExecution() time.Time {
	return time.Now()
}

func (s *CqServiceStats) endQueryExecution(start time.Time) {
	s.queryExecutions.Inc()
	s.queryExecutionNanos.Add(time.Since(start).Nanoseconds())
}

func (s *CqServiceStats) CqsCreated() int64      { return s.cqsCreated.Load() }
func (s *CqServiceStats) CqsActive() int64       { return s.cqsActive.Load() }
func (s *CqServiceStats) CqsStopped() int64      { return s.cqsStopped.Load() }
func (s *CqServiceStats) CqsClosed() int64       { return s.cqsClosed.Load() }
func (s *CqServiceStats) UniqueQueries() int64   { return s.uniqueQueries.Load() }
func (s *CqServiceStats) QueryExecutions() int64 { return s.queryExecutions.Load() }

func (s *CqServiceStats) QueryExecutionTime() time.Duration {
	return time.Duration(s.queryExecutionNanos.Load())
}

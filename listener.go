package cqcorex

import (
	"github.com/google/uuid"
)

// A CqEvent is delivered to CQ listeners when an entry's membership in the
// query result changes.
type CqEvent struct {
	CqName string

	// BaseOp is the cache operation that triggered the event; QueryOp is the
	// CQ-visible operation (an entry falling out of the result set arrives
	// as a destroy even when the base operation was an update).
	BaseOp  Operation
	QueryOp Operation

	Key     string
	Value   interface{}
	Delta   []byte
	EventID uuid.UUID

	// Err is set for exception outcomes; such events go to OnError.
	Err error
}

// CqListener receives events for one continuous query. Listeners are
// invoked in registration order on the dispatching thread; an error from
// one listener never prevents the others from running.
type CqListener interface {
	// OnEvent handles a CQ event. Returning ErrInvalidDelta asks the
	// dispatcher to fetch the full value and redeliver once.
	OnEvent(event *CqEvent) error

	// OnError handles an event whose predicate evaluation failed.
	OnError(event *CqEvent)

	// OnClose is called exactly once when the CQ closes.
	OnClose()
}

// CqStatusListener additionally receives connectivity transitions for the
// connection pool its CQ is subscribed through.
type CqStatusListener interface {
	CqListener

	OnCqConnected()
	OnCqDisconnected()
}

package cqcorex

import (
	"github.com/google/uuid"

	"github.com/meshgrid/cqcorex/versionx"
)

// Operation is the cache-level operation carried by an event.
type Operation uint8

const (
	OperationUnknown Operation = iota
	OperationCreate
	OperationUpdate
	OperationDestroy
	OperationInvalidate
	OperationRegionDestroy
	OperationRegionInvalidate
	OperationRegionClear
)

func (o Operation) String() string {
	switch o {
	case OperationCreate:
		return "CREATE"
	case OperationUpdate:
		return "UPDATE"
	case OperationDestroy:
		return "DESTROY"
	case OperationInvalidate:
		return "INVALIDATE"
	case OperationRegionDestroy:
		return "REGION_DESTROY"
	case OperationRegionInvalidate:
		return "REGION_INVALIDATE"
	case OperationRegionClear:
		return "REGION_CLEAR"
	}
	return "UNKNOWN"
}

func (o Operation) IsEntryOperation() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDestroy, OperationInvalidate:
		return true
	}
	return false
}

func (o Operation) IsRegionOperation() bool {
	switch o {
	case OperationRegionDestroy, OperationRegionInvalidate, OperationRegionClear:
		return true
	}
	return false
}

type CacheEvent interface {
	isCacheEvent() bool
}

// An EntryEvent is one entry-level cache mutation handed to the CQ core by
// the distribution layer. Events for a single key arrive in cache apply
// order; the core never mutates the version tag.
type EntryEvent struct {
	RegionName string
	Op         Operation
	Key        string
	OldValue   interface{}
	NewValue   interface{}
	Tag        *versionx.VersionTag
	EventID    uuid.UUID

	// PossibleDuplicate marks an event that may already have been delivered.
	// A create carrying this flag is evaluated against the old value as well:
	// peers re-propagating an operation under at-least-once delivery mark it
	// as a create so the receiver applies it.
	PossibleDuplicate bool

	// OriginRemote is false when the mutation was applied by this member.
	OriginRemote bool
}

func (EntryEvent) isCacheEvent() bool { return true }

// A RegionEvent is a region-level operation (destroy, invalidate, clear).
type RegionEvent struct {
	RegionName   string
	Op           Operation
	Tag          *versionx.VersionTag
	EventID      uuid.UUID
	OriginRemote bool

	// BucketRegion marks events on internal partitioned-region buckets; a
	// bucket destroy is rebalancing noise, not a user region destroy.
	BucketRegion bool
}

func (RegionEvent) isCacheEvent() bool { return true }

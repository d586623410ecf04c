package cqcorex

// CqMessageType is the routing decision computed for one CQ and one cache
// event. It travels in the filter routing info keyed by the CQ's filter id
// and is turned back into a listener-visible operation on the client side.
type CqMessageType uint8

const (
	CqMessageTypeInvalid CqMessageType = iota
	CqMessageTypeLocalCreate
	CqMessageTypeLocalUpdate
	CqMessageTypeLocalDestroy
	CqMessageTypeLocalInvalidate
	CqMessageTypeClearRegion
	CqMessageTypeInvalidateRegion
	CqMessageTypeDestroyRegion
	CqMessageTypeException
)

func (t CqMessageType) String() string {
	switch t {
	case CqMessageTypeLocalCreate:
		return "LocalCreate"
	case CqMessageTypeLocalUpdate:
		return "LocalUpdate"
	case CqMessageTypeLocalDestroy:
		return "LocalDestroy"
	case CqMessageTypeLocalInvalidate:
		return "LocalInvalidate"
	case CqMessageTypeClearRegion:
		return "ClearRegion"
	case CqMessageTypeInvalidateRegion:
		return "InvalidateRegion"
	case CqMessageTypeDestroyRegion:
		return "DestroyRegion"
	case CqMessageTypeException:
		return "Exception"
	}
	return "Invalid"
}

// QueryOperation converts a message type into the operation a CQ listener
// observes.
func (t CqMessageType) QueryOperation() Operation {
	switch t {
	case CqMessageTypeLocalCreate:
		return OperationCreate
	case CqMessageTypeLocalUpdate:
		return OperationUpdate
	case CqMessageTypeLocalDestroy:
		return OperationDestroy
	case CqMessageTypeLocalInvalidate:
		return OperationInvalidate
	case CqMessageTypeClearRegion:
		return OperationRegionClear
	case CqMessageTypeInvalidateRegion:
		return OperationRegionInvalidate
	case CqMessageTypeDestroyRegion:
		return OperationRegionDestroy
	}
	return OperationUnknown
}

package cqcorex

import (
	"context"

	"go.uber.org/zap"

	"github.com/meshgrid/cqcorex/zaputils"
)

// cqRegionDestroyHandler closes a CQ as a side effect of a genuine region
// destroy. The service implements it; tests may leave it unset.
type cqRegionDestroyHandler interface {
	closeCqForRegionDestroy(cq *CqQuery)
}

type CqEventEvaluatorOptions struct {
	Logger   *zap.Logger
	Registry *CqRegistry
	Stats    *CqServiceStats

	// EvaluateDuringExecute mirrors whether executing a CQ populated its
	// result-key cache from initial results. When it did not, a cache miss
	// on the old value falls back to full predicate evaluation.
	EvaluateDuringExecute bool
}

// CqEventEvaluator computes, for one cache event and each member's filter
// profile, the per-CQ routing outcome. It runs on whatever thread the
// distribution layer delivers the event on and never blocks beyond the
// per-CQ evaluation monitor.
type CqEventEvaluator struct {
	logger                *zap.Logger
	registry              *CqRegistry
	stats                 *CqServiceStats
	evaluateDuringExecute bool

	regionDestroyHandler cqRegionDestroyHandler
}

func NewCqEventEvaluator(opts *CqEventEvaluatorOptions) *CqEventEvaluator {
	if opts == nil {
		opts = &CqEventEvaluatorOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stats := opts.Stats
	if stats == nil {
		stats = &CqServiceStats{}
	}

	return &CqEventEvaluator{
		logger:                logger,
		registry:              opts.Registry,
		stats:                 stats,
		evaluateDuringExecute: opts.EvaluateDuringExecute,
	}
}

// ProcessEvents computes routing decisions for the event across the local
// profile and all peer profiles and folds them into routingInfo.
func (e *CqEventEvaluator) ProcessEvents(
	ctx context.Context,
	event CacheEvent,
	localProfile *CacheProfile,
	profiles []*CacheProfile,
	routingInfo *FilterRoutingInfo,
) error {
	ctx, span := tracer.Start(ctx, "cqcorex/ProcessEvents")
	defer span.End()

	switch ev := event.(type) {
	case *RegionEvent:
		e.processRegionEvent(ctx, ev, localProfile, profiles, routingInfo)
		return nil
	case *EntryEvent:
		e.processEntryEvent(ctx, ev, localProfile, profiles, routingInfo)
		return nil
	}

	return unsupportedEventError{Event: event}
}

func regionMessageType(op Operation) CqMessageType {
	switch op {
	case OperationRegionDestroy:
		return CqMessageTypeDestroyRegion
	case OperationRegionInvalidate:
		return CqMessageTypeInvalidateRegion
	case OperationRegionClear:
		return CqMessageTypeClearRegion
	}
	return CqMessageTypeInvalid
}

func (e *CqEventEvaluator) processRegionEvent(
	ctx context.Context,
	event *RegionEvent,
	localProfile *CacheProfile,
	profiles []*CacheProfile,
	routingInfo *FilterRoutingInfo,
) {
	e.logger.Debug("cq service processing region event",
		zaputils.RegionName("region", event.RegionName),
		zap.Stringer("op", event.Op))

	msgType := regionMessageType(event.Op)
	if msgType == CqMessageTypeInvalid {
		return
	}

	// A genuine local region destroy takes the CQs on that region down with
	// it. Replayed (remote-origin) destroys and partitioned-region bucket
	// teardown during rebalancing do not.
	closeCqs := !event.OriginRemote &&
		event.Op == OperationRegionDestroy &&
		!event.BucketRegion

	e.forEachProfile(localProfile, profiles, func(profile *CacheProfile) {
		cqs := profile.FilterProfile.Snapshot()
		if len(cqs) == 0 {
			return
		}

		cqInfo := make(map[int64]CqMessageType, len(cqs))
		for _, cq := range cqs {
			if closeCqs && e.regionDestroyHandler != nil {
				e.logger.Debug("closing cq on region destroy event",
					zaputils.CqName("cq", cq.ServerCqName()))
				e.regionDestroyHandler.closeCqForRegionDestroy(cq)
			}

			cqInfo[cq.FilterID()] = msgType
			cq.stats.updateForMessage(msgType)
		}

		cqEventsRouted.Add(ctx, int64(len(cqInfo)))
		e.setRoutingInfo(profile, cqInfo, routingInfo)
	})
}

func (e *CqEventEvaluator) processEntryEvent(
	ctx context.Context,
	event *EntryEvent,
	localProfile *CacheProfile,
	profiles []*CacheProfile,
	routingInfo *FilterRoutingInfo,
) {
	// The predicate runs against the old value for updates, destroys and
	// invalidates, and for a create flagged possible-duplicate: a peer
	// re-propagating an operation under at-least-once delivery marks it as
	// a create so the receiver applies it.
	opRequiresOldValue := event.Op == OperationUpdate ||
		event.Op == OperationDestroy ||
		event.Op == OperationInvalidate ||
		(event.Op == OperationCreate && event.PossibleDuplicate)

	var newValueCandidates []interface{}
	var oldValueCandidates []interface{}
	oldValueResolved := false

	// Outcomes already settled for CQs through their matching group, by
	// server CQ name.
	matchedCqs := make(map[string]CqMessageType)

	e.forEachProfile(localProfile, profiles, func(profile *CacheProfile) {
		cqs := profile.FilterProfile.Snapshot()
		if len(cqs) == 0 {
			return
		}

		e.logger.Debug("processing cqs for profile",
			zap.Int("numCqs", len(cqs)),
			zaputils.EntryKey("key", event.Key))

		if newValueCandidates == nil &&
			(event.Op == OperationCreate || event.Op == OperationUpdate) &&
			event.NewValue != nil {
			newValueCandidates = []interface{}{event.NewValue}
		}

		cqInfo := make(map[int64]CqMessageType)

		for _, cq := range cqs {
			cqName := cq.ServerCqName()

			var outcome CqMessageType
			if settled, ok := matchedCqs[cqName]; ok {
				// Settled by a matching-group sibling; just maintain this
				// CQ's result-key cache.
				outcome = settled
				switch outcome {
				case CqMessageTypeLocalCreate, CqMessageTypeLocalUpdate:
					e.addToResultKeys(cq, event.Key)
				case CqMessageTypeLocalDestroy:
					e.markDestroyedInResultKeys(cq, event.Key)
				}
			} else {
				outcome = e.evaluateCqForEntry(ctx, cq, event,
					newValueCandidates, opRequiresOldValue,
					&oldValueCandidates, &oldValueResolved)

				// Settle every other member of the matching group without
				// re-evaluating: N CQs sharing a predicate cost one
				// evaluation.
				for _, matchingCqName := range e.registry.MatchingGroup(cq.QueryString()) {
					if matchingCqName != cqName {
						matchedCqs[matchingCqName] = outcome
					}
				}
			}

			if outcome != CqMessageTypeInvalid && cq.IsRunning() {
				e.logger.Debug("added event to cq",
					zaputils.CqName("cq", cq.Name()),
					zaputils.EntryKey("key", event.Key),
					zap.Stringer("outcome", outcome))

				cqInfo[cq.FilterID()] = outcome
				cq.stats.updateForMessage(outcome)

				if outcome == CqMessageTypeLocalDestroy {
					cq.resultCache.RemoveDestroyed(event.Key)
				}
			}
		}

		if len(cqInfo) > 0 {
			cqEventsRouted.Add(ctx, int64(len(cqInfo)))
			e.setRoutingInfo(profile, cqInfo, routingInfo)
		}
	})
}

// evaluateCqForEntry runs the predicate for one CQ against the event's new
// and old values and combines the results into a single outcome.
func (e *CqEventEvaluator) evaluateCqForEntry(
	ctx context.Context,
	cq *CqQuery,
	event *EntryEvent,
	newValueCandidates []interface{},
	opRequiresOldValue bool,
	oldValueCandidates *[]interface{},
	oldValueResolved *bool,
) CqMessageType {
	newValueMatches := false
	oldValueMatches := false
	evalFailed := false

	if len(newValueCandidates) > 0 {
		start := e.stats.startQueryExecution()
		match, err := cq.evaluate(ctx, newValueCandidates)
		e.stats.endQueryExecution(start)
		if err != nil {
			evalFailed = true
			e.logEvaluationError(ctx, cq, event, err)
		} else {
			newValueMatches = match
		}
	}

	if !evalFailed && opRequiresOldValue {
		queryOldValue := false

		if !cq.isPartitioned && cq.resultCache.IsInitialized() {
			oldValueMatches = cq.resultCache.Contains(event.Key)
			// When execute did not pre-populate the cache a miss proves
			// nothing, so fall back to evaluation.
			if !e.evaluateDuringExecute && !oldValueMatches {
				queryOldValue = true
			}
			if !oldValueMatches && !queryOldValue {
				e.logger.Debug("event key not found in cq result keys",
					zaputils.EntryKey("key", event.Key),
					zaputils.CqName("cq", cq.ServerCqName()))
			}
		} else {
			// Partitioned-region CQs do not maintain the cache at all.
			queryOldValue = true
		}

		if queryOldValue {
			if !*oldValueResolved {
				*oldValueResolved = true
				if event.OldValue != nil {
					*oldValueCandidates = []interface{}{event.OldValue}
				}
			}

			if len(*oldValueCandidates) > 0 {
				start := e.stats.startQueryExecution()
				match, err := cq.evaluate(ctx, *oldValueCandidates)
				e.stats.endQueryExecution(start)
				if err != nil {
					evalFailed = true
					e.logEvaluationError(ctx, cq, event, err)
				} else {
					oldValueMatches = match
				}
			} else {
				e.logger.Debug("old value is nil, skipping old value evaluation",
					zaputils.EntryKey("key", event.Key))
			}
		}
	}

	// An evaluation failure wins over any partial success: the client must
	// see the error rather than a possibly wrong transition.
	if evalFailed {
		return CqMessageTypeException
	}

	if newValueMatches {
		if oldValueMatches {
			return CqMessageTypeLocalUpdate
		}
		e.addToResultKeys(cq, event.Key)
		return CqMessageTypeLocalCreate
	}
	if oldValueMatches {
		// The entry no longer satisfies the predicate; the base operation
		// may have been an update or invalidate but the CQ sees a destroy.
		e.markDestroyedInResultKeys(cq, event.Key)
		return CqMessageTypeLocalDestroy
	}
	return CqMessageTypeInvalid
}

func (e *CqEventEvaluator) addToResultKeys(cq *CqQuery, key string) {
	if cq.isPartitioned {
		return
	}
	cq.resultCache.Add(key)
}

func (e *CqEventEvaluator) markDestroyedInResultKeys(cq *CqQuery, key string) {
	if cq.isPartitioned {
		return
	}
	cq.resultCache.MarkDestroyed(key)
}

func (e *CqEventEvaluator) logEvaluationError(ctx context.Context, cq *CqQuery, event *EntryEvent, err error) {
	cqEvaluationErrors.Add(ctx, 1)
	// The evaluator runs in-line with message processing; a broken predicate
	// is logged and isolated to its own CQ.
	e.logger.Info("error while processing cq on event",
		zaputils.EntryKey("key", event.Key),
		zaputils.CqName("cq", cq.Name()),
		zap.Error(err))
}

func (e *CqEventEvaluator) forEachProfile(
	localProfile *CacheProfile,
	profiles []*CacheProfile,
	fn func(profile *CacheProfile),
) {
	if localProfile != nil && localProfile.FilterProfile != nil {
		fn(localProfile)
	}
	for _, profile := range profiles {
		if profile == nil || profile.FilterProfile == nil {
			continue
		}
		fn(profile)
	}
}

func (e *CqEventEvaluator) setRoutingInfo(profile *CacheProfile, cqInfo map[int64]CqMessageType, routingInfo *FilterRoutingInfo) {
	if routingInfo == nil {
		return
	}
	if profile.IsLocal {
		routingInfo.SetLocalCqInfo(cqInfo)
	} else {
		routingInfo.SetCqRoutingInfo(profile.MemberID, cqInfo)
	}
}

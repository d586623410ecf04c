package cqcorex

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/meshgrid/cqcorex/contrib/cowmap"
	"github.com/meshgrid/cqcorex/zaputils"
)

type CqRegistryOptions struct {
	Logger     *zap.Logger
	Stats      *CqServiceStats
	NamePrefix string
}

// CqRegistry is the single source of truth for which CQs exist. The
// name-to-CQ table is copy-on-write: the event-evaluation hot path reads a
// snapshot and never takes the mutation lock.
type CqRegistry struct {
	logger     *zap.Logger
	stats      *CqServiceStats
	namePrefix string

	cqs *cowmap.Map[string, *CqQuery]

	// monotonic id for generated names; never reset, so name generation is
	// starvation-free.
	cqID atomic.Int64

	regionLock    sync.Mutex
	regionCqNames map[string][]string
	profiles      map[string]*FilterProfile

	// matchingCqs groups CQs sharing an identical query string so one
	// predicate evaluation per event settles the whole group. Group
	// membership changes concurrently with event-time iteration, so each
	// group is itself a copy-on-write set.
	matchingLock sync.Mutex
	matchingCqs  map[string]*cowmap.Map[string, struct{}]
}

func NewCqRegistry(opts *CqRegistryOptions) *CqRegistry {
	if opts == nil {
		opts = &CqRegistryOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	namePrefix := opts.NamePrefix
	if namePrefix == "" {
		namePrefix = defaultCqNamePrefix
	}

	stats := opts.Stats
	if stats == nil {
		stats = &CqServiceStats{}
	}

	return &CqRegistry{
		logger:        logger,
		stats:         stats,
		namePrefix:    namePrefix,
		cqs:           cowmap.NewMap[string, *CqQuery](),
		regionCqNames: make(map[string][]string),
		profiles:      make(map[string]*FilterProfile),
		matchingCqs:   make(map[string]*cowmap.Map[string, struct{}]),
	}
}

// Register adds the CQ under its server-side name. A taken name fails with
// CqExistsError and leaves no state behind.
func (r *CqRegistry) Register(cq *CqQuery) error {
	sCqName := cq.ServerCqName()

	r.logger.Debug("adding cq to the registry",
		zaputils.CqName("cq", cq.Name()),
		zaputils.CqName("serverCq", sCqName))

	if !r.cqs.Insert(sCqName, cq) {
		return CqExistsError{CqName: sCqName}
	}

	r.addRegionMapping(cq.RegionName(), sCqName)
	r.stats.incCqsCreated()
	return nil
}

// Unregister removes the CQ by server-side name. Absent names are a silent
// no-op: stop/close race with failover recovery and the loser must not fail.
func (r *CqRegistry) Unregister(serverCqName string) {
	cq, ok := r.cqs.Get(serverCqName)
	if !ok {
		return
	}

	r.cqs.Delete(serverCqName)
	r.removeRegionMapping(cq.RegionName(), serverCqName)
}

func (r *CqRegistry) Get(serverCqName string) (*CqQuery, bool) {
	return r.cqs.Get(serverCqName)
}

func (r *CqRegistry) Count() int {
	return r.cqs.Len()
}

// All returns all registered CQs.
func (r *CqRegistry) All() []*CqQuery {
	data := r.cqs.Snapshot()
	cqs := make([]*CqQuery, 0, len(data))
	for _, cq := range data {
		cqs = append(cqs, cq)
	}
	return cqs
}

// GenerateName produces an unused CQ name from the monotonic counter.
func (r *CqRegistry) GenerateName() string {
	for {
		name := r.namePrefix + formatCqID(r.cqID.Inc())
		if _, ok := r.cqs.Get(name); !ok {
			return name
		}
	}
}

func (r *CqRegistry) addRegionMapping(regionName string, serverCqName string) {
	r.regionLock.Lock()
	r.regionCqNames[regionName] = append(r.regionCqNames[regionName], serverCqName)
	r.regionLock.Unlock()
}

func (r *CqRegistry) removeRegionMapping(regionName string, serverCqName string) {
	r.regionLock.Lock()
	defer r.regionLock.Unlock()

	names := r.regionCqNames[regionName]
	for i, name := range names {
		if name == serverCqName {
			names = append(names[:i], names[i+1:]...)
			break
		}
	}
	if len(names) == 0 {
		delete(r.regionCqNames, regionName)
	} else {
		r.regionCqNames[regionName] = names
	}
}

// LookupByRegion returns the CQs whose base region matches. Unknown regions
// yield an empty slice.
func (r *CqRegistry) LookupByRegion(regionName string) []*CqQuery {
	r.regionLock.Lock()
	names := make([]string, len(r.regionCqNames[regionName]))
	copy(names, r.regionCqNames[regionName])
	r.regionLock.Unlock()

	cqs := make([]*CqQuery, 0, len(names))
	for _, name := range names {
		if cq, ok := r.cqs.Get(name); ok {
			cqs = append(cqs, cq)
		}
	}
	return cqs
}

// FilterProfileFor returns the local member's filter profile for the region,
// creating it on first use.
func (r *CqRegistry) FilterProfileFor(regionName string) *FilterProfile {
	r.regionLock.Lock()
	defer r.regionLock.Unlock()

	profile, ok := r.profiles[regionName]
	if !ok {
		profile = NewFilterProfile(regionName)
		r.profiles[regionName] = profile
	}
	return profile
}

// AddToMatchingGroup inserts a CQ transitioning to RUNNING into the group
// for its query string, creating the group when it is the first member.
func (r *CqRegistry) AddToMatchingGroup(cq *CqQuery) {
	r.matchingLock.Lock()
	defer r.matchingLock.Unlock()

	group, ok := r.matchingCqs[cq.QueryString()]
	if !ok {
		group = cowmap.NewMap[string, struct{}]()
		r.matchingCqs[cq.QueryString()] = group
		r.stats.incUniqueQueries()
	}
	group.Insert(cq.ServerCqName(), struct{}{})

	r.logger.Debug("added cq to matching group",
		zaputils.CqName("cq", cq.ServerCqName()),
		zap.Int("groupSize", group.Len()))
}

// RemoveFromMatchingGroup removes a CQ that is no longer running from its
// group, deleting the group when it empties.
func (r *CqRegistry) RemoveFromMatchingGroup(cq *CqQuery) {
	r.matchingLock.Lock()
	defer r.matchingLock.Unlock()

	group, ok := r.matchingCqs[cq.QueryString()]
	if !ok {
		return
	}
	group.Delete(cq.ServerCqName())

	r.logger.Debug("removed cq from matching group",
		zaputils.CqName("cq", cq.ServerCqName()),
		zap.Int("groupSize", group.Len()))

	if group.Len() == 0 {
		delete(r.matchingCqs, cq.QueryString())
		r.stats.decUniqueQueries()
	}
}

// MatchingGroup returns the server CQ names currently grouped under the
// query string. The result is a snapshot safe to iterate while membership
// changes.
func (r *CqRegistry) MatchingGroup(queryString string) []string {
	r.matchingLock.Lock()
	group, ok := r.matchingCqs[queryString]
	r.matchingLock.Unlock()

	if !ok {
		return nil
	}

	data := group.Snapshot()
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	return names
}

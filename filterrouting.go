package cqcorex

import (
	"sync"

	"github.com/meshgrid/cqcorex/versionx"
)

// A CacheProfile describes one member's interest registrations for the
// purposes of event routing. The local member's profile carries IsLocal.
type CacheProfile struct {
	MemberID      versionx.MemberID
	IsLocal       bool
	FilterProfile *FilterProfile
}

// A FilterProfile is the per-region record of which CQs apply for a member.
// CQs register with it when they start running and receive an integer filter
// id used to key routing decisions without carrying names on the wire.
type FilterProfile struct {
	regionName string

	lock         sync.Mutex
	nextFilterID int64
	cqs          map[string]*CqQuery
}

func NewFilterProfile(regionName string) *FilterProfile {
	return &FilterProfile{
		regionName: regionName,
		cqs:        make(map[string]*CqQuery),
	}
}

func (p *FilterProfile) RegionName() string {
	return p.regionName
}

// RegisterCq assigns the CQ a filter id and adds it to the profile. A CQ
// already registered keeps its id.
func (p *FilterProfile) RegisterCq(cq *CqQuery) int64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	if existing, ok := p.cqs[cq.ServerCqName()]; ok {
		return existing.FilterID()
	}

	p.nextFilterID++
	cq.setFilterID(p.nextFilterID)
	p.cqs[cq.ServerCqName()] = cq
	return p.nextFilterID
}

// UnregisterCq removes a CQ from the profile. Unknown names are ignored.
func (p *FilterProfile) UnregisterCq(cq *CqQuery) {
	p.lock.Lock()
	delete(p.cqs, cq.ServerCqName())
	p.lock.Unlock()
}

// CqCount returns the number of CQs currently registered on the profile.
func (p *FilterProfile) CqCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return len(p.cqs)
}

// Snapshot returns the registered CQs. The returned slice is owned by the
// caller; the profile can change concurrently.
func (p *FilterProfile) Snapshot() []*CqQuery {
	p.lock.Lock()
	defer p.lock.Unlock()

	cqs := make([]*CqQuery, 0, len(p.cqs))
	for _, cq := range p.cqs {
		cqs = append(cqs, cq)
	}
	return cqs
}

// FilterRoutingInfo accumulates the per-event routing decisions the
// evaluator computes: filter id to message type, per target member. It is
// built fresh for each event and handed to the distribution layer.
type FilterRoutingInfo struct {
	localCqInfo  map[int64]CqMessageType
	memberCqInfo map[string]map[int64]CqMessageType
}

func NewFilterRoutingInfo() *FilterRoutingInfo {
	return &FilterRoutingInfo{}
}

func (f *FilterRoutingInfo) SetLocalCqInfo(cqInfo map[int64]CqMessageType) {
	f.localCqInfo = cqInfo
}

func (f *FilterRoutingInfo) SetCqRoutingInfo(member versionx.MemberID, cqInfo map[int64]CqMessageType) {
	if f.memberCqInfo == nil {
		f.memberCqInfo = make(map[string]map[int64]CqMessageType)
	}
	f.memberCqInfo[string(member)] = cqInfo
}

// LocalCqInfo returns the routing decisions for CQs registered locally.
func (f *FilterRoutingInfo) LocalCqInfo() map[int64]CqMessageType {
	return f.localCqInfo
}

// MemberCqInfo returns the routing decisions destined for a peer member.
func (f *FilterRoutingInfo) MemberCqInfo(member versionx.MemberID) map[int64]CqMessageType {
	return f.memberCqInfo[string(member)]
}

// HasCqRouting reports whether any routing decisions were recorded.
func (f *FilterRoutingInfo) HasCqRouting() bool {
	return len(f.localCqInfo) > 0 || len(f.memberCqInfo) > 0
}

package cqcorex

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/meshgrid/cqcorex/zaputils"
)

// serverCqNameSep joins a client CQ name and the owning client's identity
// into the server-side qualified name.
const serverCqNameSep = "__"

// ClientProxyID identifies the client a server-side CQ belongs to. A durable
// client is identified by its durable id so its CQs survive reconnects under
// a new membership id.
type ClientProxyID struct {
	MembershipID string
	DurableID    string
}

func (id ClientProxyID) IsDurable() bool {
	return id.DurableID != ""
}

func (id ClientProxyID) identity() string {
	if id.IsDurable() {
		return id.DurableID
	}
	return id.MembershipID
}

func formatCqID(id int64) string {
	return strconv.FormatInt(id, 10)
}

type CqServiceOptions struct {
	Logger             *zap.Logger
	QueryEngine        QueryEngine
	ServerProxy        ServerCqProxy
	FullValueFetcher   FullValueFetcher
	CompressionManager CompressionManager

	// Config tunables; nil means DefaultCqServiceConfig.
	Config *CqServiceConfig
}

// CqService is the single entry point for CQ lifecycle and event handling.
// It owns the registry, the evaluator and the dispatcher and wires them
// together.
type CqService struct {
	logger      *zap.Logger
	queryEngine QueryEngine
	serverProxy ServerCqProxy
	config      CqServiceConfig

	registry   *CqRegistry
	evaluator  *CqEventEvaluator
	dispatcher *CqDispatcher
	stats      CqServiceStats

	running atomic.Bool
}

type NewCqOptions struct {
	// CqName is the client-chosen name; empty requests a generated one.
	CqName      string
	QueryString string
	Durable     bool
	PoolName    string

	// IsPartitioned marks the CQ's base region as partitioned, which disables
	// the result-key cache.
	IsPartitioned bool

	Listeners []CqListener
}

func NewCqService(opts *CqServiceOptions) *CqService {
	if opts == nil {
		opts = &CqServiceOptions{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	config := DefaultCqServiceConfig()
	if opts.Config != nil {
		config = *opts.Config
	}

	compression := opts.CompressionManager
	if compression == nil {
		compression = NewCompressionManagerDefault(
			config.CompressionMinSize, config.CompressionMinRatio)
	}

	s := &CqService{
		logger:      logger,
		queryEngine: opts.QueryEngine,
		serverProxy: opts.ServerProxy,
		config:      config,
	}

	s.registry = NewCqRegistry(&CqRegistryOptions{
		Logger:     logger.Named("registry"),
		Stats:      &s.stats,
		NamePrefix: config.NamePrefix,
	})
	s.evaluator = NewCqEventEvaluator(&CqEventEvaluatorOptions{
		Logger:                logger.Named("evaluator"),
		Registry:              s.registry,
		Stats:                 &s.stats,
		EvaluateDuringExecute: config.EvaluateDuringExecute,
	})
	s.evaluator.regionDestroyHandler = s
	s.dispatcher = NewCqDispatcher(&CqDispatcherOptions{
		Logger:             logger.Named("dispatcher"),
		Registry:           s.registry,
		FullValueFetcher:   opts.FullValueFetcher,
		CompressionManager: compression,
	})
	s.dispatcher.closer = s

	return s
}

// Start makes the service accept CQ registrations and executions.
func (s *CqService) Start() {
	s.running.Store(true)
	s.logger.Info("cq service started")
}

func (s *CqService) IsRunning() bool {
	return s.running.Load()
}

// Close shuts the service down, closing every CQ. keepAlive preserves
// durable CQs on the server side so a durable client can resume them.
func (s *CqService) Close(ctx context.Context, keepAlive bool) error {
	if !s.running.Swap(false) {
		return nil
	}

	s.logger.Info("cq service closing",
		zap.Int("numCqs", s.registry.Count()),
		zap.Bool("keepAlive", keepAlive))

	return s.closeCqs(ctx, s.registry.All(), keepAlive)
}

func (s *CqService) Stats() *CqServiceStats {
	return &s.stats
}

func (s *CqService) Registry() *CqRegistry {
	return s.registry
}

// ConstructServerCqName qualifies a client CQ name with the client's
// identity, so two clients may use the same CQ name without colliding.
func (s *CqService) ConstructServerCqName(cqName string, clientID ClientProxyID) string {
	return cqName + serverCqNameSep + clientID.identity()
}

// NewCq registers a new client-side CQ in the stopped state. The query is
// validated before any state is created; a name collision fails with
// CqExistsError unless the name was generated, in which case generation
// retries.
func (s *CqService) NewCq(opts *NewCqOptions) (*CqQuery, error) {
	if !s.running.Load() {
		return nil, ErrServiceStopped
	}
	if s.queryEngine == nil {
		return nil, errors.New("no query engine configured")
	}

	parsed, err := s.queryEngine.ParseQuery(opts.QueryString)
	if err != nil {
		return nil, InvalidQueryError{QueryString: opts.QueryString, Cause: err}
	}

	generated := opts.CqName == ""

	for {
		name := opts.CqName
		if generated {
			name = s.registry.GenerateName()
		}

		cq := &CqQuery{
			name:          name,
			serverCqName:  name,
			queryString:   opts.QueryString,
			regionName:    parsed.RegionName(),
			durable:       opts.Durable,
			poolName:      opts.PoolName,
			isPartitioned: opts.IsPartitioned,
			parsed:        parsed,
			listeners:     opts.Listeners,
			serverProxy:   s.serverProxy,
			resultCache:   newCqResultKeyCache(),
		}

		err := s.registry.Register(cq)
		if err == nil {
			s.logger.Debug("created new cq",
				zaputils.CqName("cq", name),
				zaputils.RegionName("region", cq.RegionName()),
				zap.Bool("durable", opts.Durable))
			return cq, nil
		}
		if generated && errors.Is(err, ErrCqExists) {
			// Another caller raced us to the generated name; the monotonic
			// counter guarantees the retry terminates.
			continue
		}
		return nil, err
	}
}

// ExecuteCq registers and starts a CQ on behalf of a client subscription, or
// resumes the existing one when a durable client reconnects and re-executes.
func (s *CqService) ExecuteCq(
	ctx context.Context,
	cqName string,
	queryString string,
	clientID ClientProxyID,
	isPartitioned bool,
) (*CqQuery, error) {
	if !s.running.Load() {
		return nil, ErrServiceStopped
	}
	if s.queryEngine == nil {
		return nil, errors.New("no query engine configured")
	}

	serverCqName := s.ConstructServerCqName(cqName, clientID)

	if cq, ok := s.registry.Get(serverCqName); ok {
		if err := s.Execute(ctx, cq); err != nil {
			return nil, err
		}
		return cq, nil
	}

	parsed, err := s.queryEngine.ParseQuery(queryString)
	if err != nil {
		return nil, InvalidQueryError{QueryString: queryString, Cause: err}
	}

	cq := &CqQuery{
		name:          cqName,
		serverCqName:  serverCqName,
		queryString:   queryString,
		regionName:    parsed.RegionName(),
		durable:       clientID.IsDurable(),
		isPartitioned: isPartitioned,
		parsed:        parsed,
		resultCache:   newCqResultKeyCache(),
	}

	if err := s.registry.Register(cq); err != nil {
		return nil, err
	}
	if err := s.Execute(ctx, cq); err != nil {
		return nil, err
	}
	return cq, nil
}

// Execute transitions a registered CQ to RUNNING. Executing a running CQ is
// a no-op; executing a closed CQ fails. Events arriving during execution are
// queued and drained once the CQ is running.
func (s *CqService) Execute(ctx context.Context, cq *CqQuery) error {
	return s.executeWithInitialResults(ctx, cq, nil, false)
}

// ExecuteWithInitialResults additionally seeds the CQ's result-key cache
// with the keys of the initial result set, so old-value membership for later
// events is answered from the cache.
func (s *CqService) ExecuteWithInitialResults(ctx context.Context, cq *CqQuery, initialKeys []string) error {
	return s.executeWithInitialResults(ctx, cq, initialKeys, true)
}

func (s *CqService) executeWithInitialResults(
	ctx context.Context,
	cq *CqQuery,
	initialKeys []string,
	seedCache bool,
) error {
	if !s.running.Load() {
		return ErrServiceStopped
	}
	if cq.IsClosed() {
		return CqClosedError{CqName: cq.Name()}
	}
	if cq.IsRunning() {
		return nil
	}

	s.logger.Debug("executing cq",
		zaputils.CqName("cq", cq.Name()),
		zaputils.RegionName("region", cq.RegionName()))

	cq.beginQueueing()

	if cq.serverProxy != nil {
		err := cq.serverProxy.ExecuteCq(ctx, cq.Name(), cq.QueryString(), cq.IsDurable())
		if err != nil {
			cq.takeQueuedEvents()
			return errors.Wrapf(err, "failed to execute cq %s on the server", cq.Name())
		}
	}

	// The cache only becomes authoritative once the initial result set has
	// populated it; after a bare execute the evaluator answers old-value
	// membership by evaluating the event's old value instead.
	if seedCache {
		cq.resultCache.Clear()
		for _, key := range initialKeys {
			cq.resultCache.Add(key)
		}
		cq.resultCache.MarkInitialized()
	}

	cq.setState(CqStateRunning)
	s.stats.setRunning()
	s.registry.AddToMatchingGroup(cq)
	s.registry.FilterProfileFor(cq.RegionName()).RegisterCq(cq)

	s.dispatcher.drainQueuedEvents(ctx, cq)
	return nil
}

// StopCq stops a running CQ, leaving it registered so it can be executed
// again. Unknown names are a silent no-op; a closed CQ fails.
func (s *CqService) StopCq(ctx context.Context, serverCqName string) error {
	cq, ok := s.registry.Get(serverCqName)
	if !ok {
		return nil
	}
	if cq.IsClosed() {
		return CqClosedError{CqName: cq.Name()}
	}
	if cq.IsStopped() {
		return nil
	}

	s.logger.Debug("stopping cq", zaputils.CqName("cq", serverCqName))

	if cq.serverProxy != nil {
		if err := cq.serverProxy.StopCq(ctx, cq.Name()); err != nil {
			return errors.Wrapf(err, "failed to stop cq %s on the server", cq.Name())
		}
	}

	s.registry.RemoveFromMatchingGroup(cq)
	s.registry.FilterProfileFor(cq.RegionName()).UnregisterCq(cq)
	// Entries mutate while the CQ is stopped; cached membership would be
	// stale on resume.
	cq.resultCache.Clear()
	cq.setState(CqStateStopped)
	s.stats.setStopped()
	return nil
}

// CloseCq closes a CQ and removes it from the registry. Unknown or already
// closed names are a silent no-op. keepAlive skips the server-side close for
// durable CQs so a durable client can resume them later.
func (s *CqService) CloseCq(ctx context.Context, serverCqName string, keepAlive bool) error {
	cq, ok := s.registry.Get(serverCqName)
	if !ok {
		return nil
	}
	return s.closeCq(ctx, cq, true, keepAlive)
}

func (s *CqService) closeCq(ctx context.Context, cq *CqQuery, callServer bool, keepAlive bool) error {
	if cq.IsClosed() {
		return nil
	}

	wasRunning := cq.IsRunning()
	cq.setState(CqStateClosing)

	s.logger.Debug("closing cq",
		zaputils.CqName("cq", cq.ServerCqName()),
		zap.Bool("keepAlive", keepAlive))

	var serverErr error
	if callServer && cq.serverProxy != nil && !(cq.IsDurable() && keepAlive) {
		// A failed server-side close never blocks the local teardown; the
		// server reaps orphaned CQs when the subscription drops.
		serverErr = cq.serverProxy.CloseCq(ctx, cq.Name())
		if serverErr != nil {
			serverErr = errors.Wrapf(serverErr, "failed to close cq %s on the server", cq.Name())
			s.logger.Warn("failed to close cq on the server",
				zaputils.CqName("cq", cq.Name()),
				zap.Error(serverErr))
		}
	}

	if wasRunning {
		s.registry.RemoveFromMatchingGroup(cq)
	}
	s.registry.FilterProfileFor(cq.RegionName()).UnregisterCq(cq)
	s.registry.Unregister(cq.ServerCqName())
	cq.resultCache.Clear()
	cq.setState(CqStateClosed)
	cq.fireClose()
	s.stats.setClosed(wasRunning)

	return serverErr
}

// closeCqLocally closes a CQ without a server round trip; the server
// initiated the close itself.
func (s *CqService) closeCqLocally(cq *CqQuery) {
	_ = s.closeCq(context.Background(), cq, false, false)
}

// closeCqForRegionDestroy closes a CQ whose base region was destroyed. The
// region teardown already removed the server-side state.
func (s *CqService) closeCqForRegionDestroy(cq *CqQuery) {
	_ = s.closeCq(context.Background(), cq, false, false)
}

// ExecuteAllCqs executes every stopped CQ.
func (s *CqService) ExecuteAllCqs(ctx context.Context) error {
	return s.executeCqs(ctx, s.registry.All())
}

// ExecuteAllRegionCqs executes every stopped CQ on the region.
func (s *CqService) ExecuteAllRegionCqs(ctx context.Context, regionName string) error {
	return s.executeCqs(ctx, s.registry.LookupByRegion(regionName))
}

func (s *CqService) executeCqs(ctx context.Context, cqs []*CqQuery) error {
	var errOut error
	for _, cq := range cqs {
		if !cq.IsStopped() {
			continue
		}
		errOut = multierr.Append(errOut, s.Execute(ctx, cq))
	}
	return errOut
}

// StopAllCqs stops every running CQ.
func (s *CqService) StopAllCqs(ctx context.Context) error {
	return s.stopCqs(ctx, s.registry.All())
}

// StopAllRegionCqs stops every running CQ on the region.
func (s *CqService) StopAllRegionCqs(ctx context.Context, regionName string) error {
	return s.stopCqs(ctx, s.registry.LookupByRegion(regionName))
}

func (s *CqService) stopCqs(ctx context.Context, cqs []*CqQuery) error {
	var errOut error
	for _, cq := range cqs {
		if !cq.IsRunning() {
			continue
		}
		errOut = multierr.Append(errOut, s.StopCq(ctx, cq.ServerCqName()))
	}
	return errOut
}

// CloseCqsForRegion closes every CQ on the region.
func (s *CqService) CloseCqsForRegion(ctx context.Context, regionName string) error {
	return s.closeCqs(ctx, s.registry.LookupByRegion(regionName), false)
}

// CloseAllCqs closes every CQ. keepAlive preserves durable CQs on the
// server.
func (s *CqService) CloseAllCqs(ctx context.Context, keepAlive bool) error {
	return s.closeCqs(ctx, s.registry.All(), keepAlive)
}

func (s *CqService) closeCqs(ctx context.Context, cqs []*CqQuery, keepAlive bool) error {
	var errOut error
	for _, cq := range cqs {
		errOut = multierr.Append(errOut, s.closeCq(ctx, cq, true, keepAlive))
	}
	return errOut
}

// GetAllClientCqs returns the CQs owned by the client.
func (s *CqService) GetAllClientCqs(clientID ClientProxyID) []*CqQuery {
	suffix := serverCqNameSep + clientID.identity()

	var cqs []*CqQuery
	for _, cq := range s.registry.All() {
		if strings.HasSuffix(cq.ServerCqName(), suffix) {
			cqs = append(cqs, cq)
		}
	}
	return cqs
}

// GetAllDurableClientCqs returns the names of the client's durable CQs in
// sorted order, as recovered for a durable client reconnect.
func (s *CqService) GetAllDurableClientCqs(clientID ClientProxyID) []string {
	var names []string
	for _, cq := range s.GetAllClientCqs(clientID) {
		if cq.IsDurable() {
			names = append(names, cq.Name())
		}
	}
	slices.Sort(names)
	return names
}

// CloseClientCqs closes every CQ the client owns; used when a client
// disconnects without keepalive.
func (s *CqService) CloseClientCqs(ctx context.Context, clientID ClientProxyID) error {
	return s.closeCqs(ctx, s.GetAllClientCqs(clientID), false)
}

// CloseNonDurableClientCqs closes the client's non-durable CQs, leaving the
// durable ones in place for a later reconnect.
func (s *CqService) CloseNonDurableClientCqs(ctx context.Context, clientID ClientProxyID) error {
	var errOut error
	for _, cq := range s.GetAllClientCqs(clientID) {
		if cq.IsDurable() {
			continue
		}
		errOut = multierr.Append(errOut, s.closeCq(ctx, cq, true, false))
	}
	return errOut
}

// ProcessEvents routes a cache event through the evaluator.
func (s *CqService) ProcessEvents(
	ctx context.Context,
	event CacheEvent,
	localProfile *CacheProfile,
	profiles []*CacheProfile,
	routingInfo *FilterRoutingInfo,
) error {
	return s.evaluator.ProcessEvents(ctx, event, localProfile, profiles, routingInfo)
}

// DispatchEvents delivers routed events to client-side listeners.
func (s *CqService) DispatchEvents(
	ctx context.Context,
	cqOutcomes map[string]CqMessageType,
	baseMsgType CqMessageType,
	key string,
	value interface{},
	delta []byte,
	eventID uuid.UUID,
) {
	s.dispatcher.DispatchEvents(ctx, cqOutcomes, baseMsgType, key, value, delta, eventID)
}

// CqsConnected notifies status listeners that the pool's subscription
// connection was established.
func (s *CqService) CqsConnected(poolName string) {
	s.dispatcher.CqsConnected(poolName)
}

// CqsDisconnected notifies status listeners that the pool's subscription
// connection was lost.
func (s *CqService) CqsDisconnected(poolName string) {
	s.dispatcher.CqsDisconnected(poolName)
}

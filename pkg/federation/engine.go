package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"commune/pkg/identity"
	"commune/pkg/storage"
	"commune/pkg/types"
)

// ProtocolVersion is the federation protocol version this engine speaks.
const ProtocolVersion = "1.0"

// DefaultDrainInterval is how often the background scheduler drains the
// delivery queue.
const DefaultDrainInterval = 5 * time.Second

// Listener receives accepted inbound events. A listener error is logged and
// never fails the inbound acceptance or the other listeners.
type Listener func(ev types.FederationEvent) error

// Options configures an Engine.
type Options struct {
	// Origin is this instance's own origin URI, e.g. https://a.example.
	Origin string

	// Enabled gates both publishing and receiving.
	Enabled bool

	// TrustMode is the local trust policy mode.
	TrustMode types.TrustMode

	// Signer holds the signing key. May be nil: publishing is then blocked
	// but receiving and verifying still work.
	Signer *identity.Signer

	// Store is the persistence port backing all engine state.
	Store storage.Store

	Logger  *zap.Logger
	Metrics *Metrics

	// DrainInterval overrides the scheduler period. Zero means the default.
	DrainInterval time.Duration
}

// Engine composes the trust policy, instance directory, outbox log and
// delivery queue, and owns the background delivery scheduler. All shared
// federation state lives inside one Engine instance; nothing is ambient.
type Engine struct {
	origin  string
	enabled bool
	signer  *identity.Signer

	policy    *Policy
	directory *Directory
	outbox    *Outbox
	queue     *Queue
	store     storage.Store
	logger    *zap.Logger
	metrics   *Metrics

	listenerMu sync.RWMutex
	listeners  []Listener

	drainInterval time.Duration
	drainMu       sync.Mutex // guards against overlapping drain cycles
	stopCh        chan struct{}
	stopOnce      sync.Once
	loopWG        sync.WaitGroup
	started       bool
	startMu       sync.Mutex
}

// New constructs an engine, reloading instances, outbox events and delivery
// attempts from the store so a restart resumes exactly where the previous
// process stopped.
func New(opts Options) (*Engine, error) {
	if opts.Origin == "" {
		return nil, fmt.Errorf("engine origin is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	origin, err := NormalizeOrigin(opts.Origin)
	if err != nil {
		return nil, fmt.Errorf("invalid engine origin: %w", err)
	}

	policy := NewPolicy(opts.TrustMode)

	directory, err := NewDirectory(opts.Store, policy, logger)
	if err != nil {
		return nil, err
	}

	outbox, err := NewOutbox(origin, opts.Signer, opts.Store, logger)
	if err != nil {
		return nil, err
	}

	queue, err := NewQueue(outbox, directory, opts.Store, logger, opts.Metrics)
	if err != nil {
		return nil, err
	}

	interval := opts.DrainInterval
	if interval <= 0 {
		interval = DefaultDrainInterval
	}

	e := &Engine{
		origin:        origin,
		enabled:       opts.Enabled,
		signer:        opts.Signer,
		policy:        policy,
		directory:     directory,
		outbox:        outbox,
		queue:         queue,
		store:         opts.Store,
		logger:        logger,
		metrics:       opts.Metrics,
		drainInterval: interval,
		stopCh:        make(chan struct{}),
	}
	e.metrics.SetKnownInstances(len(directory.List()))
	return e, nil
}

// Origin returns this instance's canonical origin URI.
func (e *Engine) Origin() string { return e.origin }

// Enabled reports whether federation is enabled.
func (e *Engine) Enabled() bool { return e.enabled }

// Publish signs and appends a local mutation to the outbox, then enqueues
// delivery to all currently trusted known instances. Returns the event id.
func (e *Engine) Publish(ctx context.Context, kind types.EventKind, object json.RawMessage) (string, error) {
	if !e.enabled {
		return "", ErrNotEnabled
	}

	entry, err := e.outbox.Append(ctx, kind, object)
	if err != nil {
		return "", err
	}
	if err := e.queue.Enqueue(ctx, entry.Event.ID, nil); err != nil {
		return "", err
	}

	e.metrics.EventPublished()
	e.logger.Info("Event published",
		zap.String("event_id", entry.Event.ID),
		zap.String("kind", string(kind)))
	return entry.Event.ID, nil
}

// Receive validates an inbound envelope and, when accepted, dispatches it to
// the registered local listeners. The gates run in order: federation
// enabled, trusted origin, origin match, known kind, then signature
// verification against the pinned identity for the claimed origin
// (trust-on-first-use when none is pinned yet).
func (e *Engine) Receive(ctx context.Context, ev types.FederationEvent, claimedOrigin string) error {
	if err := e.admit(ctx, &ev, claimedOrigin); err != nil {
		e.metrics.InboundReject(RejectReason(err))
		e.logger.Debug("Inbound event rejected",
			zap.String("claimed_origin", claimedOrigin),
			zap.String("reason", RejectReason(err)))
		return err
	}

	e.dispatch(ev)
	e.metrics.InboundAccept()
	e.logger.Info("Inbound event accepted",
		zap.String("event_id", ev.ID),
		zap.String("origin", ev.Origin),
		zap.String("kind", string(ev.Type)))
	return nil
}

func (e *Engine) admit(ctx context.Context, ev *types.FederationEvent, claimedOrigin string) error {
	if !e.enabled {
		return ErrNotEnabled
	}
	if !e.policy.IsTrusted(claimedOrigin) {
		return fmt.Errorf("%w: %s", ErrUntrustedOrigin, claimedOrigin)
	}
	if ev.Origin != claimedOrigin {
		return fmt.Errorf("%w: envelope says %s, caller claims %s", ErrOriginMismatch, ev.Origin, claimedOrigin)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEventKind, ev.Type)
	}

	signer := identity.Verify(ev)
	if signer == "" {
		return ErrInvalidSignature
	}
	if pinned := e.directory.PinnedIdentity(claimedOrigin); pinned != "" {
		if pinned != signer {
			return fmt.Errorf("%w: signer does not match known identity for %s", ErrInvalidSignature, claimedOrigin)
		}
	} else {
		e.directory.PinIdentity(ctx, claimedOrigin, signer)
	}
	return nil
}

// dispatch notifies listeners synchronously. Each listener failure, error or
// panic, is contained and logged; it never aborts the others or the caller.
func (e *Engine) dispatch(ev types.FederationEvent) {
	e.listenerMu.RLock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.listenerMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.metrics.ListenerFailed()
					e.logger.Error("Listener panicked",
						zap.String("event_id", ev.ID), zap.Any("panic", r))
				}
			}()
			if err := l(ev); err != nil {
				e.metrics.ListenerFailed()
				e.logger.Error("Listener failed",
					zap.String("event_id", ev.ID), zap.Error(err))
			}
		}()
	}
}

// OnEvent registers a local listener for accepted inbound events.
func (e *Engine) OnEvent(l Listener) {
	e.listenerMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenerMu.Unlock()
}

// Metadata produces the discovery document this instance serves at the
// well-known path.
func (e *Engine) Metadata() types.DiscoveryDocument {
	doc := types.DiscoveryDocument{
		Version:  ProtocolVersion,
		Instance: e.origin,
		Federation: types.FederationInfo{
			Enabled:   e.enabled,
			TrustMode: e.policy.Mode(),
		},
		Limits: types.DiscoveryLimits{
			MaxPageSize:     MaxPageSize,
			DefaultPageSize: DefaultPageSize,
		},
	}
	if e.enabled {
		doc.Federation.Inbox = e.origin + "/federation/inbox"
		doc.Federation.Outbox = e.origin + "/federation/outbox"
	}
	if e.signer != nil {
		doc.Identity = e.signer.Identity()
	}
	return doc
}

// Page exposes outbox pagination for the poll endpoint.
func (e *Engine) Page(since string, limit int) ([]types.FederationEvent, string, bool) {
	return e.outbox.Page(since, limit)
}

// Discover runs instance discovery against a candidate URI.
func (e *Engine) Discover(ctx context.Context, uri string) (*types.RemoteInstance, error) {
	inst, err := e.directory.Discover(ctx, uri)
	e.metrics.SetKnownInstances(len(e.directory.List()))
	return inst, err
}

// SubscribeTo discovers a peer and marks it locally trusted unless it is
// closed to federation.
func (e *Engine) SubscribeTo(ctx context.Context, uri string) (*types.RemoteInstance, error) {
	inst, err := e.directory.SubscribeTo(ctx, uri)
	e.metrics.SetKnownInstances(len(e.directory.List()))
	return inst, err
}

// Instances lists all known remote instances.
func (e *Engine) Instances() []*types.RemoteInstance {
	return e.directory.List()
}

// Allow marks origin locally allowed. Mutually exclusive with Block and
// idempotent; the change is persisted on the instance record.
func (e *Engine) Allow(ctx context.Context, origin string) {
	e.policy.Allow(origin)
	e.directory.SetLocalFlags(ctx, origin, true, false)
}

// Block marks origin locally blocked. Mutually exclusive with Allow and
// idempotent; the change is persisted on the instance record.
func (e *Engine) Block(ctx context.Context, origin string) {
	e.policy.Block(origin)
	e.directory.SetLocalFlags(ctx, origin, false, true)
}

// DeliveryStatus returns aggregate delivery counts and the raw attempt list.
func (e *Engine) DeliveryStatus() StatusSummary {
	return e.queue.Status()
}

// Drain runs one delivery cycle immediately, serialized with the background
// scheduler so cycles never overlap.
func (e *Engine) Drain(ctx context.Context) DrainStats {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	return e.queue.Drain(ctx)
}

// Start launches the background scheduler. A tick that arrives while a
// cycle is still running is skipped rather than piling up.
func (e *Engine) Start() {
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started || !e.enabled {
		return
	}
	e.started = true

	e.loopWG.Add(1)
	go e.drainLoop()
	e.logger.Info("Delivery scheduler started",
		zap.Duration("interval", e.drainInterval))
}

// Stop cancels the scheduler. In-flight pushes from the last-started cycle
// are allowed to complete.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.loopWG.Wait()
}

func (e *Engine) drainLoop() {
	defer e.loopWG.Done()

	ticker := time.NewTicker(e.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !e.drainMu.TryLock() {
				e.logger.Debug("Skipping drain tick, previous cycle still running")
				continue
			}
			e.queue.Drain(context.Background())
			e.drainMu.Unlock()
		case <-e.stopCh:
			return
		}
	}
}

// Outbox returns the outbox log, for status displays and tests.
func (e *Engine) Outbox() *Outbox { return e.outbox }

// Queue returns the delivery queue, for status displays and tests.
func (e *Engine) Queue() *Queue { return e.queue }

// Directory returns the instance directory.
func (e *Engine) Directory() *Directory { return e.directory }

// Policy returns the trust policy.
func (e *Engine) Policy() *Policy { return e.policy }

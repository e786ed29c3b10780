package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"commune/pkg/storage"
	"commune/pkg/types"
)

const (
	// WellKnownPath is where every instance serves its discovery document.
	WellKnownPath = "/.well-known/commune"

	// DiscoveryTimeout bounds a single discovery fetch so an unreachable
	// candidate cannot stall callers.
	DiscoveryTimeout = 10 * time.Second

	maxDiscoveryBody = 1 << 20 // 1MB
)

// Directory discovers and caches remote-instance metadata. It is the only
// component that performs outbound discovery HTTP calls. Records are never
// hard-deleted on failure; errors are annotated on the existing record.
type Directory struct {
	mu        sync.RWMutex
	instances map[string]*types.RemoteInstance

	store  storage.Store
	policy *Policy
	client *http.Client
	logger *zap.Logger
}

// NewDirectory creates a directory backed by the given store, reloading any
// previously known instances and seeding the trust policy from their local
// allow/block flags.
func NewDirectory(store storage.Store, policy *Policy, logger *zap.Logger) (*Directory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Directory{
		instances: make(map[string]*types.RemoteInstance),
		store:     store,
		policy:    policy,
		client:    &http.Client{Timeout: DiscoveryTimeout},
		logger:    logger,
	}

	known, err := store.ListInstances(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load known instances: %w", err)
	}
	for _, inst := range known {
		d.instances[inst.Origin] = inst
		if inst.Allowed {
			policy.Allow(inst.Origin)
		}
		if inst.Blocked {
			policy.Block(inst.Origin)
		}
	}

	return d, nil
}

// NormalizeOrigin canonicalizes a candidate instance URI to its origin form,
// scheme://host[:port], defaulting to https when no scheme is given.
func NormalizeOrigin(uri string) (string, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", fmt.Errorf("instance URI cannot be empty")
	}
	if !strings.Contains(uri, "://") {
		uri = "https://" + uri
	}
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid instance URI: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("instance URI has no host")
	}
	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

// Discover fetches the well-known document from the candidate origin and
// stores or updates the instance record. On any failure it returns an error
// and, if a prior record exists, annotates it with the error text without
// deleting it: discovery failures are transient by policy.
func (d *Directory) Discover(ctx context.Context, uri string) (*types.RemoteInstance, error) {
	origin, err := NormalizeOrigin(uri)
	if err != nil {
		return nil, err
	}

	doc, err := d.fetchDocument(ctx, origin)
	if err != nil {
		d.recordError(ctx, origin, err)
		return nil, fmt.Errorf("discovery of %s failed: %w", origin, err)
	}

	d.mu.Lock()
	inst, ok := d.instances[origin]
	if !ok {
		inst = &types.RemoteInstance{Origin: origin}
		d.instances[origin] = inst
	}
	inst.Version = doc.Version
	inst.InboxURL = doc.Federation.Inbox
	inst.OutboxURL = doc.Federation.Outbox
	inst.TrustMode = doc.Federation.TrustMode
	if doc.Identity != "" {
		inst.Identity = doc.Identity
	}
	inst.LastSeen = time.Now()
	inst.LastError = ""
	cp := *inst
	err = d.store.SaveInstance(ctx, inst)
	d.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to persist instance %s: %w", origin, err)
	}

	d.logger.Info("Discovered instance",
		zap.String("origin", origin),
		zap.String("version", doc.Version),
		zap.String("trust_mode", string(doc.Federation.TrustMode)))

	return &cp, nil
}

// SubscribeTo discovers the peer and, unless it advertises the closed trust
// mode, marks it locally allowed.
func (d *Directory) SubscribeTo(ctx context.Context, uri string) (*types.RemoteInstance, error) {
	inst, err := d.Discover(ctx, uri)
	if err != nil {
		return nil, err
	}
	if inst.TrustMode == types.TrustClosed {
		return nil, fmt.Errorf("%w: %s", ErrPeerClosed, inst.Origin)
	}

	d.policy.Allow(inst.Origin)

	d.mu.Lock()
	stored := d.instances[inst.Origin]
	stored.Allowed = true
	stored.Blocked = false
	cp := *stored
	err = d.store.SaveInstance(ctx, stored)
	d.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to persist subscription to %s: %w", inst.Origin, err)
	}

	d.logger.Info("Subscribed to instance", zap.String("origin", inst.Origin))
	return &cp, nil
}

// Get returns the cached record for origin, if any.
func (d *Directory) Get(origin string) (*types.RemoteInstance, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inst, ok := d.instances[origin]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// List returns all known instance records.
func (d *Directory) List() []*types.RemoteInstance {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*types.RemoteInstance, 0, len(d.instances))
	for _, inst := range d.instances {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// TrustedOrigins returns the origins of all known instances the trust policy
// currently admits. These are the default fan-out targets.
func (d *Directory) TrustedOrigins() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for origin := range d.instances {
		if d.policy.IsTrusted(origin) {
			out = append(out, origin)
		}
	}
	return out
}

// ResolveInbox returns the peer's inbox endpoint, running discovery first
// when the endpoint is not yet known.
func (d *Directory) ResolveInbox(ctx context.Context, origin string) (string, error) {
	d.mu.RLock()
	inst, ok := d.instances[origin]
	var inbox string
	if ok {
		inbox = inst.InboxURL
	}
	d.mu.RUnlock()

	if inbox != "" {
		return inbox, nil
	}

	discovered, err := d.Discover(ctx, origin)
	if err != nil {
		return "", err
	}
	if discovered.InboxURL == "" {
		return "", fmt.Errorf("instance %s advertises no inbox", origin)
	}
	return discovered.InboxURL, nil
}

// MarkContact records a successful exchange with origin: last-seen is
// refreshed and any stale error is cleared. Saved under the lock, as all
// instance-record mutations are: concurrent pushes to the same target must
// not persist stale snapshots of each other.
func (d *Directory) MarkContact(ctx context.Context, origin string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[origin]
	if !ok {
		inst = &types.RemoteInstance{Origin: origin}
		d.instances[origin] = inst
	}
	inst.LastSeen = time.Now()
	inst.LastError = ""

	if err := d.store.SaveInstance(ctx, inst); err != nil {
		d.logger.Warn("Failed to persist instance contact",
			zap.String("origin", origin), zap.Error(err))
	}
}

// MarkError annotates origin's record with a push or discovery failure.
func (d *Directory) MarkError(ctx context.Context, origin string, cause error) {
	d.recordError(ctx, origin, cause)
}

// SetLocalFlags records this instance's local allow/block annotations on the
// origin's record, creating the record if the peer is not yet known.
func (d *Directory) SetLocalFlags(ctx context.Context, origin string, allowed, blocked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[origin]
	if !ok {
		inst = &types.RemoteInstance{Origin: origin}
		d.instances[origin] = inst
	}
	inst.Allowed = allowed
	inst.Blocked = blocked

	if err := d.store.SaveInstance(ctx, inst); err != nil {
		d.logger.Warn("Failed to persist local trust flags",
			zap.String("origin", origin), zap.Error(err))
	}
}

// PinIdentity stores the verified public identity for origin. The first
// verified identity wins; later calls with the same value are no-ops.
func (d *Directory) PinIdentity(ctx context.Context, origin, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[origin]
	if !ok {
		inst = &types.RemoteInstance{Origin: origin}
		d.instances[origin] = inst
	}
	if inst.Identity != "" {
		return
	}
	inst.Identity = id

	if err := d.store.SaveInstance(ctx, inst); err != nil {
		d.logger.Warn("Failed to persist pinned identity",
			zap.String("origin", origin), zap.Error(err))
	}
}

// PinnedIdentity returns the identity recorded for origin, if any.
func (d *Directory) PinnedIdentity(origin string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if inst, ok := d.instances[origin]; ok {
		return inst.Identity
	}
	return ""
}

func (d *Directory) fetchDocument(ctx context.Context, origin string) (*types.DiscoveryDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, DiscoveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+WellKnownPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBody))
	if err != nil {
		return nil, err
	}

	var doc types.DiscoveryDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("malformed discovery document: %w", err)
	}
	return &doc, nil
}

func (d *Directory) recordError(ctx context.Context, origin string, cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inst, ok := d.instances[origin]
	if !ok {
		return
	}
	inst.LastError = cause.Error()

	if err := d.store.SaveInstance(ctx, inst); err != nil {
		d.logger.Warn("Failed to persist instance error",
			zap.String("origin", origin), zap.Error(err))
	}
	d.logger.Debug("Instance error recorded",
		zap.String("origin", origin), zap.Error(cause))
}

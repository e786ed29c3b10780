package federation

import (
	"sync"

	"commune/pkg/types"
)

// Policy decides whether a remote origin is admitted, as a pure function of
// the configured trust mode and the local allow/block sets. Callers are
// responsible for persisting set changes.
type Policy struct {
	mu    sync.RWMutex
	mode  types.TrustMode
	allow map[string]struct{}
	block map[string]struct{}
}

// NewPolicy creates a policy for the given mode. An invalid mode falls back
// to closed, the safe default.
func NewPolicy(mode types.TrustMode) *Policy {
	if !mode.Valid() {
		mode = types.TrustClosed
	}
	return &Policy{
		mode:  mode,
		allow: make(map[string]struct{}),
		block: make(map[string]struct{}),
	}
}

// Mode returns the configured trust mode.
func (p *Policy) Mode() types.TrustMode {
	return p.mode
}

// IsTrusted reports whether events from origin are admitted:
// closed admits nothing; allowlist admits only allow-set members;
// open and blocklist admit everything outside the block set.
func (p *Policy) IsTrusted(origin string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch p.mode {
	case types.TrustClosed:
		return false
	case types.TrustAllowlist:
		_, ok := p.allow[origin]
		return ok
	case types.TrustOpen, types.TrustBlocklist:
		_, blocked := p.block[origin]
		return !blocked
	default:
		return false
	}
}

// Allow adds origin to the allow set and removes it from the block set.
// Idempotent.
func (p *Policy) Allow(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allow[origin] = struct{}{}
	delete(p.block, origin)
}

// Block adds origin to the block set and removes it from the allow set.
// Idempotent.
func (p *Policy) Block(origin string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.block[origin] = struct{}{}
	delete(p.allow, origin)
}

// IsAllowed reports allow-set membership, independent of mode.
func (p *Policy) IsAllowed(origin string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.allow[origin]
	return ok
}

// IsBlocked reports block-set membership, independent of mode.
func (p *Policy) IsBlocked(origin string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.block[origin]
	return ok
}

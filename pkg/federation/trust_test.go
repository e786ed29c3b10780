package federation

import (
	"testing"

	"commune/pkg/types"
)

func TestPolicyModes(t *testing.T) {
	const (
		friend   = "https://friend.example"
		stranger = "https://stranger.example"
		enemy    = "https://enemy.example"
	)

	tests := []struct {
		name   string
		mode   types.TrustMode
		origin string
		want   bool
	}{
		{"closed rejects everyone", types.TrustClosed, friend, false},
		{"closed rejects strangers", types.TrustClosed, stranger, false},
		{"open admits strangers", types.TrustOpen, stranger, true},
		{"open admits allowed", types.TrustOpen, friend, true},
		{"open rejects blocked", types.TrustOpen, enemy, false},
		{"blocklist admits strangers", types.TrustBlocklist, stranger, true},
		{"blocklist rejects blocked", types.TrustBlocklist, enemy, false},
		{"allowlist admits allowed", types.TrustAllowlist, friend, true},
		{"allowlist rejects strangers", types.TrustAllowlist, stranger, false},
		{"allowlist rejects blocked", types.TrustAllowlist, enemy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy(tt.mode)
			p.Allow(friend)
			p.Block(enemy)

			if got := p.IsTrusted(tt.origin); got != tt.want {
				t.Errorf("IsTrusted(%s) in mode %s = %v, want %v", tt.origin, tt.mode, got, tt.want)
			}
		})
	}
}

func TestPolicyAllowBlockMutuallyExclusive(t *testing.T) {
	p := NewPolicy(types.TrustOpen)
	origin := "https://peer.example"

	p.Allow(origin)
	if !p.IsAllowed(origin) || p.IsBlocked(origin) {
		t.Error("expected origin allowed and not blocked after Allow")
	}

	p.Block(origin)
	if p.IsAllowed(origin) || !p.IsBlocked(origin) {
		t.Error("expected origin blocked and not allowed after Block")
	}

	// Idempotent
	p.Block(origin)
	if !p.IsBlocked(origin) {
		t.Error("expected Block to be idempotent")
	}

	p.Allow(origin)
	if !p.IsAllowed(origin) || p.IsBlocked(origin) {
		t.Error("expected Allow to clear the block flag")
	}
}

func TestPolicyInvalidModeFallsBackToClosed(t *testing.T) {
	p := NewPolicy(types.TrustMode("bogus"))
	if p.Mode() != types.TrustClosed {
		t.Errorf("expected closed fallback, got %s", p.Mode())
	}
	if p.IsTrusted("https://peer.example") {
		t.Error("expected nothing trusted under fallback mode")
	}
}

package types

import (
	"encoding/json"
	"time"
)

// EventKind identifies the kind of content mutation a federation event carries.
type EventKind string

const (
	EventPostCreated    EventKind = "PostCreated"
	EventPostDeleted    EventKind = "PostDeleted"
	EventCommentCreated EventKind = "CommentCreated"
	EventCommentDeleted EventKind = "CommentDeleted"
)

// Valid reports whether the kind is one of the known event kinds.
func (k EventKind) Valid() bool {
	switch k {
	case EventPostCreated, EventPostDeleted, EventCommentCreated, EventCommentDeleted:
		return true
	}
	return false
}

// TrustMode governs which remote instances' events are accepted.
type TrustMode string

const (
	TrustOpen      TrustMode = "open"
	TrustAllowlist TrustMode = "allowlist"
	TrustBlocklist TrustMode = "blocklist"
	TrustClosed    TrustMode = "closed"
)

// Valid reports whether the mode is one of the known trust modes.
func (m TrustMode) Valid() bool {
	switch m {
	case TrustOpen, TrustAllowlist, TrustBlocklist, TrustClosed:
		return true
	}
	return false
}

// FederationEvent is the wire envelope exchanged between instances. The same
// structure is persisted as the payload of an outbox entry.
type FederationEvent struct {
	ID        string          `json:"id"`
	Type      EventKind       `json:"type"`
	Origin    string          `json:"origin"`
	Timestamp time.Time       `json:"timestamp"`
	Object    json.RawMessage `json:"object"`
	Signature string          `json:"signature,omitempty"` // hex-encoded compact signature
}

// OutboxEvent is a locally originated event together with delivery bookkeeping.
// Immutable once signed; only DeliveredTo grows.
type OutboxEvent struct {
	Seq         int64
	Event       FederationEvent
	DeliveredTo []string // origins that acknowledged receipt, sorted
}

// Delivered reports whether the given origin already acknowledged this event.
func (e *OutboxEvent) Delivered(origin string) bool {
	for _, d := range e.DeliveredTo {
		if d == origin {
			return true
		}
	}
	return false
}

// RemoteInstance is everything this instance knows about a federation peer.
// Allowed/Blocked are local annotations, independent of the peer's own
// advertised trust mode.
type RemoteInstance struct {
	Origin    string    `json:"origin"`
	Version   string    `json:"version,omitempty"`
	InboxURL  string    `json:"inbox,omitempty"`
	OutboxURL string    `json:"outbox,omitempty"`
	TrustMode TrustMode `json:"trustMode,omitempty"`
	Identity  string    `json:"identity,omitempty"` // pinned public identity, hex
	LastSeen  time.Time `json:"lastSeen,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Allowed   bool      `json:"allowed"`
	Blocked   bool      `json:"blocked"`
}

// AttemptStatus is the lifecycle state of a delivery attempt.
// Transitions are monotone: pending may reschedule to pending, and ends in
// delivered or failed; both are terminal.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptDelivered AttemptStatus = "delivered"
	AttemptFailed    AttemptStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptDelivered || s == AttemptFailed
}

// DeliveryAttempt tracks pushes of one event to one remote instance.
// Identity is the (Target, EventID) pair.
type DeliveryAttempt struct {
	Target      string        `json:"target"`
	EventID     string        `json:"eventId"`
	Attempts    int           `json:"attempts"`
	Status      AttemptStatus `json:"status"`
	LastAttempt time.Time     `json:"lastAttempt,omitempty"`
	NextAttempt time.Time     `json:"nextAttempt,omitempty"`
	LastError   string        `json:"lastError,omitempty"`
}

// DiscoveryDocument is the well-known metadata document an instance serves
// and the instance directory fetches from peers.
type DiscoveryDocument struct {
	Version    string          `json:"version"`
	Instance   string          `json:"instance"`
	Identity   string          `json:"identity,omitempty"`
	Federation FederationInfo  `json:"federation"`
	Limits     DiscoveryLimits `json:"limits"`
}

// FederationInfo is the federation block of the discovery document.
type FederationInfo struct {
	Enabled   bool      `json:"enabled"`
	Inbox     string    `json:"inbox,omitempty"`
	Outbox    string    `json:"outbox,omitempty"`
	TrustMode TrustMode `json:"trustMode"`
}

// DiscoveryLimits advertises paging bounds to peers.
type DiscoveryLimits struct {
	MaxPageSize     int `json:"maxPageSize"`
	DefaultPageSize int `json:"defaultPageSize"`
}

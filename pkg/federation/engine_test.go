package federation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commune/pkg/identity"
	"commune/pkg/storage"
	"commune/pkg/types"
)

func newTestEngine(t *testing.T, store storage.Store, origin string) *Engine {
	t.Helper()
	signer, err := identity.GenerateKey()
	require.NoError(t, err)
	return newTestEngineWithSigner(t, store, origin, signer)
}

func newTestEngineWithSigner(t *testing.T, store storage.Store, origin string, signer *identity.Signer) *Engine {
	t.Helper()
	e, err := New(Options{
		Origin:    origin,
		Enabled:   true,
		TrustMode: types.TrustOpen,
		Signer:    signer,
		Store:     store,
	})
	require.NoError(t, err)
	return e
}

// inboxServer exposes an engine's Receive over HTTP the way the API layer
// does, so two engines can federate inside one test process.
func inboxServer(t *testing.T, e *Engine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev types.FederationEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if err := e.Receive(r.Context(), ev, r.Header.Get(OriginHeader)); err != nil {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// signedEnvelope builds a well-formed event the way a remote peer would.
func signedEnvelope(t *testing.T, signer *identity.Signer, origin string, kind types.EventKind, object string) types.FederationEvent {
	t.Helper()
	ev := types.FederationEvent{
		ID:        origin + "/federation/events/1",
		Type:      kind,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Object:    json.RawMessage(object),
	}
	sig, err := signer.Sign(&ev)
	require.NoError(t, err)
	ev.Signature = sig
	return ev
}

func TestPublishThroughToRemoteListener(t *testing.T) {
	storeA := storage.NewMemoryStore()
	storeB := storage.NewMemoryStore()

	remote := newTestEngine(t, storeB, "https://b.example")

	var mu sync.Mutex
	var received []types.FederationEvent
	remote.OnEvent(func(ev types.FederationEvent) error {
		mu.Lock()
		received = append(received, ev)
		mu.Unlock()
		return nil
	})

	srv := inboxServer(t, remote)
	peerOrigin, err := NormalizeOrigin(srv.URL)
	require.NoError(t, err)
	require.NoError(t, storeA.SaveInstance(context.Background(), &types.RemoteInstance{
		Origin:   peerOrigin,
		InboxURL: srv.URL,
	}))

	local := newTestEngine(t, storeA, testOrigin)

	ctx := context.Background()
	eventID, err := local.Publish(ctx, types.EventPostCreated, json.RawMessage(`{"id":"p1","title":"hello"}`))
	require.NoError(t, err)

	stats := local.Drain(ctx)
	assert.Equal(t, DrainStats{Processed: 1, Succeeded: 1}, stats)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, eventID, received[0].ID)
	assert.Equal(t, testOrigin, received[0].Origin)
	assert.Equal(t, types.EventPostCreated, received[0].Type)

	status := local.DeliveryStatus()
	assert.Equal(t, 1, status.Delivered)
}

func TestPublishRequiresFederationEnabled(t *testing.T) {
	signer, err := identity.GenerateKey()
	require.NoError(t, err)
	e, err := New(Options{
		Origin:  testOrigin,
		Enabled: false,
		Signer:  signer,
		Store:   storage.NewMemoryStore(),
	})
	require.NoError(t, err)

	_, err = e.Publish(context.Background(), types.EventPostCreated, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrNotEnabled)

	ev := signedEnvelope(t, signer, "https://b.example", types.EventPostCreated, `{}`)
	err = e.Receive(context.Background(), ev, "https://b.example")
	assert.ErrorIs(t, err, ErrNotEnabled)
}

func TestReceiveGates(t *testing.T) {
	peerSigner, err := identity.GenerateKey()
	require.NoError(t, err)
	peer := "https://b.example"

	e := newTestEngine(t, storage.NewMemoryStore(), testOrigin)
	ctx := context.Background()

	var heard int
	e.OnEvent(func(types.FederationEvent) error { heard++; return nil })

	t.Run("blocked origin", func(t *testing.T) {
		e.Block(ctx, peer)
		ev := signedEnvelope(t, peerSigner, peer, types.EventPostCreated, `{}`)
		assert.ErrorIs(t, e.Receive(ctx, ev, peer), ErrUntrustedOrigin)
		e.Allow(ctx, peer)
	})

	t.Run("origin mismatch", func(t *testing.T) {
		ev := signedEnvelope(t, peerSigner, peer, types.EventPostCreated, `{}`)
		assert.ErrorIs(t, e.Receive(ctx, ev, "https://c.example"), ErrOriginMismatch)
	})

	t.Run("unknown kind", func(t *testing.T) {
		ev := signedEnvelope(t, peerSigner, peer, "post.liked", `{}`)
		assert.ErrorIs(t, e.Receive(ctx, ev, peer), ErrUnknownEventKind)
	})

	t.Run("missing signature", func(t *testing.T) {
		ev := signedEnvelope(t, peerSigner, peer, types.EventPostCreated, `{}`)
		ev.Signature = ""
		assert.ErrorIs(t, e.Receive(ctx, ev, peer), ErrInvalidSignature)
	})

	t.Run("garbage signature", func(t *testing.T) {
		ev := signedEnvelope(t, peerSigner, peer, types.EventPostCreated, `{}`)
		ev.Signature = "deadbeef"
		assert.ErrorIs(t, e.Receive(ctx, ev, peer), ErrInvalidSignature)
	})

	assert.Zero(t, heard, "rejected events must never reach listeners")
}

func TestReceivePinsIdentityOnFirstContact(t *testing.T) {
	peer := "https://b.example"
	peerSigner, err := identity.GenerateKey()
	require.NoError(t, err)
	impostor, err := identity.GenerateKey()
	require.NoError(t, err)

	e := newTestEngine(t, storage.NewMemoryStore(), testOrigin)
	ctx := context.Background()

	ev := signedEnvelope(t, peerSigner, peer, types.EventPostCreated, `{"id":"p1"}`)
	require.NoError(t, e.Receive(ctx, ev, peer))
	assert.Equal(t, peerSigner.Identity(), e.Directory().PinnedIdentity(peer))

	// Same claimed origin, different key: rejected against the pin.
	forged := signedEnvelope(t, impostor, peer, types.EventPostCreated, `{"id":"p2"}`)
	assert.ErrorIs(t, e.Receive(ctx, forged, peer), ErrInvalidSignature)

	// Tampering after signing makes recovery yield a different identity,
	// which the pin catches.
	tampered := signedEnvelope(t, peerSigner, peer, types.EventPostCreated, `{"id":"p3"}`)
	tampered.Object = json.RawMessage(`{"id":"p3","admin":true}`)
	assert.ErrorIs(t, e.Receive(ctx, tampered, peer), ErrInvalidSignature)
}

func TestReceiveHonorsDiscoveredIdentity(t *testing.T) {
	peerSigner, err := identity.GenerateKey()
	require.NoError(t, err)
	impostor, err := identity.GenerateKey()
	require.NoError(t, err)

	doc := types.DiscoveryDocument{
		Version:  ProtocolVersion,
		Identity: peerSigner.Identity(),
		Federation: types.FederationInfo{
			Enabled:   true,
			TrustMode: types.TrustOpen,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, WellKnownPath, r.URL.Path)
		d := doc
		d.Instance = "http://" + r.Host
		json.NewEncoder(w).Encode(d)
	}))
	t.Cleanup(srv.Close)

	e := newTestEngine(t, storage.NewMemoryStore(), testOrigin)
	ctx := context.Background()

	inst, err := e.Discover(ctx, srv.URL)
	require.NoError(t, err)
	require.Equal(t, peerSigner.Identity(), inst.Identity)

	// The discovered identity is already pinned, so an impostor signing for
	// this origin is rejected even on first inbound contact.
	forged := signedEnvelope(t, impostor, inst.Origin, types.EventPostCreated, `{}`)
	assert.ErrorIs(t, e.Receive(ctx, forged, inst.Origin), ErrInvalidSignature)

	genuine := signedEnvelope(t, peerSigner, inst.Origin, types.EventPostCreated, `{}`)
	assert.NoError(t, e.Receive(ctx, genuine, inst.Origin))
}

func TestListenerFailureDoesNotAbortOthers(t *testing.T) {
	peerSigner, err := identity.GenerateKey()
	require.NoError(t, err)
	peer := "https://b.example"

	e := newTestEngine(t, storage.NewMemoryStore(), testOrigin)

	var calls []string
	e.OnEvent(func(types.FederationEvent) error {
		calls = append(calls, "first")
		return errors.New("listener boom")
	})
	e.OnEvent(func(types.FederationEvent) error {
		calls = append(calls, "second")
		panic("listener panic")
	})
	e.OnEvent(func(types.FederationEvent) error {
		calls = append(calls, "third")
		return nil
	})

	ev := signedEnvelope(t, peerSigner, peer, types.EventCommentCreated, `{"id":"c1"}`)
	require.NoError(t, e.Receive(context.Background(), ev, peer))
	assert.Equal(t, []string{"first", "second", "third"}, calls)
}

func TestEngineRestartResumesFromStore(t *testing.T) {
	store := storage.NewMemoryStore()
	signer, err := identity.GenerateKey()
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.SaveInstance(ctx, &types.RemoteInstance{
		Origin:   "https://b.example",
		InboxURL: "https://b.example/federation/inbox",
	}))

	first := newTestEngineWithSigner(t, store, testOrigin, signer)
	id1, err := first.Publish(ctx, types.EventPostCreated, json.RawMessage(`{"id":"p1"}`))
	require.NoError(t, err)
	id2, err := first.Publish(ctx, types.EventCommentDeleted, json.RawMessage(`{"id":"c1"}`))
	require.NoError(t, err)

	second := newTestEngineWithSigner(t, store, testOrigin, signer)
	assert.Equal(t, 2, second.Outbox().Len())

	events, _, _ := second.Page("", 10)
	require.Len(t, events, 2)
	assert.Equal(t, id1, events[0].ID)
	assert.Equal(t, id2, events[1].ID)

	status := second.DeliveryStatus()
	assert.Equal(t, 2, status.Pending, "queued attempts survive a restart")

	// Sequence numbering continues rather than restarting.
	id3, err := second.Publish(ctx, types.EventPostDeleted, json.RawMessage(`{"id":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, testOrigin+"/federation/events/3", id3)
}

func TestMetadataDocument(t *testing.T) {
	signer, err := identity.GenerateKey()
	require.NoError(t, err)
	e := newTestEngineWithSigner(t, storage.NewMemoryStore(), testOrigin, signer)

	doc := e.Metadata()
	assert.Equal(t, ProtocolVersion, doc.Version)
	assert.Equal(t, testOrigin, doc.Instance)
	assert.Equal(t, signer.Identity(), doc.Identity)
	assert.True(t, doc.Federation.Enabled)
	assert.Equal(t, types.TrustOpen, doc.Federation.TrustMode)
	assert.Equal(t, testOrigin+"/federation/inbox", doc.Federation.Inbox)
	assert.Equal(t, testOrigin+"/federation/outbox", doc.Federation.Outbox)
	assert.Equal(t, MaxPageSize, doc.Limits.MaxPageSize)

	disabled, err := New(Options{
		Origin: testOrigin,
		Store:  storage.NewMemoryStore(),
	})
	require.NoError(t, err)
	off := disabled.Metadata()
	assert.False(t, off.Federation.Enabled)
	assert.Empty(t, off.Federation.Inbox)
}

func TestSchedulerDrainsInBackground(t *testing.T) {
	storeA := storage.NewMemoryStore()

	var mu sync.Mutex
	delivered := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		delivered++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	peerOrigin, err := NormalizeOrigin(srv.URL)
	require.NoError(t, err)
	require.NoError(t, storeA.SaveInstance(context.Background(), &types.RemoteInstance{
		Origin:   peerOrigin,
		InboxURL: srv.URL,
	}))

	signer, err := identity.GenerateKey()
	require.NoError(t, err)
	e, err := New(Options{
		Origin:        testOrigin,
		Enabled:       true,
		TrustMode:     types.TrustOpen,
		Signer:        signer,
		Store:         storeA,
		DrainInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = e.Publish(context.Background(), types.EventPostCreated, json.RawMessage(`{"id":"p1"}`))
	require.NoError(t, err)

	e.Start()
	defer e.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, e.DeliveryStatus().Delivered)
}

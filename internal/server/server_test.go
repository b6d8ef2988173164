package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/deliverer"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/httpsig"
	"github.com/wrenfed/wren/internal/inbox"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/media"
)

var testKey = func() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}()

func testServer(t *testing.T, mutate func(*config.Config)) (*Server, *db.Store) {
	t.Helper()
	cfg := config.Default()
	cfg.InstanceURI = "https://example.com"
	cfg.InstanceTitle = "Test Instance"
	if mutate != nil {
		mutate(cfg)
	}
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	f := fetcher.New(cfg, store, testKey)
	d := deliverer.New(cfg, store, f, testKey)
	receiver := inbox.New(cfg, store, f, d)
	m, err := media.New(t.TempDir())
	require.NoError(t, err)
	return New(cfg, store, receiver, f, m, testKey), store
}

func createLocalActor(t *testing.T, store *db.Store, username string) *db.Actor {
	t.Helper()
	pem, err := keys.EncodePublicKeyPEM(&testKey.PublicKey)
	require.NoError(t, err)
	a := &db.Actor{
		ID:           "https://example.com/users/" + username,
		Username:     username,
		ActorType:    "Person",
		DisplayName:  "Display " + username,
		PublicKeyPEM: pem,
		Inbox:        "https://example.com/users/" + username + "/inbox",
	}
	require.NoError(t, store.CreateLocalActor(context.Background(), a))
	return a
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	return w
}

func TestWebFingerLocalActor(t *testing.T) {
	s, store := testServer(t, nil)
	createLocalActor(t, store, "alice")

	w := doRequest(t, s, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@example.com", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/jrd+json", w.Header().Get("Content-Type"))

	var jrd ap.WebFingerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jrd))
	require.Len(t, jrd.Links, 1)
	assert.Equal(t, "https://example.com/users/alice", jrd.Links[0].Href)
	assert.Equal(t, "self", jrd.Links[0].Rel)
}

func TestWebFingerUnknownHost(t *testing.T) {
	s, store := testServer(t, nil)
	createLocalActor(t, store, "alice")

	w := doRequest(t, s, http.MethodGet, "/.well-known/webfinger?resource=acct:alice@other.example", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebFingerMissingResource(t *testing.T) {
	s, _ := testServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/.well-known/webfinger", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNodeInfo(t *testing.T) {
	s, store := testServer(t, nil)
	createLocalActor(t, store, "alice")

	w := doRequest(t, s, http.MethodGet, "/.well-known/nodeinfo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/nodeinfo/2.0")
	assert.Contains(t, w.Body.String(), "/nodeinfo/2.1")

	w = doRequest(t, s, http.MethodGet, "/nodeinfo/2.0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info ap.NodeInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "2.0", info.Version)
	assert.Equal(t, "wren", info.Software.Name)
	assert.Equal(t, 1, info.Usage.Users.Total)
	assert.Equal(t, []string{"activitypub"}, info.Protocols)
	assert.False(t, info.OpenRegistrations)

	w = doRequest(t, s, http.MethodGet, "/nodeinfo/2.1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.NotEmpty(t, info.Software.Repository)
}

func TestHostMeta(t *testing.T) {
	s, _ := testServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/.well-known/host-meta", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "webfinger?resource={uri}")
}

func TestHealthcheck(t *testing.T) {
	s, _ := testServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/api/healthcheck", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestActorDocument(t *testing.T) {
	s, store := testServer(t, nil)
	createLocalActor(t, store, "alice")

	w := doRequest(t, s, http.MethodGet, "/users/alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc ap.Actor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "https://example.com/users/alice", doc.ID)
	assert.Equal(t, "Person", doc.Type)
	assert.Equal(t, "alice", doc.PreferredUsername)
	require.NotNil(t, doc.PublicKey)
	assert.Equal(t, "https://example.com/users/alice#main-key", doc.PublicKey.ID)
	assert.NotEmpty(t, doc.PublicKey.PublicKeyPem)
	require.NotNil(t, doc.Endpoints)
	assert.Equal(t, "https://example.com/inbox", doc.Endpoints.SharedInbox)
}

func TestInstanceActor(t *testing.T) {
	s, _ := testServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/actor", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var doc ap.Actor
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "https://example.com/actor", doc.ID)
	assert.Equal(t, "Service", doc.Type)
	assert.Equal(t, "example.com", doc.PreferredUsername)
}

func TestUserInboxReadsEmpty(t *testing.T) {
	s, store := testServer(t, nil)
	createLocalActor(t, store, "alice")

	w := doRequest(t, s, http.MethodGet, "/users/alice/inbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var coll ap.OrderedCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coll))
	assert.Equal(t, "OrderedCollection", coll.Type)
	assert.Equal(t, 0, coll.TotalItems)

	w = doRequest(t, s, http.MethodGet, "/users/nobody/inbox", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutboxCollection(t *testing.T) {
	s, store := testServer(t, nil)
	alice := createLocalActor(t, store, "alice")
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, store.CreatePost(ctx, &db.Post{
			ID:         "https://example.com/objects/" + id,
			AuthorID:   alice.ID,
			Content:    "<p>post " + id + "</p>",
			Visibility: db.VisibilityPublic,
		}))
	}
	// A followers-only post stays out of the public outbox.
	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/private",
		AuthorID:   alice.ID,
		Visibility: db.VisibilityFollowers,
	}))

	w := doRequest(t, s, http.MethodGet, "/users/alice/outbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var coll ap.OrderedCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coll))
	assert.Equal(t, 3, coll.TotalItems)
	assert.Contains(t, coll.First, "page=1")

	w = doRequest(t, s, http.MethodGet, "/users/alice/outbox?page=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		OrderedItems []ap.Activity `json:"orderedItems"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.OrderedItems, 3)
	assert.Equal(t, "Create", page.OrderedItems[0].Type)
}

func TestFollowersCollection(t *testing.T) {
	s, store := testServer(t, nil)
	alice := createLocalActor(t, store, "alice")
	ctx := context.Background()
	require.NoError(t, store.AddRelationship(ctx, "https://remote.example/users/bob", alice.ID, db.RelFollow))

	w := doRequest(t, s, http.MethodGet, "/users/alice/followers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var coll ap.OrderedCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coll))
	assert.Equal(t, 1, coll.TotalItems)

	w = doRequest(t, s, http.MethodGet, "/users/alice/followers?page=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		OrderedItems []string `json:"orderedItems"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, []string{"https://remote.example/users/bob"}, page.OrderedItems)
}

func TestObjectVisibility(t *testing.T) {
	s, store := testServer(t, nil)
	alice := createLocalActor(t, store, "alice")
	ctx := context.Background()

	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/pub",
		AuthorID:   alice.ID,
		Content:    "<p>hello</p>",
		Visibility: db.VisibilityPublic,
	}))
	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/priv",
		AuthorID:   alice.ID,
		Visibility: db.VisibilityFollowers,
	}))

	w := doRequest(t, s, http.MethodGet, "/objects/pub", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var obj ap.Object
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	assert.Equal(t, "Note", obj.Type)
	assert.Contains(t, []string(obj.To), ap.PublicURI)

	w = doRequest(t, s, http.MethodGet, "/objects/priv", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(t, s, http.MethodGet, "/objects/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestObjectSignedFollowerAccess(t *testing.T) {
	s, store := testServer(t, nil)
	alice := createLocalActor(t, store, "alice")
	ctx := context.Background()

	followerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pem, err := keys.EncodePublicKeyPEM(&followerKey.PublicKey)
	require.NoError(t, err)
	follower := &db.Actor{
		ID:           "https://remote.example/users/bob",
		Username:     "bob",
		Hostname:     "remote.example",
		ActorType:    "Person",
		PublicKeyPEM: pem,
		Inbox:        "https://remote.example/users/bob/inbox",
		RawJSON:      "{}",
	}
	_, err = store.UpsertRemoteActor(ctx, follower)
	require.NoError(t, err)
	require.NoError(t, store.AddRelationship(ctx, follower.ID, alice.ID, db.RelFollow))

	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/priv",
		AuthorID:   alice.ID,
		Content:    "<p>followers only</p>",
		Visibility: db.VisibilityFollowers,
	}))

	req := httptest.NewRequest(http.MethodGet, "https://example.com/objects/priv", nil)
	require.NoError(t, httpsig.SignRequest(req, nil, followerKey, ap.KeyID(follower.ID)))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var obj ap.Object
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &obj))
	assert.Equal(t, "https://example.com/objects/priv", obj.ID)

	// A signed request from a non-follower stays forbidden.
	strangerKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	strangerPEM, err := keys.EncodePublicKeyPEM(&strangerKey.PublicKey)
	require.NoError(t, err)
	stranger := &db.Actor{
		ID:           "https://remote.example/users/carol",
		Username:     "carol",
		Hostname:     "remote.example",
		ActorType:    "Person",
		PublicKeyPEM: strangerPEM,
		Inbox:        "https://remote.example/users/carol/inbox",
		RawJSON:      "{}",
	}
	_, err = store.UpsertRemoteActor(ctx, stranger)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "https://example.com/objects/priv", nil)
	require.NoError(t, httpsig.SignRequest(req, nil, strangerKey, ap.KeyID(stranger.ID)))
	w = httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInstanceOutboxEmpty(t *testing.T) {
	s, _ := testServer(t, nil)
	w := doRequest(t, s, http.MethodGet, "/actor/outbox", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var coll ap.OrderedCollection
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coll))
	assert.Equal(t, 0, coll.TotalItems)
}

func TestDeletedObjectServesTombstone(t *testing.T) {
	s, store := testServer(t, nil)
	alice := createLocalActor(t, store, "alice")
	ctx := context.Background()

	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/gone",
		AuthorID:   alice.ID,
		Visibility: db.VisibilityPublic,
	}))
	_, err := store.DeletePost(ctx, "https://example.com/objects/gone")
	require.NoError(t, err)

	w := doRequest(t, s, http.MethodGet, "/objects/gone", nil)
	require.Equal(t, http.StatusGone, w.Code)
	var tomb ap.Tombstone
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tomb))
	assert.Equal(t, "Tombstone", tomb.Type)
	assert.Equal(t, "https://example.com/objects/gone", tomb.ID)
}

func TestInboxFederationDisabled(t *testing.T) {
	s, _ := testServer(t, func(cfg *config.Config) {
		cfg.Federation.Enabled = false
	})
	w := doRequest(t, s, http.MethodPost, "/inbox", []byte(`{}`))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestInboxRejectsOversizedBody(t *testing.T) {
	s, _ := testServer(t, nil)
	body := []byte(strings.Repeat("a", maxInboxBody+1))
	w := doRequest(t, s, http.MethodPost, "/inbox", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestInboxRejectsMalformedActivity(t *testing.T) {
	s, _ := testServer(t, nil)
	w := doRequest(t, s, http.MethodPost, "/inbox", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestInboxRequiresAuthentication(t *testing.T) {
	s, _ := testServer(t, nil)
	activity := `{
		"id": "https://remote.example/activities/1",
		"type": "Like",
		"actor": "https://remote.example/users/bob",
		"object": "https://example.com/objects/1"
	}`
	w := doRequest(t, s, http.MethodPost, "/users/alice/inbox", []byte(activity))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

package inbox

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/httpsig"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/proof"
)

var (
	instanceKey = mustKey()
	remoteKey   = mustKey()
)

func mustKey() *rsa.PrivateKey {
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	return k
}

type delivered struct {
	sender   string
	activity *ap.Activity
	inbox    string
}

type fakeOutbound struct {
	sent []delivered
}

func (f *fakeOutbound) DeliverToInbox(ctx context.Context, sender *db.Actor, activity *ap.Activity, inbox string) error {
	f.sent = append(f.sent, delivered{sender: sender.ID, activity: activity, inbox: inbox})
	return nil
}

func testReceiver(t *testing.T) (*Receiver, *db.Store, *fakeOutbound) {
	t.Helper()
	cfg := config.Default()
	cfg.InstanceURI = "https://example.com"
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	f := fetcher.New(cfg, store, instanceKey)
	outbound := &fakeOutbound{}
	return New(cfg, store, f, outbound), store, outbound
}

func seedLocal(t *testing.T, store *db.Store, username string, manual bool) *db.Actor {
	t.Helper()
	pem, err := keys.EncodePublicKeyPEM(&instanceKey.PublicKey)
	require.NoError(t, err)
	a := &db.Actor{
		ID:               "https://example.com/users/" + username,
		Username:         username,
		ActorType:        "Person",
		PublicKeyPEM:     pem,
		PrivateKeyPEM:    string(keys.EncodePrivateKeyPEM(instanceKey)),
		Inbox:            "https://example.com/users/" + username + "/inbox",
		ManuallyApproves: manual,
	}
	require.NoError(t, store.CreateLocalActor(context.Background(), a))
	return a
}

func seedRemote(t *testing.T, store *db.Store, id string) *db.Actor {
	t.Helper()
	pem, err := keys.EncodePublicKeyPEM(&remoteKey.PublicKey)
	require.NoError(t, err)
	a := &db.Actor{
		ID:           id,
		Username:     "bob",
		Hostname:     ap.Hostname(id),
		ActorType:    "Person",
		PublicKeyPEM: pem,
		Inbox:        id + "/inbox",
		RawJSON:      "{}",
	}
	_, err = store.UpsertRemoteActor(context.Background(), a)
	require.NoError(t, err)
	return a
}

// signedRequest builds an inbox POST signed with the remote actor's
// key.
func signedRequest(t *testing.T, actorID string, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "https://example.com/inbox", nil)
	require.NoError(t, httpsig.SignRequest(req, body, remoteKey, ap.KeyID(actorID)))
	return req
}

func marshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestFollowAutoAccept(t *testing.T) {
	r, store, outbound := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/follow-1",
		"type":   "Follow",
		"actor":  bob.ID,
		"object": alice.ID,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	following, err := store.HasRelationship(ctx, bob.ID, alice.ID, db.RelFollow)
	require.NoError(t, err)
	assert.True(t, following)

	require.Len(t, outbound.sent, 1)
	assert.Equal(t, "Accept", outbound.sent[0].activity.Type)
	assert.Equal(t, alice.ID, outbound.sent[0].sender)
	assert.Equal(t, bob.Inbox, outbound.sent[0].inbox)
}

func TestFollowManualApprovalStaysPending(t *testing.T) {
	r, store, outbound := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", true)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/follow-1",
		"type":   "Follow",
		"actor":  bob.ID,
		"object": alice.ID,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	fr, err := store.GetFollowRequest(ctx, bob.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, db.FollowPending, fr.Status)

	following, err := store.HasRelationship(ctx, bob.ID, alice.ID, db.RelFollow)
	require.NoError(t, err)
	assert.False(t, following)
	assert.Empty(t, outbound.sent)
}

func TestUndoFollow(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	follow := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/follow-1",
		"type":   "Follow",
		"actor":  bob.ID,
		"object": alice.ID,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, follow), follow))

	undo := marshal(t, map[string]interface{}{
		"id":    "https://remote.example/activities/undo-1",
		"type":  "Undo",
		"actor": bob.ID,
		"object": map[string]interface{}{
			"id":     "https://remote.example/activities/follow-1",
			"type":   "Follow",
			"actor":  bob.ID,
			"object": alice.ID,
		},
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, undo), undo))

	following, err := store.HasRelationship(ctx, bob.ID, alice.ID, db.RelFollow)
	require.NoError(t, err)
	assert.False(t, following)
}

func TestCreateNoteSanitizesContent(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	body := marshal(t, map[string]interface{}{
		"id":    "https://remote.example/activities/create-1",
		"type":  "Create",
		"actor": bob.ID,
		"to":    []string{ap.PublicURI},
		"object": map[string]interface{}{
			"id":           "https://remote.example/objects/1",
			"type":         "Note",
			"attributedTo": bob.ID,
			"content":      `<p>hello <script>alert(1)</script><a href="https://x.example">link</a></p>`,
			"to":           []string{ap.PublicURI},
			"tag": []map[string]interface{}{
				{"type": "Hashtag", "name": "#Test"},
				{"type": "Mention", "href": "https://example.com/users/alice"},
				{"type": "Link", "mediaType": ap.ObjectLinkMediaType, "href": "https://remote.example/objects/0"},
			},
		},
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	post, err := store.GetPost(ctx, "https://remote.example/objects/1")
	require.NoError(t, err)
	assert.NotContains(t, post.Content, "script")
	assert.Contains(t, post.Content, "link")
	assert.Equal(t, db.VisibilityPublic, post.Visibility)
	assert.Equal(t, []string{"test"}, post.Hashtags)
	assert.Equal(t, []string{"https://example.com/users/alice"}, post.Mentions)
	assert.Equal(t, []string{"https://remote.example/objects/0"}, post.Links)
}

func TestDuplicateActivityProcessedOnce(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/1",
		AuthorID:   alice.ID,
		Visibility: db.VisibilityPublic,
	}))

	like := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/like-1",
		"type":   "Like",
		"actor":  bob.ID,
		"object": "https://example.com/objects/1",
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, like), like))
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, like), like))

	post, err := store.GetPost(ctx, "https://example.com/objects/1")
	require.NoError(t, err)
	assert.Equal(t, 1, post.ReactionCount)
}

func TestUnauthenticatedRejected(t *testing.T) {
	r, store, _ := testReceiver(t)
	seedLocal(t, store, "alice", false)
	seedRemote(t, store, "https://remote.example/users/bob")

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/1",
		"type":   "Follow",
		"actor":  "https://remote.example/users/bob",
		"object": "https://example.com/users/alice",
	})
	req := httptest.NewRequest(http.MethodPost, "https://example.com/inbox", nil)
	err := r.Receive(context.Background(), req, body)
	assert.ErrorIs(t, err, ap.ErrUnauthorized)
}

func TestProofAuthenticatedActivity(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/follow-1",
		"type":   "Follow",
		"actor":  bob.ID,
		"object": alice.ID,
	})
	p, err := proof.Create(body, remoteKey, ap.KeyID(bob.ID))
	require.NoError(t, err)
	signed, err := proof.Attach(body, p)
	require.NoError(t, err)

	// No HTTP signature at all; the embedded proof authenticates.
	req := httptest.NewRequest(http.MethodPost, "https://example.com/inbox", nil)
	require.NoError(t, r.Receive(ctx, req, signed))

	following, err := store.HasRelationship(ctx, bob.ID, alice.ID, db.RelFollow)
	require.NoError(t, err)
	assert.True(t, following)
}

func TestDidProofRejected(t *testing.T) {
	r, store, _ := testReceiver(t)

	seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/follow-1",
		"type":   "Follow",
		"actor":  bob.ID,
		"object": "https://example.com/users/alice",
	})
	p, err := proof.Create(body, remoteKey, "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK")
	require.NoError(t, err)
	signed, err := proof.Attach(body, p)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "https://example.com/inbox", nil)
	err = r.Receive(context.Background(), req, signed)
	assert.ErrorIs(t, err, ap.ErrUnauthorized)
}

func TestCreateForwardedObjectWithProof(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")
	carol := seedRemote(t, store, "https://remote.example/users/carol")

	obj := marshal(t, map[string]interface{}{
		"id":           "https://remote.example/objects/1",
		"type":         "Note",
		"attributedTo": bob.ID,
		"content":      "<p>signed by its author</p>",
		"to":           []string{ap.PublicURI},
	})
	p, err := proof.Create(obj, remoteKey, ap.KeyID(bob.ID))
	require.NoError(t, err)
	provenObj, err := proof.Attach(obj, p)
	require.NoError(t, err)

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/create-1",
		"type":   "Create",
		"actor":  carol.ID,
		"to":     []string{ap.PublicURI},
		"object": json.RawMessage(provenObj),
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, carol.ID, body), body))

	post, err := store.GetPost(ctx, "https://remote.example/objects/1")
	require.NoError(t, err)
	assert.Equal(t, bob.ID, post.AuthorID)
}

func TestCreateForwardedObjectWithoutProofRejected(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")
	carol := seedRemote(t, store, "https://remote.example/users/carol")

	body := marshal(t, map[string]interface{}{
		"id":    "https://remote.example/activities/create-1",
		"type":  "Create",
		"actor": carol.ID,
		"to":    []string{ap.PublicURI},
		"object": map[string]interface{}{
			"id":           "https://remote.example/objects/1",
			"type":         "Note",
			"attributedTo": bob.ID,
			"content":      "<p>unproven</p>",
			"to":           []string{ap.PublicURI},
		},
	})
	err := r.Receive(ctx, signedRequest(t, carol.ID, body), body)
	assert.True(t, ap.IsValidation(err))

	_, err = store.GetPost(ctx, "https://remote.example/objects/1")
	assert.ErrorIs(t, err, ap.ErrNotFound)
}

func TestUndoBeforeLikeIsDeferred(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/1",
		AuthorID:   alice.ID,
		Visibility: db.VisibilityPublic,
	}))

	undo := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/undo-1",
		"type":   "Undo",
		"actor":  bob.ID,
		"object": "https://remote.example/activities/like-1",
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, undo), undo))

	// The Undo referenced an unseen Like and was deferred.
	jobs, err := store.DueIncoming(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	like := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/like-1",
		"type":   "Like",
		"actor":  bob.ID,
		"object": "https://example.com/objects/1",
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, like), like))

	done, err := r.ProcessDeferred(ctx, jobs[0])
	require.NoError(t, err)
	assert.True(t, done)

	post, err := store.GetPost(ctx, "https://example.com/objects/1")
	require.NoError(t, err)
	assert.Equal(t, 0, post.ReactionCount)
}

func TestDeletePerson(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	bob := seedRemote(t, store, "https://remote.example/users/bob")
	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://remote.example/objects/1",
		AuthorID:   bob.ID,
		Visibility: db.VisibilityPublic,
	}))

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/delete-1",
		"type":   "Delete",
		"actor":  bob.ID,
		"object": bob.ID,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	_, err := store.GetActorByID(ctx, bob.ID)
	assert.ErrorIs(t, err, ap.ErrNotFound)
	_, err = store.GetPost(ctx, "https://remote.example/objects/1")
	assert.ErrorIs(t, err, ap.ErrNotFound)
}

func TestDeleteNoteByOtherActorForbidden(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	bob := seedRemote(t, store, "https://remote.example/users/bob")
	carol := seedRemote(t, store, "https://remote.example/users/carol")
	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://remote.example/objects/1",
		AuthorID:   bob.ID,
		Visibility: db.VisibilityPublic,
	}))

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/delete-1",
		"type":   "Delete",
		"actor":  carol.ID,
		"object": "https://remote.example/objects/1",
	})
	err := r.Receive(ctx, signedRequest(t, carol.ID, body), body)
	assert.ErrorIs(t, err, ap.ErrForbidden)

	_, err = store.GetPost(ctx, "https://remote.example/objects/1")
	assert.NoError(t, err)
}

func TestMoveRepointsFollowers(t *testing.T) {
	r, store, outbound := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	newAccount := &db.Actor{
		ID:           "https://new.example/users/bob",
		Username:     "bob",
		Hostname:     "new.example",
		ActorType:    "Person",
		PublicKeyPEM: bob.PublicKeyPEM,
		Inbox:        "https://new.example/users/bob/inbox",
		AlsoKnownAs:  []string{bob.ID},
		RawJSON:      "{}",
	}
	_, err := store.UpsertRemoteActor(ctx, newAccount)
	require.NoError(t, err)

	require.NoError(t, store.AddRelationship(ctx, alice.ID, bob.ID, db.RelFollow))

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/move-1",
		"type":   "Move",
		"actor":  bob.ID,
		"object": bob.ID,
		"target": newAccount.ID,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	following, err := store.HasRelationship(ctx, alice.ID, newAccount.ID, db.RelFollow)
	require.NoError(t, err)
	assert.True(t, following)

	old, err := store.HasRelationship(ctx, alice.ID, bob.ID, db.RelFollow)
	require.NoError(t, err)
	assert.False(t, old)

	// The local follower told both ends about the switch.
	require.Len(t, outbound.sent, 2)
	undo, follow := outbound.sent[0], outbound.sent[1]
	assert.Equal(t, "Undo", undo.activity.Type)
	assert.Equal(t, alice.ID, undo.sender)
	assert.Equal(t, bob.Inbox, undo.inbox)
	assert.Equal(t, "Follow", follow.activity.Type)
	assert.Equal(t, alice.ID, follow.sender)
	assert.Equal(t, newAccount.ID, follow.activity.Object)
	assert.Equal(t, newAccount.Inbox, follow.inbox)
}

func TestFailedActivityCanBeRedelivered(t *testing.T) {
	r, store, outbound := testReceiver(t)
	ctx := context.Background()

	bob := seedRemote(t, store, "https://remote.example/users/bob")

	// Follow of an account that does not exist yet fails.
	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/follow-1",
		"type":   "Follow",
		"actor":  bob.ID,
		"object": "https://example.com/users/alice",
	})
	err := r.Receive(ctx, signedRequest(t, bob.ID, body), body)
	assert.ErrorIs(t, err, ap.ErrNotFound)

	// The sender's retry after the account appears is not dropped as a
	// duplicate.
	alice := seedLocal(t, store, "alice", false)
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	following, err := store.HasRelationship(ctx, bob.ID, alice.ID, db.RelFollow)
	require.NoError(t, err)
	assert.True(t, following)
	require.Len(t, outbound.sent, 1)
	assert.Equal(t, "Accept", outbound.sent[0].activity.Type)
}

func TestMoveWithoutAliasForbidden(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	bob := seedRemote(t, store, "https://remote.example/users/bob")
	other := &db.Actor{
		ID:           "https://new.example/users/bob",
		Username:     "bob",
		Hostname:     "new.example",
		ActorType:    "Person",
		PublicKeyPEM: bob.PublicKeyPEM,
		Inbox:        "https://new.example/users/bob/inbox",
		RawJSON:      "{}",
	}
	_, err := store.UpsertRemoteActor(ctx, other)
	require.NoError(t, err)

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/move-1",
		"type":   "Move",
		"actor":  bob.ID,
		"object": bob.ID,
		"target": other.ID,
	})
	err = r.Receive(ctx, signedRequest(t, bob.ID, body), body)
	assert.ErrorIs(t, err, ap.ErrForbidden)
}

func TestAnnounceCreatesRepost(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	require.NoError(t, store.CreatePost(ctx, &db.Post{
		ID:         "https://example.com/objects/1",
		AuthorID:   alice.ID,
		Visibility: db.VisibilityPublic,
	}))

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/announce-1",
		"type":   "Announce",
		"actor":  bob.ID,
		"object": "https://example.com/objects/1",
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	repost, err := store.GetPost(ctx, "https://remote.example/activities/announce-1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/objects/1", repost.RepostOf)

	orig, err := store.GetPost(ctx, "https://example.com/objects/1")
	require.NoError(t, err)
	assert.Equal(t, 1, orig.RepostCount)
}

func TestBlockedInstanceRejected(t *testing.T) {
	r, _, _ := testReceiver(t)
	r.cfg.BlockedInstances = []string{"remote.example"}

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/1",
		"type":   "Follow",
		"actor":  "https://remote.example/users/bob",
		"object": "https://example.com/users/alice",
	})
	err := r.Receive(context.Background(), signedRequest(t, "https://remote.example/users/bob", body), body)
	assert.ErrorIs(t, err, ap.ErrForbidden)
}

func TestSubscriberAddRemove(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	bob := seedRemote(t, store, "https://remote.example/users/bob")
	subscribersURL := bob.ID + "/subscribers"
	bob.SubscribersURL = subscribersURL
	_, err := store.UpsertRemoteActor(ctx, bob)
	require.NoError(t, err)

	alice := seedLocal(t, store, "alice", false)

	add := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/add-1",
		"type":   "Add",
		"actor":  bob.ID,
		"object": alice.ID,
		"target": subscribersURL,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, add), add))

	subscribed, err := store.HasRelationship(ctx, alice.ID, bob.ID, db.RelSubscription)
	require.NoError(t, err)
	assert.True(t, subscribed)

	remove := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/remove-1",
		"type":   "Remove",
		"actor":  bob.ID,
		"object": alice.ID,
		"target": subscribersURL,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, remove), remove))

	subscribed, err = store.HasRelationship(ctx, alice.ID, bob.ID, db.RelSubscription)
	require.NoError(t, err)
	assert.False(t, subscribed)
}

func TestAcceptResolvesOutgoingFollow(t *testing.T) {
	r, store, _ := testReceiver(t)
	ctx := context.Background()

	alice := seedLocal(t, store, "alice", false)
	bob := seedRemote(t, store, "https://remote.example/users/bob")

	followID := fmt.Sprintf("https://example.com/objects/%s", "aaaaaaaa-0000-0000-0000-000000000001")
	_, err := store.CreateFollowRequest(ctx, alice.ID, bob.ID, followID)
	require.NoError(t, err)

	body := marshal(t, map[string]interface{}{
		"id":     "https://remote.example/activities/accept-1",
		"type":   "Accept",
		"actor":  bob.ID,
		"object": followID,
	})
	require.NoError(t, r.Receive(ctx, signedRequest(t, bob.ID, body), body))

	following, err := store.HasRelationship(ctx, alice.ID, bob.ID, db.RelFollow)
	require.NoError(t, err)
	assert.True(t, following)
}

package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/proof"
	"github.com/wrenfed/wren/internal/sanitize"
)

// noteTypes are the object types stored as posts.
var noteTypes = []string{"Note", "Article", "Page", "Question", "Event"}

func isNoteType(t string) bool {
	return slices.Contains(noteTypes, t)
}

func (r *Receiver) handleCreate(ctx context.Context, activity *ap.IncomingActivity) error {
	obj, err := r.objectFromActivity(ctx, activity)
	if err != nil {
		return err
	}
	if !isNoteType(obj.Type) {
		slog.Debug("ignoring Create of unsupported object", "type", obj.Type)
		return nil
	}
	if obj.AttributedTo != activity.Actor {
		// A forwarded object is acceptable when it proves its own
		// authorship with a document proof.
		if perr := r.objectSelfProven(ctx, activity.Object, obj.AttributedTo); perr != nil {
			return ap.Validation("attributedTo", "object author %s does not match activity actor", obj.AttributedTo)
		}
	}
	_, err = r.ingestObject(ctx, obj, 0)
	if errors.Is(err, ap.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (r *Receiver) handleUpdate(ctx context.Context, activity *ap.IncomingActivity) error {
	var probe struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(activity.Object, &probe); err != nil || probe.ID == "" {
		return ap.Validation("object", "Update requires an embedded object")
	}

	if ap.IsActorType(probe.Type) {
		if probe.ID != activity.Actor {
			return ap.Validation("object", "actors may only update themselves")
		}
		_, err := r.fetcher.IngestActorDocument(ctx, activity.Object, probe.ID)
		return err
	}

	if !isNoteType(probe.Type) {
		return nil
	}
	var obj ap.Object
	if err := json.Unmarshal(activity.Object, &obj); err != nil {
		return ap.Validation("object", "malformed object: %v", err)
	}
	existing, err := r.store.GetPost(ctx, obj.ID)
	if err != nil {
		if errors.Is(err, ap.ErrNotFound) {
			// An Update of an unknown post is effectively a Create.
			if obj.AttributedTo != activity.Actor {
				return ap.Validation("attributedTo", "object author does not match activity actor")
			}
			_, err := r.ingestObject(ctx, &obj, 0)
			return err
		}
		return err
	}
	if existing.AuthorID != activity.Actor {
		return fmt.Errorf("%w: %s does not own %s", ap.ErrForbidden, activity.Actor, obj.ID)
	}

	updated := r.postFromObject(&obj, existing.AuthorID)
	updated.ID = existing.ID
	updated.Visibility = existing.Visibility
	return r.store.UpdatePost(ctx, updated)
}

func (r *Receiver) handleDelete(ctx context.Context, activity *ap.IncomingActivity) error {
	objectID := activity.ObjectID()
	if objectID == "" {
		return ap.Validation("object", "Delete has no object")
	}

	// Delete(Person): an actor erasing itself.
	if objectID == activity.Actor {
		if err := r.store.DeleteActor(ctx, objectID); err != nil {
			if errors.Is(err, ap.ErrNotFound) {
				return nil
			}
			return err
		}
		slog.Info("deleted remote actor", "actor", objectID)
		return nil
	}

	if ap.Hostname(objectID) != ap.Hostname(activity.Actor) {
		return ap.Validation("object", "cross-origin delete")
	}

	post, err := r.store.GetPost(ctx, objectID)
	if err != nil {
		return err
	}
	if post.AuthorID != activity.Actor {
		return fmt.Errorf("%w: %s does not own %s", ap.ErrForbidden, activity.Actor, objectID)
	}
	queue, err := r.store.DeletePost(ctx, objectID)
	if err != nil {
		return err
	}
	if len(queue.FileNames) > 0 || len(queue.IPFSCids) > 0 {
		slog.Debug("post delete left orphaned media", "post", objectID, "files", len(queue.FileNames))
	}
	return nil
}

func (r *Receiver) handleFollow(ctx context.Context, activity *ap.IncomingActivity) error {
	targetID := activity.ObjectID()
	if !ap.IsLocalID(targetID, r.cfg.Origin()) {
		return ap.Validation("object", "Follow target is not a local actor")
	}
	target, err := r.store.GetActorByID(ctx, targetID)
	if err != nil {
		return err
	}
	follower, err := r.fetcher.ResolveByURL(ctx, activity.Actor)
	if err != nil {
		return err
	}

	_, err = r.store.CreateFollowRequest(ctx, follower.ID, target.ID, activity.ID)
	if err != nil && !errors.Is(err, ap.ErrAlreadyExists) {
		return err
	}

	if target.ManuallyApproves {
		slog.Info("follow request pending approval", "follower", follower.ID, "target", target.ID)
		return nil
	}

	if err := r.store.AcceptFollowRequest(ctx, follower.ID, target.ID); err != nil {
		return err
	}
	accept := ap.BuildAccept(r.cfg.Origin(), target.ID, rawOrID(activity), follower.ID)
	if err := r.outbound.DeliverToInbox(ctx, target, accept, follower.PreferredInbox()); err != nil {
		return fmt.Errorf("deliver accept: %w", err)
	}
	return nil
}

// rawOrID embeds the original follow activity in the Accept when it
// was transmitted whole, else just its ID.
func rawOrID(activity *ap.IncomingActivity) interface{} {
	return map[string]interface{}{
		"id":     activity.ID,
		"type":   activity.Type,
		"actor":  activity.Actor,
		"object": activity.ObjectID(),
	}
}

func (r *Receiver) handleAccept(ctx context.Context, activity *ap.IncomingActivity) error {
	fr, err := r.followRequestFromObject(ctx, activity)
	if err != nil {
		return err
	}
	if fr.TargetID != activity.Actor {
		return fmt.Errorf("%w: Accept from %s for a follow of %s", ap.ErrForbidden, activity.Actor, fr.TargetID)
	}
	return r.store.AcceptFollowRequest(ctx, fr.SourceID, fr.TargetID)
}

func (r *Receiver) handleReject(ctx context.Context, activity *ap.IncomingActivity) error {
	fr, err := r.followRequestFromObject(ctx, activity)
	if err != nil {
		return err
	}
	if fr.TargetID != activity.Actor {
		return fmt.Errorf("%w: Reject from %s for a follow of %s", ap.ErrForbidden, activity.Actor, fr.TargetID)
	}
	return r.store.RejectFollowRequest(ctx, fr.SourceID, fr.TargetID)
}

// followRequestFromObject locates the local follow request referenced
// by an Accept or Reject, by the Follow activity's ID or by its
// embedded source and target.
func (r *Receiver) followRequestFromObject(ctx context.Context, activity *ap.IncomingActivity) (*db.FollowRequest, error) {
	objectID := activity.ObjectID()
	if objectID != "" {
		if fr, err := r.store.GetFollowRequestByActivityID(ctx, objectID); err == nil {
			return fr, nil
		}
	}
	var follow struct {
		Actor  string `json:"actor"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(activity.Object, &follow); err == nil &&
		follow.Actor != "" && follow.Object != "" {
		return r.store.GetFollowRequest(ctx, follow.Actor, follow.Object)
	}
	return nil, ap.ErrNotFound
}

func (r *Receiver) handleUndo(ctx context.Context, activity *ap.IncomingActivity) error {
	var inner struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		// A bare string reference.
		inner.ID = activity.ObjectID()
	}

	switch inner.Type {
	case "Follow":
		target := inner.Object
		if target == "" {
			fr, err := r.store.GetFollowRequestByActivityID(ctx, inner.ID)
			if err != nil {
				return err
			}
			target = fr.TargetID
		}
		return r.store.DeleteFollow(ctx, activity.Actor, target)
	case "Like", "EmojiReact":
		postID := inner.Object
		if postID == "" {
			found, err := r.store.FindReactionPost(ctx, activity.Actor, inner.ID)
			if err != nil {
				return err
			}
			postID = found
		}
		return r.store.RemoveReaction(ctx, activity.Actor, postID)
	case "Announce":
		return r.undoAnnounce(ctx, activity.Actor, inner.ID)
	case "":
		return r.undoByID(ctx, activity.Actor, inner.ID)
	default:
		slog.Debug("ignoring Undo of unsupported type", "type", inner.Type)
		return nil
	}
}

// undoByID handles an Undo whose object is a bare activity ID, trying
// each undoable kind in turn.
func (r *Receiver) undoByID(ctx context.Context, actorID, activityID string) error {
	if activityID == "" {
		return ap.Validation("object", "Undo has no object")
	}
	if fr, err := r.store.GetFollowRequestByActivityID(ctx, activityID); err == nil {
		return r.store.DeleteFollow(ctx, fr.SourceID, fr.TargetID)
	}
	if postID, err := r.store.FindReactionPost(ctx, actorID, activityID); err == nil {
		return r.store.RemoveReaction(ctx, actorID, postID)
	}
	return r.undoAnnounce(ctx, actorID, activityID)
}

func (r *Receiver) undoAnnounce(ctx context.Context, actorID, announceID string) error {
	post, err := r.store.GetPost(ctx, announceID)
	if err != nil {
		return err
	}
	if post.AuthorID != actorID || post.RepostOf == "" {
		return fmt.Errorf("%w: %s is not a repost by %s", ap.ErrForbidden, announceID, actorID)
	}
	_, err = r.store.DeletePost(ctx, announceID)
	return err
}

func (r *Receiver) handleLike(ctx context.Context, activity *ap.IncomingActivity) error {
	postID := activity.ObjectID()
	if postID == "" {
		return ap.Validation("object", "Like has no object")
	}
	if _, err := r.store.GetPost(ctx, postID); err != nil {
		if errors.Is(err, ap.ErrNotFound) && !ap.IsLocalID(postID, r.cfg.Origin()) {
			// A reaction to a post this instance never saw.
			return nil
		}
		return err
	}
	err := r.store.AddReaction(ctx, activity.Actor, postID, activity.ID)
	if errors.Is(err, ap.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (r *Receiver) handleAnnounce(ctx context.Context, activity *ap.IncomingActivity) error {
	objectID := activity.ObjectID()
	if objectID == "" {
		return ap.Validation("object", "Announce has no object")
	}
	booster, err := r.fetcher.ResolveByURL(ctx, activity.Actor)
	if err != nil {
		return err
	}

	if _, err := r.store.GetPost(ctx, objectID); err != nil {
		if !errors.Is(err, ap.ErrNotFound) {
			return err
		}
		if ap.IsLocalID(objectID, r.cfg.Origin()) {
			return ap.ErrNotFound
		}
		obj, err := r.fetcher.FetchObject(ctx, objectID)
		if err != nil {
			return err
		}
		if _, err := r.ingestObject(ctx, obj, 1); err != nil && !errors.Is(err, ap.ErrAlreadyExists) {
			return err
		}
	}

	repost := &db.Post{
		ID:         activity.ID,
		AuthorID:   booster.ID,
		RepostOf:   objectID,
		Visibility: db.VisibilityPublic,
	}
	err = r.store.CreatePost(ctx, repost)
	if errors.Is(err, ap.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (r *Receiver) handleMove(ctx context.Context, activity *ap.IncomingActivity) error {
	oldID := activity.ObjectID()
	newID := activity.TargetID()
	if oldID == "" || newID == "" {
		return ap.Validation("move", "Move requires object and target")
	}
	if oldID != activity.Actor {
		return fmt.Errorf("%w: actors may only move themselves", ap.ErrForbidden)
	}

	newActor, err := r.fetcher.ResolveByURL(ctx, newID)
	if err != nil {
		return err
	}
	// The destination account must acknowledge the move.
	if !slices.Contains(newActor.AlsoKnownAs, oldID) {
		return fmt.Errorf("%w: %s does not list %s as an alias", ap.ErrForbidden, newID, oldID)
	}

	moved, err := r.store.MoveFollowers(ctx, oldID, newActor.ID)
	if err != nil {
		return err
	}

	// Local followers tell both ends about the switch: an Undo of the
	// old follow and a fresh Follow of the destination.
	oldActor, err := r.store.GetActorByID(ctx, oldID)
	if err != nil {
		oldActor = nil
	}
	for _, followerID := range moved {
		if !ap.IsLocalID(followerID, r.cfg.Origin()) {
			continue
		}
		follower, err := r.store.GetActorByID(ctx, followerID)
		if err != nil {
			slog.Warn("moved follower not found locally", "follower", followerID, "error", err)
			continue
		}
		if oldActor != nil {
			undo := ap.BuildUndo(r.cfg.Origin(), follower.ID, map[string]interface{}{
				"type":   "Follow",
				"actor":  follower.ID,
				"object": oldID,
			}, []string{oldID})
			if err := r.outbound.DeliverToInbox(ctx, follower, undo, oldActor.PreferredInbox()); err != nil {
				slog.Warn("could not unfollow moved account", "follower", follower.ID, "error", err)
			}
		}
		follow := ap.BuildFollow(r.cfg.Origin(), follower.ID, newActor.ID)
		if err := r.outbound.DeliverToInbox(ctx, follower, follow, newActor.PreferredInbox()); err != nil {
			slog.Warn("could not re-follow moved account", "follower", follower.ID, "error", err)
		}
	}

	slog.Info("processed account move", "from", oldID, "to", newActor.ID, "followers", len(moved))
	return nil
}

func (r *Receiver) handleAdd(ctx context.Context, activity *ap.IncomingActivity) error {
	return r.updateSubscribers(ctx, activity, true)
}

func (r *Receiver) handleRemove(ctx context.Context, activity *ap.IncomingActivity) error {
	return r.updateSubscribers(ctx, activity, false)
}

// updateSubscribers handles Add and Remove targeting the actor's
// subscribers collection, which back paid-subscription addressing.
func (r *Receiver) updateSubscribers(ctx context.Context, activity *ap.IncomingActivity, add bool) error {
	memberID := activity.ObjectID()
	targetID := activity.TargetID()
	if memberID == "" || targetID == "" {
		return ap.Validation("target", "Add/Remove requires object and target")
	}
	owner, err := r.fetcher.ResolveByURL(ctx, activity.Actor)
	if err != nil {
		return err
	}
	if owner.SubscribersURL == "" || targetID != owner.SubscribersURL {
		slog.Debug("ignoring Add/Remove with unknown target", "target", targetID)
		return nil
	}
	if add {
		return r.store.AddRelationship(ctx, memberID, owner.ID, db.RelSubscription)
	}
	err = r.store.RemoveRelationship(ctx, memberID, owner.ID, db.RelSubscription)
	if errors.Is(err, ap.ErrNotFound) {
		return nil
	}
	return err
}

// objectFromActivity returns the activity's object document, fetching
// it when only a reference was transmitted.
func (r *Receiver) objectFromActivity(ctx context.Context, activity *ap.IncomingActivity) (*ap.Object, error) {
	var obj ap.Object
	if err := json.Unmarshal(activity.Object, &obj); err == nil && obj.ID != "" && obj.Type != "" {
		if ap.Hostname(obj.ID) != ap.Hostname(activity.Actor) {
			if perr := r.objectSelfProven(ctx, activity.Object, obj.AttributedTo); perr != nil {
				return nil, ap.Validation("object", "object host does not match actor host")
			}
		}
		return &obj, nil
	}
	objectID := activity.ObjectID()
	if objectID == "" {
		return nil, ap.Validation("object", "activity has no object")
	}
	return r.fetcher.FetchObject(ctx, objectID)
}

// objectSelfProven verifies an embedded object's own document proof,
// succeeding only when the proof's key belongs to the object's author.
func (r *Receiver) objectSelfProven(ctx context.Context, raw []byte, attributedTo string) error {
	if attributedTo == "" {
		return ap.Validation("attributedTo", "object has no author")
	}
	var doc struct {
		Proof json.RawMessage `json:"proof"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil || len(doc.Proof) == 0 {
		return fmt.Errorf("%w: object carries no proof", ap.ErrUnauthorized)
	}
	p, err := proof.ParseRaw(doc.Proof)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: object carries no proof", ap.ErrUnauthorized)
	}
	if strings.HasPrefix(p.VerificationMethod, "did:") {
		return fmt.Errorf("%w: did verification methods are not resolvable", ap.ErrUnauthorized)
	}
	if ap.ActorIDFromKeyID(p.VerificationMethod) != attributedTo {
		return fmt.Errorf("%w: proof key does not belong to %s", ap.ErrUnauthorized, attributedTo)
	}
	author, err := r.fetcher.ResolveByURL(ctx, attributedTo)
	if err != nil {
		return fmt.Errorf("resolve object author: %w", err)
	}
	pub, err := keys.ParsePublicKeyPEM(author.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: object author has no usable key", ap.ErrUnauthorized)
	}
	return proof.Verify(raw, p, pub)
}

// ingestObject stores a remote object as a post, pulling in its reply
// parent up to maxFetchDepth.
func (r *Receiver) ingestObject(ctx context.Context, obj *ap.Object, depth int) (*db.Post, error) {
	if existing, err := r.store.GetPost(ctx, obj.ID); err == nil {
		return existing, nil
	}
	if ap.IsLocalID(obj.ID, r.cfg.Origin()) {
		return nil, ap.ErrNotFound
	}
	if obj.AttributedTo == "" {
		return nil, ap.Validation("attributedTo", "object has no author")
	}

	author, err := r.fetcher.ResolveByURL(ctx, obj.AttributedTo)
	if err != nil {
		return nil, err
	}

	post := r.postFromObject(obj, author.ID)

	if obj.InReplyTo != "" && depth < maxFetchDepth {
		if _, err := r.store.GetPost(ctx, obj.InReplyTo); err != nil {
			if errors.Is(err, ap.ErrNotFound) && !ap.IsLocalID(obj.InReplyTo, r.cfg.Origin()) {
				parent, ferr := r.fetcher.FetchObject(ctx, obj.InReplyTo)
				if ferr == nil {
					if _, ierr := r.ingestObject(ctx, parent, depth+1); ierr != nil {
						slog.Debug("could not ingest reply parent", "parent", obj.InReplyTo, "error", ierr)
					}
				}
			}
		}
	}

	post.Visibility = r.visibilityOf(obj, author)
	if err := r.store.CreatePost(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}

// postFromObject converts a wire object to a stored post, sanitizing
// content and extracting tags.
func (r *Receiver) postFromObject(obj *ap.Object, authorID string) *db.Post {
	post := &db.Post{
		ID:        obj.ID,
		AuthorID:  authorID,
		Content:   sanitize.HTML(obj.Content),
		Summary:   sanitize.Text(obj.Summary),
		Sensitive: obj.Sensitive,
		InReplyTo: obj.InReplyTo,
		URL:       obj.URL,
	}
	if limit := r.cfg.Limits.Posts.CharacterLimit; limit > 0 && len(post.Content) > limit*10 {
		// Grossly oversized remote content is truncated, not rejected.
		post.Content = post.Content[:limit*10]
	}
	if t, err := time.Parse(time.RFC3339, obj.Published); err == nil {
		post.CreatedAt = t.UTC()
	}

	for _, tag := range obj.Tag {
		switch {
		case tag.Type == "Mention" && tag.Href != "":
			post.Mentions = append(post.Mentions, tag.Href)
		case tag.Type == "Hashtag" && tag.Name != "":
			post.Hashtags = append(post.Hashtags, strings.ToLower(strings.TrimPrefix(tag.Name, "#")))
		case tag.IsObjectLink() && tag.Href != "":
			post.Links = append(post.Links, tag.Href)
		}
	}
	for _, att := range obj.Attachment {
		if att.Type != "Document" && att.Type != "Image" && att.Type != "Video" && att.Type != "Audio" {
			continue
		}
		if att.URL == "" {
			continue
		}
		post.Attachments = append(post.Attachments, db.PostAttachment{
			URL:       att.URL,
			MediaType: att.MediaType,
		})
	}
	return post
}

// visibilityOf derives the stored visibility from wire addressing.
func (r *Receiver) visibilityOf(obj *ap.Object, author *db.Actor) string {
	all := make([]string, 0, len(obj.To)+len(obj.CC))
	all = append(all, obj.To...)
	all = append(all, obj.CC...)
	for _, addr := range all {
		if addr == ap.PublicURI {
			return db.VisibilityPublic
		}
	}
	for _, addr := range all {
		if author.FollowersURL != "" && addr == author.FollowersURL {
			return db.VisibilityFollowers
		}
	}
	for _, addr := range all {
		if author.SubscribersURL != "" && addr == author.SubscribersURL {
			return db.VisibilitySubscribers
		}
	}
	return db.VisibilityDirect
}

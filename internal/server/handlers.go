package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/httpsig"
	"github.com/wrenfed/wren/internal/keys"
)

const collectionPageSize = 20

// handleWebFinger answers acct: and actor-URL lookups for local
// accounts and the instance actor.
func (s *Server) handleWebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource parameter", http.StatusBadRequest)
		return
	}

	actorID, err := s.resolveWebFingerResource(r, resource)
	if err != nil {
		writeError(w, err)
		return
	}

	response := ap.WebFingerResponse{
		Subject: resource,
		Links: []ap.WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actorID,
			},
		},
	}
	w.Header().Set("Content-Type", "application/jrd+json")
	writeBody(w, response)
}

func (s *Server) resolveWebFingerResource(r *http.Request, resource string) (string, error) {
	origin := s.cfg.Origin()

	if strings.HasPrefix(resource, "acct:") {
		addr := strings.TrimPrefix(resource, "acct:")
		username, hostname, ok := strings.Cut(addr, "@")
		if !ok || !strings.EqualFold(hostname, s.cfg.Hostname()) {
			return "", fmt.Errorf("%w: unknown host in resource", ap.ErrNotFound)
		}
		if username == s.cfg.Hostname() {
			return ap.InstanceActorID(origin), nil
		}
		actor, err := s.store.GetLocalActorByUsername(r.Context(), username)
		if err != nil {
			return "", err
		}
		return actor.ID, nil
	}

	// An actor URL resource must be one of ours.
	if resource == ap.InstanceActorID(origin) {
		return resource, nil
	}
	if ap.IsLocalID(resource, origin) {
		if _, err := s.store.GetActorByID(r.Context(), resource); err != nil {
			return "", err
		}
		return resource, nil
	}
	return "", fmt.Errorf("%w: resource is not local", ap.ErrNotFound)
}

// handleHostMeta serves the XRD document pointing at WebFinger.
func (s *Server) handleHostMeta(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xrd+xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<XRD xmlns="http://docs.oasis-open.org/ns/xri/xrd-1.0">
  <Link rel="lrdd" template="%s/.well-known/webfinger?resource={uri}"/>
</XRD>
`, s.cfg.Origin())
}

func (s *Server) handleNodeInfoIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeBody(w, map[string]interface{}{
		"links": []map[string]string{
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.0",
				"href": s.cfg.BaseURL("/nodeinfo/2.0"),
			},
			{
				"rel":  "http://nodeinfo.diaspora.software/ns/schema/2.1",
				"href": s.cfg.BaseURL("/nodeinfo/2.1"),
			},
		},
	})
}

func (s *Server) handleNodeInfo(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.store.CountLocalActors(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		posts, err := s.store.CountLocalPosts(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		info := ap.NodeInfo{
			Version: version,
			Software: ap.NodeInfoSoftware{
				Name:    "wren",
				Version: config.Version,
			},
			Protocols: []string{"activitypub"},
			Services:  ap.NodeInfoServices{Inbound: []string{}, Outbound: []string{}},
			Usage: ap.NodeInfoUsage{
				Users:      ap.NodeInfoUsers{Total: users},
				LocalPosts: posts,
			},
			OpenRegistrations: s.cfg.Registration.Type == "open",
			Metadata: map[string]interface{}{
				"nodeName":        s.cfg.InstanceTitle,
				"nodeDescription": s.cfg.InstanceShort,
				"federation": map[string]bool{
					"enabled": s.cfg.Federation.Enabled,
				},
			},
		}
		if version == "2.1" {
			info.Software.Repository = "https://github.com/wrenfed/wren"
		}
		w.Header().Set("Content-Type", "application/json")
		writeBody(w, info)
	}
}

// handleHealthcheck verifies database connectivity.
func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.CountLocalActors(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeBody(w, map[string]string{"status": "ok"})
}

// handleInstanceActor serves the synthetic service actor used to sign
// instance-level requests.
func (s *Server) handleInstanceActor(w http.ResponseWriter, r *http.Request) {
	origin := s.cfg.Origin()
	id := ap.InstanceActorID(origin)
	pem, err := keys.EncodePublicKeyPEM(&s.instanceKey.PublicKey)
	if err != nil {
		writeError(w, err)
		return
	}
	doc := ap.Actor{
		Context:           ap.DefaultContext,
		ID:                id,
		Type:              "Service",
		PreferredUsername: s.cfg.Hostname(),
		Inbox:             id + "/inbox",
		Outbox:            id + "/outbox",
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(id),
			Owner:        id,
			PublicKeyPem: pem,
		},
		Endpoints: &ap.Endpoints{SharedInbox: origin + "/inbox"},
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleActor serves a local actor document.
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	actor, err := s.store.GetLocalActorByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.actorDoc(actor))
}

func (s *Server) actorDoc(actor *db.Actor) *ap.Actor {
	origin := s.cfg.Origin()
	doc := &ap.Actor{
		Context:           ap.DefaultContext,
		ID:                actor.ID,
		Type:              actor.ActorType,
		Name:              actor.DisplayName,
		PreferredUsername: actor.Username,
		Summary:           actor.Summary,
		Inbox:             actor.ID + "/inbox",
		Outbox:            actor.ID + "/outbox",
		Followers:         actor.ID + "/followers",
		Following:         actor.ID + "/following",
		Subscribers:       actor.ID + "/subscribers",
		URL:               actor.ID,
		AlsoKnownAs:       ap.StringOrArray(actor.AlsoKnownAs),
		ManuallyApproves:  actor.ManuallyApproves,
		Attachment:        actor.Attachments,
		PublicKey: &ap.PublicKey{
			ID:           ap.KeyID(actor.ID),
			Owner:        actor.ID,
			PublicKeyPem: actor.PublicKeyPEM,
		},
		Endpoints: &ap.Endpoints{SharedInbox: origin + "/inbox"},
	}
	if actor.IconURL != "" {
		doc.Icon = &ap.Image{Type: "Image", URL: actor.IconURL}
	}
	if actor.ImageURL != "" {
		doc.Image = &ap.Image{Type: "Image", URL: actor.ImageURL}
	}
	return doc
}

// handleInstanceOutbox serves an empty collection; remote software
// probes the service actor's outbox during discovery.
func (s *Server) handleInstanceOutbox(w http.ResponseWriter, r *http.Request) {
	id := ap.InstanceActorID(s.cfg.Origin()) + "/outbox"
	writeJSON(w, http.StatusOK, ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           id,
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	})
}

// handleInbox accepts POSTed activities on the shared and per-actor
// inboxes.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Federation.Enabled {
		http.Error(w, "federation is disabled", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInboxBody))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.receiver.Receive(r.Context(), r, body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleUserInbox answers GETs on a personal inbox. The contents are
// private, so any reader only ever sees an empty collection.
func (s *Server) handleUserInbox(w http.ResponseWriter, r *http.Request) {
	actor, err := s.store.GetLocalActorByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap.OrderedCollection{
		Context:      ap.DefaultContext,
		ID:           actor.ID + "/inbox",
		Type:         "OrderedCollection",
		TotalItems:   0,
		OrderedItems: []interface{}{},
	})
}

// handleOutbox serves a local actor's public posts as an
// OrderedCollection of Create activities.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	actor, err := s.store.GetLocalActorByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	collectionID := actor.ID + "/outbox"

	page, ok := pageParam(r)
	if !ok {
		total, err := s.store.CountPostsByAuthor(r.Context(), actor.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collectionID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collectionID + "?page=1",
		})
		return
	}

	posts, err := s.store.ListPostsByAuthor(r.Context(), actor.ID, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]interface{}, 0, len(posts))
	for _, p := range posts {
		obj := s.objectDoc(p)
		activity := ap.BuildCreate(s.cfg.Origin(), actor.ID, obj)
		activity.Context = nil
		items = append(items, activity)
	}

	out := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", collectionID, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionID,
		OrderedItems: items,
	}
	if len(posts) == collectionPageSize {
		out.Next = fmt.Sprintf("%s?page=%d", collectionID, page+1)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFollowers(w http.ResponseWriter, r *http.Request) {
	s.handleActorCollection(w, r, "followers",
		s.store.CountFollowers, s.store.ListFollowers)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	s.handleActorCollection(w, r, "following",
		s.store.CountFollowing, s.store.ListFollowing)
}

// handleSubscribers serves totals only; the subscriber list itself is
// private.
func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	actor, err := s.store.GetLocalActorByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	subscribers, err := s.store.ListSubscribers(r.Context(), actor.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap.OrderedCollection{
		Context:    ap.DefaultContext,
		ID:         actor.ID + "/subscribers",
		Type:       "OrderedCollection",
		TotalItems: len(subscribers),
	})
}

func (s *Server) handleActorCollection(
	w http.ResponseWriter, r *http.Request, name string,
	count func(ctx context.Context, id string) (int, error),
	list func(ctx context.Context, id string, limit, offset int) ([]string, error),
) {
	actor, err := s.store.GetLocalActorByUsername(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		writeError(w, err)
		return
	}
	collectionID := actor.ID + "/" + name

	page, ok := pageParam(r)
	if !ok {
		total, err := count(r.Context(), actor.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ap.OrderedCollection{
			Context:    ap.DefaultContext,
			ID:         collectionID,
			Type:       "OrderedCollection",
			TotalItems: total,
			First:      collectionID + "?page=1",
		})
		return
	}

	ids, err := list(r.Context(), actor.ID, collectionPageSize, (page-1)*collectionPageSize)
	if err != nil {
		writeError(w, err)
		return
	}
	out := ap.OrderedCollectionPage{
		Context:      ap.DefaultContext,
		ID:           fmt.Sprintf("%s?page=%d", collectionID, page),
		Type:         "OrderedCollectionPage",
		PartOf:       collectionID,
		OrderedItems: ids,
	}
	if len(ids) == collectionPageSize {
		out.Next = fmt.Sprintf("%s?page=%d", collectionID, page+1)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleObject serves a local post document. Only public posts are
// served without authentication; deleted ones answer with a
// Tombstone.
func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	id := ap.LocalObjectID(s.cfg.Origin(), chi.URLParam(r, "uuid"))

	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		s.maybeTombstone(w, r, id, err)
		return
	}
	if err := s.authorizeObject(r, post); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.objectDoc(post))
}

// handleObjectActivity serves the Create wrapping a local post.
func (s *Server) handleObjectActivity(w http.ResponseWriter, r *http.Request) {
	id := ap.LocalObjectID(s.cfg.Origin(), chi.URLParam(r, "uuid"))

	post, err := s.store.GetPost(r.Context(), id)
	if err != nil {
		s.maybeTombstone(w, r, id, err)
		return
	}
	if err := s.authorizeObject(r, post); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ap.BuildCreate(s.cfg.Origin(), post.AuthorID, s.objectDoc(post)))
}

// authorizeObject decides whether a request may read a post: public
// posts always, others only for a signed request from an addressed
// actor (a mentioned actor, or a follower or subscriber of the author
// for the matching visibility).
func (s *Server) authorizeObject(r *http.Request, post *db.Post) error {
	if post.Visibility == db.VisibilityPublic {
		return nil
	}
	verification, err := httpsig.Parse(r)
	if err != nil {
		return fmt.Errorf("%w: object is not public", ap.ErrForbidden)
	}
	signer, err := s.fetcher.ResolveByURL(r.Context(), verification.ActorID)
	if err != nil {
		return fmt.Errorf("resolve requester: %w", err)
	}
	pub, err := keys.ParsePublicKeyPEM(signer.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("%w: requester has no usable key", ap.ErrUnauthorized)
	}
	if err := httpsig.VerifyRequest(r, pub); err != nil {
		return err
	}

	if slices.Contains(post.Mentions, signer.ID) {
		return nil
	}
	var rel string
	switch post.Visibility {
	case db.VisibilityFollowers:
		rel = db.RelFollow
	case db.VisibilitySubscribers:
		rel = db.RelSubscription
	default:
		return fmt.Errorf("%w: not addressed", ap.ErrForbidden)
	}
	ok, err := s.store.HasRelationship(r.Context(), signer.ID, post.AuthorID, rel)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: not addressed", ap.ErrForbidden)
	}
	return nil
}

func (s *Server) maybeTombstone(w http.ResponseWriter, r *http.Request, id string, lookupErr error) {
	deleted, terr := s.store.HasTombstone(r.Context(), id)
	if terr == nil && deleted {
		writeJSON(w, http.StatusGone, ap.Tombstone{
			Context: ap.DefaultContext,
			ID:      id,
			Type:    "Tombstone",
		})
		return
	}
	writeError(w, lookupErr)
}

// objectDoc converts a stored post to its wire form.
func (s *Server) objectDoc(post *db.Post) *ap.Object {
	obj := &ap.Object{
		ID:           post.ID,
		Type:         "Note",
		AttributedTo: post.AuthorID,
		Content:      post.Content,
		Summary:      post.Summary,
		Sensitive:    post.Sensitive,
		InReplyTo:    post.InReplyTo,
		URL:          post.URL,
		Published:    post.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch post.Visibility {
	case db.VisibilityPublic:
		obj.To = ap.StringOrArray{ap.PublicURI}
		obj.CC = ap.StringOrArray{post.AuthorID + "/followers"}
	case db.VisibilityFollowers:
		obj.To = ap.StringOrArray{post.AuthorID + "/followers"}
	case db.VisibilitySubscribers:
		obj.To = ap.StringOrArray{post.AuthorID + "/subscribers"}
	}
	for _, m := range post.Mentions {
		obj.To = append(obj.To, m)
		obj.Tag = append(obj.Tag, ap.Tag{Type: "Mention", Href: m})
	}
	for _, h := range post.Hashtags {
		obj.Tag = append(obj.Tag, ap.Tag{Type: "Hashtag", Name: "#" + h, Href: s.cfg.BaseURL("/tags/" + h)})
	}
	for _, l := range post.Links {
		obj.Tag = append(obj.Tag, ap.Tag{Type: "Link", Href: l, MediaType: ap.ObjectLinkMediaType})
	}
	for _, a := range post.Attachments {
		obj.Attachment = append(obj.Attachment, ap.Attachment{
			Type:      "Document",
			URL:       a.URL,
			MediaType: a.MediaType,
		})
	}
	return obj
}

// handleMedia serves an uploaded file by its content-addressed name.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	path, err := s.media.Path(chi.URLParam(r, "file"))
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, path)
}

// writeBody encodes v after the caller set the content type.
func writeBody(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func pageParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("page")
	if raw == "" {
		return 0, false
	}
	page, err := strconv.Atoi(raw)
	if err != nil || page < 1 {
		return 1, true
	}
	return page, true
}

// Package inbox authenticates and processes activities received from
// other instances.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/httpsig"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/proof"
)

// maxFetchDepth bounds how many referenced objects one inbound
// activity may pull in (reply chains, announced objects).
const maxFetchDepth = 3

// maxDeferredAttempts is how often a deferred activity is retried
// before it is dropped.
const maxDeferredAttempts = 5

// Outbound enqueues activities generated while processing inbound
// ones, such as the Accept answering a Follow.
type Outbound interface {
	DeliverToInbox(ctx context.Context, sender *db.Actor, activity *ap.Activity, inbox string) error
}

// Receiver runs the inbound processing pipeline: authenticate, check
// idempotency, dispatch to the per-type handler.
type Receiver struct {
	cfg      *config.Config
	store    *db.Store
	fetcher  *fetcher.Fetcher
	outbound Outbound
}

// New builds a Receiver.
func New(cfg *config.Config, store *db.Store, f *fetcher.Fetcher, outbound Outbound) *Receiver {
	return &Receiver{cfg: cfg, store: store, fetcher: f, outbound: outbound}
}

// Receive processes one POSTed activity. The request is needed for
// HTTP signature verification. A nil error means the activity was
// accepted; it may still be processed asynchronously.
func (r *Receiver) Receive(ctx context.Context, req *http.Request, body []byte) error {
	var activity ap.IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return ap.Validation("body", "malformed activity: %v", err)
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		return ap.Validation("activity", "missing id, type or actor")
	}

	actorHost := ap.Hostname(activity.Actor)
	if r.cfg.IsBlockedInstance(actorHost) {
		return fmt.Errorf("%w: instance %s is blocked", ap.ErrForbidden, actorHost)
	}
	if ap.IsLocalID(activity.Actor, r.cfg.Origin()) {
		return ap.Validation("actor", "remote activity claims a local actor")
	}
	// The activity must originate from its actor's server. Forwarded
	// activities are re-fetched from their origin below.
	if ap.Hostname(activity.ID) != actorHost {
		refetched, raw, err := r.fetcher.FetchActivity(ctx, activity.ID)
		if err != nil {
			return fmt.Errorf("verify forwarded activity: %w", err)
		}
		if ap.Hostname(refetched.Actor) != ap.Hostname(refetched.ID) {
			return ap.Validation("actor", "activity %s not owned by its origin", activity.ID)
		}
		activity = *refetched
		body = raw
		if _, err := r.fetcher.ResolveByURL(ctx, activity.Actor); err != nil {
			return err
		}
		return r.process(ctx, &activity, activity.Actor)
	}

	signerID, err := r.authenticate(ctx, req, body, &activity)
	if err != nil {
		return err
	}
	// A signer from another server may deliver someone else's activity
	// (relay style) only if the activity itself was verified by proof.
	if signerID != activity.Actor && ap.Hostname(signerID) != actorHost {
		if _, err := r.verifyProof(ctx, body, &activity); err != nil {
			return fmt.Errorf("%w: signer %s cannot vouch for %s", ap.ErrUnauthorized, signerID, activity.Actor)
		}
	}

	return r.process(ctx, &activity, signerID)
}

func (r *Receiver) process(ctx context.Context, activity *ap.IncomingActivity, signerID string) error {
	fresh, err := r.store.MarkProcessed(ctx, activity.ID, activity.Type)
	if err != nil {
		return err
	}
	if !fresh {
		slog.Debug("duplicate activity ignored", "activity", activity.ID, "type", activity.Type)
		return nil
	}

	err = r.dispatch(ctx, activity, signerID)
	if errors.Is(err, ap.ErrNotFound) && deferrable(activity.Type) {
		// The referenced object may simply not have arrived yet.
		raw, merr := json.Marshal(activity)
		if merr != nil {
			err = merr
		} else {
			slog.Info("deferring activity", "activity", activity.ID, "type", activity.Type)
			if err = r.store.EnqueueIncoming(ctx, string(raw), signerID); err == nil {
				return nil
			}
		}
	}
	if err != nil {
		// The sender retries failed deliveries; forget this attempt so
		// the retry is not dropped as a duplicate.
		if uerr := r.store.UnmarkProcessed(ctx, activity.ID, activity.Type); uerr != nil {
			slog.Error("could not unmark failed activity", "activity", activity.ID, "error", uerr)
		}
	}
	return err
}

// deferrable lists activity types that reference earlier activities
// and so can legitimately arrive out of order.
func deferrable(activityType string) bool {
	switch activityType {
	case "Undo", "Delete", "Like", "Announce", "Accept", "Reject":
		return true
	}
	return false
}

// ProcessDeferred retries one deferred activity from the queue. It
// returns true when the job is finished (processed or dropped).
func (r *Receiver) ProcessDeferred(ctx context.Context, job *db.IncomingActivity) (bool, error) {
	var activity ap.IncomingActivity
	if err := json.Unmarshal([]byte(job.Raw), &activity); err != nil {
		return true, r.store.CompleteIncoming(ctx, job.ID)
	}

	err := r.dispatch(ctx, &activity, job.SignerID)
	if err == nil {
		return true, r.store.CompleteIncoming(ctx, job.ID)
	}
	if errors.Is(err, ap.ErrNotFound) {
		attempts, rerr := r.store.RetryIncoming(ctx, job.ID)
		if rerr != nil {
			return false, rerr
		}
		if attempts >= maxDeferredAttempts {
			slog.Info("dropping deferred activity", "activity", activity.ID, "attempts", attempts)
			return true, r.store.CompleteIncoming(ctx, job.ID)
		}
		return false, nil
	}
	// Permanent failure, drop the job.
	slog.Warn("deferred activity failed", "activity", activity.ID, "error", err)
	return true, r.store.CompleteIncoming(ctx, job.ID)
}

// authenticate verifies the HTTP signature or, failing that, an
// embedded document proof. It returns the authenticated signer's
// actor ID.
func (r *Receiver) authenticate(ctx context.Context, req *http.Request, body []byte, activity *ap.IncomingActivity) (string, error) {
	sigErr := error(nil)
	if req.Header.Get("Signature") != "" {
		verification, err := httpsig.Parse(req)
		if err == nil {
			signer, err := r.fetcher.ResolveByURL(ctx, verification.ActorID)
			if err != nil {
				return "", fmt.Errorf("resolve signer: %w", err)
			}
			pub, err := keys.ParsePublicKeyPEM(signer.PublicKeyPEM)
			if err != nil {
				return "", fmt.Errorf("%w: signer has no usable key", ap.ErrUnauthorized)
			}
			if err := httpsig.VerifyRequest(req, pub); err == nil {
				return signer.ID, nil
			}
			// The signer may have rotated keys; refetch once and retry.
			refreshed, rerr := r.fetcher.ResolveByURL(ctx, verification.ActorID)
			if rerr == nil && refreshed.PublicKeyPEM != signer.PublicKeyPEM {
				if pub, perr := keys.ParsePublicKeyPEM(refreshed.PublicKeyPEM); perr == nil {
					if err := httpsig.VerifyRequest(req, pub); err == nil {
						return refreshed.ID, nil
					}
				}
			}
			sigErr = fmt.Errorf("%w: http signature verification failed", ap.ErrUnauthorized)
		} else {
			sigErr = err
		}
	}

	if len(activity.Proof) > 0 {
		signerID, err := r.verifyProof(ctx, body, activity)
		if err == nil {
			return signerID, nil
		}
		if sigErr == nil {
			sigErr = err
		}
	}

	if sigErr != nil {
		return "", sigErr
	}
	return "", fmt.Errorf("%w: no signature or proof", ap.ErrUnauthorized)
}

// verifyProof checks the activity's embedded document proof and
// returns the proven signer.
func (r *Receiver) verifyProof(ctx context.Context, body []byte, activity *ap.IncomingActivity) (string, error) {
	p, err := proof.ParseRaw(activity.Proof)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", fmt.Errorf("%w: no proof", ap.ErrUnauthorized)
	}
	// did:key and did:web verification methods cannot be resolved to a
	// cached actor key, so such proofs are refused outright.
	if strings.HasPrefix(p.VerificationMethod, "did:") {
		return "", fmt.Errorf("%w: did verification methods are not resolvable", ap.ErrUnauthorized)
	}
	signerID := ap.ActorIDFromKeyID(p.VerificationMethod)
	if signerID != activity.Actor {
		return "", fmt.Errorf("%w: proof signer %s is not the activity actor", ap.ErrUnauthorized, signerID)
	}
	signer, err := r.fetcher.ResolveByURL(ctx, signerID)
	if err != nil {
		return "", fmt.Errorf("resolve proof signer: %w", err)
	}
	pub, err := keys.ParsePublicKeyPEM(signer.PublicKeyPEM)
	if err != nil {
		return "", fmt.Errorf("%w: proof signer has no usable key", ap.ErrUnauthorized)
	}
	if err := proof.Verify(body, p, pub); err != nil {
		return "", err
	}
	return signer.ID, nil
}

func (r *Receiver) dispatch(ctx context.Context, activity *ap.IncomingActivity, signerID string) error {
	switch activity.Type {
	case "Create":
		return r.handleCreate(ctx, activity)
	case "Update":
		return r.handleUpdate(ctx, activity)
	case "Delete":
		return r.handleDelete(ctx, activity)
	case "Follow":
		return r.handleFollow(ctx, activity)
	case "Accept":
		return r.handleAccept(ctx, activity)
	case "Reject":
		return r.handleReject(ctx, activity)
	case "Undo":
		return r.handleUndo(ctx, activity)
	case "Like", "EmojiReact":
		return r.handleLike(ctx, activity)
	case "Announce":
		return r.handleAnnounce(ctx, activity)
	case "Move":
		return r.handleMove(ctx, activity)
	case "Add":
		return r.handleAdd(ctx, activity)
	case "Remove":
		return r.handleRemove(ctx, activity)
	default:
		slog.Debug("ignoring unsupported activity type", "type", activity.Type, "activity", activity.ID)
		return nil
	}
}

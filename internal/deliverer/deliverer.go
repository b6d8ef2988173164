// Package deliverer fans activities out to remote inboxes and drives
// the persistent delivery queue with signed POSTs and retries.
package deliverer

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/fetcher"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/proof"
)

// defaultWorkers is how many delivery workers drain the queue. Jobs
// are sharded by inbox so per-inbox ordering holds.
const defaultWorkers = 8

// Deliverer owns outbound federation: recipient expansion, document
// proofs, queueing, and the delivery executor.
type Deliverer struct {
	cfg         *config.Config
	store       *db.Store
	fetcher     *fetcher.Fetcher
	instanceKey *rsa.PrivateKey

	client      *http.Client
	onionClient *http.Client
	i2pClient   *http.Client

	workers int
}

// New builds a Deliverer signing fallback requests with the instance
// key.
func New(cfg *config.Config, store *db.Store, f *fetcher.Fetcher, instanceKey *rsa.PrivateKey) *Deliverer {
	timeout := cfg.DelivererTimeout()
	d := &Deliverer{
		cfg:         cfg,
		store:       store,
		fetcher:     f,
		instanceKey: instanceKey,
		client:      newClient(cfg.Federation.ProxyURL, timeout),
		workers:     defaultWorkers,
	}
	if cfg.Federation.OnionProxyURL != "" {
		d.onionClient = newClient(cfg.Federation.OnionProxyURL, timeout)
	}
	if cfg.Federation.I2PProxyURL != "" {
		d.i2pClient = newClient(cfg.Federation.I2PProxyURL, timeout)
	}
	return d
}

func newClient(proxyURL string, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:    20,
		IdleConnTimeout: 90 * time.Second,
	}
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// Publish expands the audience for an activity and enqueues one
// delivery per distinct inbox. Public and followers-addressed
// activities carry an embedded document proof so recipients can
// forward them verifiably.
func (d *Deliverer) Publish(ctx context.Context, sender *db.Actor, activity *ap.Activity, visibility string, mentioned []string) error {
	if !d.cfg.Federation.Enabled {
		return nil
	}
	inboxes, err := d.expandRecipients(ctx, sender, visibility, mentioned)
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		return nil
	}

	payload, err := d.signActivity(sender, activity, visibility != db.VisibilityDirect)
	if err != nil {
		return err
	}

	n, err := d.store.EnqueueOutgoing(ctx, sender.ID, activity.ID, string(payload), inboxes)
	if err != nil {
		return err
	}
	slog.Info("enqueued deliveries", "activity", activity.ID, "type", activity.Type, "inboxes", n)
	return nil
}

// DeliverToInbox enqueues a single-inbox delivery, used for direct
// responses like Accept(Follow).
func (d *Deliverer) DeliverToInbox(ctx context.Context, sender *db.Actor, activity *ap.Activity, inbox string) error {
	if !d.cfg.Federation.Enabled {
		return nil
	}
	payload, err := d.signActivity(sender, activity, false)
	if err != nil {
		return err
	}
	_, err = d.store.EnqueueOutgoing(ctx, sender.ID, activity.ID, string(payload), []string{inbox})
	return err
}

// PublishAccountDelete fans a Delete(Person) out to everyone who knew
// the account: followers and followed alike.
func (d *Deliverer) PublishAccountDelete(ctx context.Context, sender *db.Actor, activity *ap.Activity) error {
	if !d.cfg.Federation.Enabled {
		return nil
	}
	followers, err := d.store.ListFollowers(ctx, sender.ID, 10000, 0)
	if err != nil {
		return err
	}
	following, err := d.store.ListFollowing(ctx, sender.ID, 10000, 0)
	if err != nil {
		return err
	}

	inboxes, err := d.inboxesFor(ctx, append(followers, following...))
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		return nil
	}
	// The actor's key dies with the account; the executor signs these
	// requests with the instance key.
	payload, err := json.Marshal(activity)
	if err != nil {
		return err
	}
	_, err = d.store.EnqueueOutgoing(ctx, ap.InstanceActorID(d.cfg.Origin()), activity.ID, string(payload), inboxes)
	return err
}

// signActivity marshals the activity, embedding a document proof when
// the payload may be forwarded beyond its first recipient.
func (d *Deliverer) signActivity(sender *db.Actor, activity *ap.Activity, forwardable bool) ([]byte, error) {
	payload, err := json.Marshal(activity)
	if err != nil {
		return nil, fmt.Errorf("marshal activity: %w", err)
	}
	if !forwardable || sender.PrivateKeyPEM == "" {
		return payload, nil
	}
	key, err := keys.ParsePrivateKeyPEM(sender.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse sender key: %w", err)
	}
	p, err := proof.Create(payload, key, ap.KeyID(sender.ID))
	if err != nil {
		return nil, fmt.Errorf("create document proof: %w", err)
	}
	return proof.Attach(payload, p)
}

// expandRecipients resolves the delivery audience to a deduplicated
// inbox list.
func (d *Deliverer) expandRecipients(ctx context.Context, sender *db.Actor, visibility string, mentioned []string) ([]string, error) {
	var recipients []string
	switch visibility {
	case db.VisibilityPublic, db.VisibilityFollowers:
		followers, err := d.store.ListFollowers(ctx, sender.ID, 10000, 0)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, followers...)
	case db.VisibilitySubscribers:
		subscribers, err := d.store.ListSubscribers(ctx, sender.ID)
		if err != nil {
			return nil, err
		}
		// No subscribers means nobody receives the post.
		recipients = append(recipients, subscribers...)
	case db.VisibilityDirect:
		// Mentions only.
	default:
		return nil, ap.Validation("visibility", "unknown visibility %q", visibility)
	}
	recipients = append(recipients, mentioned...)
	return d.inboxesFor(ctx, recipients)
}

// inboxesFor maps actor IDs to distinct inbox URLs, preferring shared
// inboxes and dropping local, blocked and rejecting destinations.
func (d *Deliverer) inboxesFor(ctx context.Context, actorIDs []string) ([]string, error) {
	seen := make(map[string]struct{}, len(actorIDs))
	var inboxes []string
	for _, id := range actorIDs {
		if ap.IsLocalID(id, d.cfg.Origin()) {
			continue
		}
		if d.cfg.IsBlockedInstance(ap.Hostname(id)) {
			continue
		}
		actor, err := d.fetcher.ResolveByURL(ctx, id)
		if err != nil {
			slog.Debug("skipping unresolvable recipient", "actor", id, "error", err)
			continue
		}
		inbox := actor.PreferredInbox()
		if inbox == "" {
			continue
		}
		if _, dup := seen[inbox]; dup {
			continue
		}
		rejecting, err := d.store.IsInboxRejecting(ctx, inbox)
		if err != nil {
			return nil, err
		}
		if rejecting {
			continue
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, nil
}

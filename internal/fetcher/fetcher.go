// Package fetcher resolves remote actors and objects: WebFinger
// address lookups, signed document fetches, and the local actor cache
// with its freshness and reachability tracking.
package fetcher

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/config"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/httpsig"
	"github.com/wrenfed/wren/internal/keys"
	"github.com/wrenfed/wren/internal/sanitize"
)

// actorCacheTTL is how long a cached remote actor stays fresh before a
// resolve triggers a refetch.
const actorCacheTTL = 24 * time.Hour

// maxResponseSize caps fetched document bodies.
const maxResponseSize = 2 << 20

// unreachableThreshold is the failure count after which resolves stop
// hitting the network and serve only the cached profile.
const unreachableThreshold = 5

const acceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`

// Fetcher performs authenticated fetches of remote documents. All
// outbound requests are signed with the instance key so servers in
// authorized-fetch mode answer them.
type Fetcher struct {
	cfg   *config.Config
	store *db.Store
	key   *rsa.PrivateKey
	keyID string

	client      *http.Client
	onionClient *http.Client
	i2pClient   *http.Client

	cacheTTL time.Duration
	group    singleflight.Group
}

// New builds a Fetcher signing with the instance actor's key.
func New(cfg *config.Config, store *db.Store, instanceKey *rsa.PrivateKey) *Fetcher {
	timeout := cfg.FetcherTimeout()
	f := &Fetcher{
		cfg:    cfg,
		store:  store,
		key:    instanceKey,
		keyID:  ap.KeyID(ap.InstanceActorID(cfg.Origin())),
		client: newClient(cfg.Federation.ProxyURL, timeout),

		cacheTTL: actorCacheTTL,
	}
	if cfg.Federation.OnionProxyURL != "" {
		f.onionClient = newClient(cfg.Federation.OnionProxyURL, timeout)
	}
	if cfg.Federation.I2PProxyURL != "" {
		f.i2pClient = newClient(cfg.Federation.I2PProxyURL, timeout)
	}
	return f
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

// clientFor picks the HTTP client by destination network.
func (f *Fetcher) clientFor(hostname string) *http.Client {
	switch {
	case strings.HasSuffix(hostname, ".onion") && f.onionClient != nil:
		return f.onionClient
	case strings.HasSuffix(hostname, ".i2p") && f.i2pClient != nil:
		return f.i2pClient
	default:
		return f.client
	}
}

// schemeFor returns http for overlay networks and raw IPs, which have
// no CA-issued certificates, and https everywhere else.
func schemeFor(host string) string {
	hostname := stripPort(host)
	if strings.HasSuffix(hostname, ".onion") || strings.HasSuffix(hostname, ".i2p") {
		return "http"
	}
	if net.ParseIP(hostname) != nil {
		return "http"
	}
	return "https"
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ResolveByAddress resolves a username@hostname address to an actor,
// through WebFinger for remote addresses.
func (f *Fetcher) ResolveByAddress(ctx context.Context, username, hostname string) (*db.Actor, error) {
	if hostname == "" || hostname == f.cfg.Hostname() {
		return f.store.GetLocalActorByUsername(ctx, username)
	}
	if f.cfg.IsBlockedInstance(hostname) {
		return nil, fmt.Errorf("%w: instance %s is blocked", ap.ErrForbidden, hostname)
	}

	if cached, err := f.store.GetRemoteActorByAddress(ctx, username, hostname); err == nil {
		if f.isFresh(cached) {
			return cached, nil
		}
		// Stale entries refresh by ID, skipping the WebFinger round trip.
		return f.ResolveByURL(ctx, cached.ID)
	}

	actorURL, err := f.webFinger(ctx, username, hostname)
	if err != nil {
		return nil, err
	}
	actor, err := f.ResolveByURL(ctx, actorURL)
	if err != nil {
		return nil, err
	}
	// The WebFinger host must own the actor it pointed at.
	if !sameHost(actor.Hostname, hostname) {
		return nil, ap.Validation("actor", "webfinger host %s returned actor on %s", hostname, actor.Hostname)
	}
	return actor, nil
}

// ResolveByURL resolves an actor ID to a stored actor, fetching and
// caching the document when the cache is stale or empty. Concurrent
// resolves of the same ID share one fetch.
func (f *Fetcher) ResolveByURL(ctx context.Context, id string) (*db.Actor, error) {
	if ap.IsLocalID(id, f.cfg.Origin()) {
		actor, err := f.store.GetActorByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return actor, nil
	}

	hostname := ap.Hostname(id)
	if f.cfg.IsBlockedInstance(hostname) {
		return nil, fmt.Errorf("%w: instance %s is blocked", ap.ErrForbidden, hostname)
	}

	cached, cacheErr := f.store.GetActorByID(ctx, id)
	if cacheErr == nil && f.isFresh(cached) {
		return cached, nil
	}
	if cached != nil && cached.FailureCount >= unreachableThreshold {
		return cached, nil
	}

	v, err, _ := f.group.Do(id, func() (any, error) {
		return f.fetchAndStoreActor(ctx, id, cached)
	})
	if err != nil {
		// Serve the stale profile when the origin is down.
		if cached != nil && (errors.Is(err, ap.ErrFetchFailed)) {
			return cached, nil
		}
		return nil, err
	}
	return v.(*db.Actor), nil
}

func (f *Fetcher) isFresh(a *db.Actor) bool {
	return !a.FetchedAt.IsZero() && time.Since(a.FetchedAt) < f.cacheTTL
}

func (f *Fetcher) fetchAndStoreActor(ctx context.Context, id string, cached *db.Actor) (*db.Actor, error) {
	body, err := f.get(ctx, id)
	if err != nil {
		if cached != nil && !errors.Is(err, ap.ErrGone) {
			if _, ferr := f.store.RecordFetchFailure(ctx, id); ferr != nil {
				slog.Warn("failed to record fetch failure", "actor", id, "error", ferr)
			}
		}
		if errors.Is(err, ap.ErrGone) {
			// The account is gone; the caller decides whether to purge.
			return nil, ap.ErrGone
		}
		return nil, err
	}

	var doc ap.Actor
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, ap.Validation("actor", "malformed actor document: %v", err)
	}
	actor, err := f.validateActorDoc(&doc, id, body)
	if err != nil {
		return nil, err
	}

	previousKey, err := f.store.UpsertRemoteActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if previousKey != "" {
		oldFP, _ := keys.Fingerprint(previousKey)
		newFP, _ := keys.Fingerprint(actor.PublicKeyPEM)
		slog.Warn("remote actor key changed",
			"actor", actor.ID, "old_fingerprint", oldFP, "new_fingerprint", newFP)
	}
	return actor, nil
}

// validateActorDoc checks a fetched actor document and converts it to
// the stored form.
func (f *Fetcher) validateActorDoc(doc *ap.Actor, requestedID string, raw []byte) (*db.Actor, error) {
	if doc.ID == "" {
		return nil, ap.Validation("id", "actor document has no id")
	}
	// After redirects the final document must still live on the host it
	// was requested from.
	if !sameHost(ap.Hostname(doc.ID), ap.Hostname(requestedID)) {
		return nil, ap.Validation("id", "document id %s does not match fetched host", doc.ID)
	}
	if !ap.IsActorType(doc.Type) {
		return nil, ap.Validation("type", "unexpected actor type %q", doc.Type)
	}
	if doc.PreferredUsername == "" {
		return nil, ap.Validation("preferredUsername", "missing preferredUsername")
	}
	if doc.Inbox == "" {
		return nil, ap.Validation("inbox", "missing inbox")
	}
	if doc.PublicKey == nil || doc.PublicKey.PublicKeyPem == "" {
		return nil, ap.Validation("publicKey", "missing public key")
	}
	if _, err := keys.ParsePublicKeyPEM(doc.PublicKey.PublicKeyPem); err != nil {
		return nil, ap.Validation("publicKey", "unparseable public key: %v", err)
	}

	actor := &db.Actor{
		ID:               doc.ID,
		Username:         doc.PreferredUsername,
		Hostname:         ap.Hostname(doc.ID),
		ActorType:        doc.Type,
		DisplayName:      sanitize.Text(doc.Name),
		Summary:          sanitize.HTML(doc.Summary),
		PublicKeyPEM:     doc.PublicKey.PublicKeyPem,
		Inbox:            doc.Inbox,
		Outbox:           doc.Outbox,
		FollowersURL:     doc.Followers,
		FollowingURL:     doc.Following,
		SubscribersURL:   doc.Subscribers,
		URL:              doc.URL,
		AlsoKnownAs:      []string(doc.AlsoKnownAs),
		Attachments:      doc.Attachment,
		ManuallyApproves: doc.ManuallyApproves,
		RawJSON:          string(raw),
	}
	if doc.Endpoints != nil {
		actor.SharedInbox = doc.Endpoints.SharedInbox
	}
	if doc.Icon != nil {
		actor.IconURL = doc.Icon.URL
	}
	if doc.Image != nil {
		actor.ImageURL = doc.Image.URL
	}
	return actor, nil
}

// IngestActorDocument validates and stores an actor document that
// arrived inline, such as the object of an Update(Person).
func (f *Fetcher) IngestActorDocument(ctx context.Context, raw []byte, expectedID string) (*db.Actor, error) {
	var doc ap.Actor
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, ap.Validation("actor", "malformed actor document: %v", err)
	}
	if doc.ID != expectedID {
		return nil, ap.Validation("id", "document id %s does not match %s", doc.ID, expectedID)
	}
	actor, err := f.validateActorDoc(&doc, doc.ID, raw)
	if err != nil {
		return nil, err
	}
	previousKey, err := f.store.UpsertRemoteActor(ctx, actor)
	if err != nil {
		return nil, err
	}
	if previousKey != "" {
		oldFP, _ := keys.Fingerprint(previousKey)
		newFP, _ := keys.Fingerprint(actor.PublicKeyPEM)
		slog.Warn("remote actor key changed",
			"actor", actor.ID, "old_fingerprint", oldFP, "new_fingerprint", newFP)
	}
	return actor, nil
}

// FetchObject fetches a remote object document, validating that the
// final document's id matches the host it was fetched from.
func (f *Fetcher) FetchObject(ctx context.Context, id string) (*ap.Object, error) {
	hostname := ap.Hostname(id)
	if f.cfg.IsBlockedInstance(hostname) {
		return nil, fmt.Errorf("%w: instance %s is blocked", ap.ErrForbidden, hostname)
	}
	body, err := f.get(ctx, id)
	if err != nil {
		return nil, err
	}
	var obj ap.Object
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, ap.Validation("object", "malformed object document: %v", err)
	}
	if obj.ID == "" {
		return nil, ap.Validation("id", "object document has no id")
	}
	if !sameHost(ap.Hostname(obj.ID), hostname) {
		return nil, ap.Validation("id", "object id %s does not match fetched host", obj.ID)
	}
	return &obj, nil
}

// FetchActivity fetches an activity document by ID, for verifying
// forwarded activities against their origin.
func (f *Fetcher) FetchActivity(ctx context.Context, id string) (*ap.IncomingActivity, []byte, error) {
	hostname := ap.Hostname(id)
	if f.cfg.IsBlockedInstance(hostname) {
		return nil, nil, fmt.Errorf("%w: instance %s is blocked", ap.ErrForbidden, hostname)
	}
	body, err := f.get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	var activity ap.IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		return nil, nil, ap.Validation("activity", "malformed activity document: %v", err)
	}
	if activity.ID == "" || !sameHost(ap.Hostname(activity.ID), hostname) {
		return nil, nil, ap.Validation("id", "activity id does not match fetched host")
	}
	return &activity, body, nil
}

// webFinger resolves acct:username@hostname to an actor URL.
func (f *Fetcher) webFinger(ctx context.Context, username, hostname string) (string, error) {
	endpoint := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s",
		schemeFor(hostname), hostname,
		url.QueryEscape(fmt.Sprintf("acct:%s@%s", username, hostname)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ap.ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")
	req.Header.Set("User-Agent", f.cfg.UserAgent())

	resp, err := f.clientFor(hostname).Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: webfinger %s: %v", ap.ErrFetchFailed, hostname, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("%w: no webfinger record for %s@%s", ap.ErrNotFound, username, hostname)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: webfinger %s returned %d", ap.ErrFetchFailed, hostname, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("%w: read webfinger response: %v", ap.ErrFetchFailed, err)
	}
	var jrd ap.WebFingerResponse
	if err := json.Unmarshal(body, &jrd); err != nil {
		return "", ap.Validation("webfinger", "malformed JRD document: %v", err)
	}
	for _, link := range jrd.Links {
		if link.Rel == "self" && isActivityJSON(link.Type) {
			return link.Href, nil
		}
	}
	return "", fmt.Errorf("%w: webfinger record has no actor link", ap.ErrNotFound)
}

// get performs a signed GET and returns the response body. 404 maps to
// ErrNotFound, 410 to ErrGone, everything else non-2xx to
// ErrFetchFailed.
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ap.ErrFetchFailed, err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", f.cfg.UserAgent())
	if err := httpsig.SignRequest(req, nil, f.key, f.keyID); err != nil {
		return nil, fmt.Errorf("sign fetch: %w", err)
	}

	resp, err := f.clientFor(req.URL.Hostname()).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ap.ErrFetchFailed, rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ap.ErrNotFound, rawURL)
	case resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ap.ErrGone, rawURL)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: GET %s returned %d", ap.ErrFetchFailed, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ap.ErrFetchFailed, rawURL, err)
	}
	return body, nil
}

// RetryUnreachable probes actors marked unreachable and clears the
// flag for any that answer again.
func (f *Fetcher) RetryUnreachable(ctx context.Context, limit int) error {
	actors, err := f.store.UnreachableActors(ctx, limit)
	if err != nil {
		return err
	}
	for _, a := range actors {
		if _, err := f.fetchAndStoreActor(ctx, a.ID, a); err != nil {
			slog.Debug("unreachable actor still down", "actor", a.ID, "error", err)
			continue
		}
		slog.Info("unreachable actor recovered", "actor", a.ID)
	}
	return nil
}

func isActivityJSON(contentType string) bool {
	return strings.Contains(contentType, "activity+json") ||
		strings.Contains(contentType, "ld+json")
}

func sameHost(a, b string) bool {
	return strings.EqualFold(stripPort(a), stripPort(b))
}

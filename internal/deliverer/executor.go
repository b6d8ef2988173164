package deliverer

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wrenfed/wren/internal/ap"
	"github.com/wrenfed/wren/internal/db"
	"github.com/wrenfed/wren/internal/httpsig"
	"github.com/wrenfed/wren/internal/keys"
)

// maxDeliveryAttempts is how often one delivery is tried before it is
// abandoned.
const maxDeliveryAttempts = 10

// baseRetryDelay and maxRetryDelay bound the exponential backoff
// between attempts.
const (
	baseRetryDelay = time.Minute
	maxRetryDelay  = 24 * time.Hour
)

const contentType = `application/activity+json`

// ProcessQueue delivers all currently due jobs. Jobs are sharded onto
// workers by inbox URL, so deliveries to one inbox happen in order
// even though inboxes are served concurrently.
func (d *Deliverer) ProcessQueue(ctx context.Context) error {
	jobs, err := d.store.DueOutgoing(ctx, 256)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	shards := make([][]*db.OutgoingActivity, d.workers)
	for _, job := range jobs {
		i := int(crc32.ChecksumIEEE([]byte(job.InboxURL))) % d.workers
		if i < 0 {
			i += d.workers
		}
		shards[i] = append(shards[i], job)
	}

	var wg sync.WaitGroup
	for _, shard := range shards {
		if len(shard) == 0 {
			continue
		}
		wg.Add(1)
		go func(shard []*db.OutgoingActivity) {
			defer wg.Done()
			for _, job := range shard {
				if ctx.Err() != nil {
					return
				}
				d.deliverJob(ctx, job)
			}
		}(shard)
	}
	wg.Wait()
	return nil
}

func (d *Deliverer) deliverJob(ctx context.Context, job *db.OutgoingActivity) {
	err := d.deliver(ctx, job)
	if err == nil {
		if cerr := d.store.CompleteOutgoing(ctx, job.ID); cerr != nil {
			slog.Error("failed to complete delivery", "job", job.ID, "error", cerr)
		}
		return
	}

	activityID := activityIDOf(job.Activity)

	var rej *rejectedError
	if errors.As(err, &rej) {
		slog.Warn("inbox rejected delivery",
			"inbox", job.InboxURL, "status", rej.status, "activity", activityID)
		if merr := d.store.MarkInboxRejecting(ctx, job.InboxURL, ""); merr != nil {
			slog.Error("failed to mark inbox rejecting", "inbox", job.InboxURL, "error", merr)
		}
		if aerr := d.store.AbandonOutgoing(ctx, job, activityID); aerr != nil {
			slog.Error("failed to abandon delivery", "job", job.ID, "error", aerr)
		}
		return
	}

	attempt := job.AttemptCount + 1
	if attempt >= maxDeliveryAttempts {
		slog.Warn("abandoning delivery after repeated failures",
			"inbox", job.InboxURL, "attempts", attempt, "error", err)
		if aerr := d.store.AbandonOutgoing(ctx, job, activityID); aerr != nil {
			slog.Error("failed to abandon delivery", "job", job.ID, "error", aerr)
		}
		return
	}

	next := time.Now().UTC().Add(retryDelay(attempt))
	slog.Info("delivery failed, scheduling retry",
		"inbox", job.InboxURL, "attempt", attempt, "next", next, "error", err)
	if ferr := d.store.FailOutgoing(ctx, job.ID, next, err.Error()); ferr != nil {
		slog.Error("failed to record delivery failure", "job", job.ID, "error", ferr)
	}
}

// retryDelay returns the backoff before the given attempt number, an
// exponential schedule with jitter, capped at maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 10))
	return delay + jitter
}

// rejectedError marks a permanent 4xx response from an inbox.
type rejectedError struct {
	status int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("inbox returned %d", e.status)
}

// deliver POSTs one activity to one inbox with an HTTP signature.
func (d *Deliverer) deliver(ctx context.Context, job *db.OutgoingActivity) error {
	key, keyID, err := d.signingKeyFor(ctx, job.SenderID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.InboxURL, bytes.NewReader([]byte(job.Activity)))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", d.cfg.UserAgent())
	if err := httpsig.SignRequest(req, []byte(job.Activity), key, keyID); err != nil {
		return err
	}

	resp, err := d.clientFor(req.URL.Hostname()).Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ap.ErrDeliverFailed, job.InboxURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode <= 499 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return &rejectedError{status: resp.StatusCode}
	default:
		return fmt.Errorf("%w: POST %s returned %d", ap.ErrDeliverFailed, job.InboxURL, resp.StatusCode)
	}
}

// signingKeyFor loads the sender's private key, falling back to the
// instance key when the sender is the instance actor or its key is
// gone (account deletion).
func (d *Deliverer) signingKeyFor(ctx context.Context, senderID string) (*rsa.PrivateKey, string, error) {
	if senderID == ap.InstanceActorID(d.cfg.Origin()) {
		return d.instanceKey, ap.KeyID(senderID), nil
	}
	sender, err := d.store.GetActorByID(ctx, senderID)
	if err != nil || sender.PrivateKeyPEM == "" {
		instanceID := ap.InstanceActorID(d.cfg.Origin())
		return d.instanceKey, ap.KeyID(instanceID), nil
	}
	key, err := keys.ParsePrivateKeyPEM(sender.PrivateKeyPEM)
	if err != nil {
		return nil, "", fmt.Errorf("parse sender key: %w", err)
	}
	return key, ap.KeyID(sender.ID), nil
}

func (d *Deliverer) clientFor(hostname string) *http.Client {
	switch {
	case strings.HasSuffix(hostname, ".onion") && d.onionClient != nil:
		return d.onionClient
	case strings.HasSuffix(hostname, ".i2p") && d.i2pClient != nil:
		return d.i2pClient
	default:
		return d.client
	}
}

// activityIDOf extracts the id from a queued activity payload.
func activityIDOf(payload string) string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return ""
	}
	return envelope.ID
}

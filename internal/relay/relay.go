// Package relay transfers staged files to the object store. Every file gets
// its own outcome: a failing transfer never aborts the rest of the batch.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"upload-relay/internal/logging"
	"upload-relay/internal/settle"
	"upload-relay/internal/staging"
	"upload-relay/internal/storage"
)

// ErrNoFiles is returned by the controller when no staged file survived
// verification, so there is nothing to relay.
var ErrNoFiles = errors.New("no files were saved successfully")

// Status is the outcome of one file.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Outcome is the per-file result rendered in the response.
type Outcome struct {
	Filename    string `json:"filename"`
	StagingPath string `json:"filepath"`
	Key         string `json:"key,omitempty"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Failed builds an error outcome for a file that never reached the store.
func Failed(filename, stagingPath string, err error) Outcome {
	return Outcome{
		Filename:    filename,
		StagingPath: stagingPath,
		Status:      StatusError,
		Error:       err.Error(),
	}
}

// Item is one verified staged file.
type Item struct {
	Index       int
	Filename    string
	Path        string
	ContentType string
	Size        int64
}

// Relay uploads items with bounded concurrency and per-file retries.
type Relay struct {
	store        storage.ObjectStore
	concurrency  int
	retries      uint64
	initialDelay time.Duration
}

// Option configures a Relay.
type Option func(*Relay)

// WithConcurrency bounds the number of puts in flight per request.
func WithConcurrency(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithRetry sets how many times a failed put is retried and the first delay.
func WithRetry(n int, initial time.Duration) Option {
	return func(r *Relay) {
		if n >= 0 {
			r.retries = uint64(n)
		}
		if initial > 0 {
			r.initialDelay = initial
		}
	}
}

// New returns a Relay over store. The store is shared by every request.
func New(store storage.ObjectStore, opts ...Option) *Relay {
	r := &Relay{
		store:        store,
		concurrency:  4,
		retries:      2,
		initialDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying object store.
func (r *Relay) Store() storage.ObjectStore {
	return r.store
}

// ObjectKey derives the remote key of a file. With a correlation ID the key is
// "<correlationID>/<index>_<filename>", otherwise the bare filename.
func ObjectKey(correlationID string, index int, filename string) string {
	name := staging.SanitizeFilename(filename)
	if correlationID == "" {
		return name
	}
	return staging.SanitizeFilename(correlationID) + "/" + strconv.Itoa(index) + "_" + name
}

// Send uploads every item and returns one outcome per item in input order.
func (r *Relay) Send(ctx context.Context, correlationID string, items []Item) []Outcome {
	results := settle.Each(ctx, items, r.concurrency, func(ctx context.Context, _ int, it Item) (string, error) {
		key := ObjectKey(correlationID, it.Index, it.Filename)
		return key, r.put(ctx, key, it, correlationID)
	})

	outcomes := make([]Outcome, len(items))
	for i, res := range results {
		it := items[i]
		o := Outcome{
			Filename:    it.Filename,
			StagingPath: it.Path,
			Key:         res.Value,
			Status:      StatusSuccess,
		}
		if res.Err != nil {
			o.Status = StatusError
			o.Error = res.Err.Error()
			logging.Warn("relay_put_failed", logging.Fields{
				"key":            res.Value,
				"correlation_id": correlationID,
				"bucket":         r.store.Bucket(),
			}, res.Err)
		}
		outcomes[i] = o
	}
	return outcomes
}

func (r *Relay) put(ctx context.Context, key string, it Item, correlationID string) error {
	opts := storage.PutOptions{
		ContentType: it.ContentType,
		// Header-borne metadata must stay ASCII.
		Metadata: map[string]string{"original-filename": url.PathEscape(it.Filename)},
	}
	if correlationID != "" {
		opts.Metadata["correlation-id"] = url.PathEscape(correlationID)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initialDelay
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.retries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := r.store.PutFile(ctx, key, it.Path, opts)
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrCircuitOpen) || errors.Is(err, storage.ErrTooManyRequests) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logging.Debug("relay_put_retry", logging.Fields{
			"key":     key,
			"attempt": attempt,
			"wait":    wait.String(),
			"error":   err.Error(),
		})
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Summary counts outcomes by status.
func Summary(outcomes []Outcome) (succeeded, failed int) {
	for _, o := range outcomes {
		if o.Status == StatusSuccess {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

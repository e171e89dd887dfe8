// Package webhook delivers accepted messages to the configured endpoint as
// JSON POST requests, isolating SMTP ingestion from downstream health with
// retry and a circuit breaker.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/maillaser/maillaser/internal/email"
)

// circuitState is the three-state breaker gating outbound requests.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// baseRetryDelay is the initial delay for exponential backoff; the i-th
// retry sleeps baseRetryDelay << (i-1).
const baseRetryDelay = 100 * time.Millisecond

// inboxSize bounds the delivery queue. Sessions never block on a full inbox;
// the overflowing message is dropped and counted as failed.
const inboxSize = 1024

// Options configures a Forwarder.
type Options struct {
	// URL is the webhook endpoint.
	URL string

	// UserAgent is sent with every request, e.g. "MailLaser/1.2.0".
	UserAgent string

	// Timeout bounds each individual HTTP attempt.
	Timeout time.Duration

	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// CircuitThreshold consecutive failed deliveries open the circuit;
	// CircuitReset is the open-to-half-open wait.
	CircuitThreshold int
	CircuitReset     time.Duration
}

// Forwarder is the single consumer of accepted messages. Circuit state and
// delivery bookkeeping are touched only from the Run goroutine, so they need
// no locks; the counters are atomics because an overflowing Enqueue also
// records a failure.
type Forwarder struct {
	opts   Options
	client *http.Client
	inbox  chan *email.Payload

	state    circuitState
	failures int
	openedAt time.Time

	forwarded atomic.Uint64
	failed    atomic.Uint64
}

// New creates a Forwarder. The HTTP client pools and reuses connections
// across deliveries and verifies TLS against the system roots.
func New(opts Options) *Forwarder {
	return &Forwarder{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		inbox:  make(chan *email.Payload, inboxSize),
	}
}

// Enqueue hands a message to the forwarder without waiting for delivery.
// Safe for concurrent use by SMTP sessions.
func (f *Forwarder) Enqueue(p *email.Payload) {
	select {
	case f.inbox <- p:
	default:
		slog.Warn("forwarder inbox full, dropping message",
			"sender", p.Sender,
			"recipient", p.Recipient,
		)
		f.failed.Add(1)
	}
}

// Run consumes the inbox in FIFO order until the context is cancelled, then
// drains whatever is still queued before returning. Each message is fully
// delivered (or given up on) before the next one starts, which is what makes
// the consecutive-failure count meaningful.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.drain()
			forwarded, failed := f.Counters()
			slog.Info("forwarder stopped", "forwarded", forwarded, "failed", failed)
			return
		case p := <-f.inbox:
			f.deliver(p)
		}
	}
}

// Counters returns the monotonic delivery counters.
func (f *Forwarder) Counters() (forwarded, failed uint64) {
	return f.forwarded.Load(), f.failed.Load()
}

// drain delivers every message still queued at shutdown.
func (f *Forwarder) drain() {
	for {
		select {
		case p := <-f.inbox:
			f.deliver(p)
		default:
			return
		}
	}
}

// deliver runs the admission check, the attempt loop, and the outcome
// feedback for a single message.
func (f *Forwarder) deliver(p *email.Payload) {
	if f.state == circuitOpen {
		if time.Since(f.openedAt) < f.opts.CircuitReset {
			slog.Warn("circuit open, dropping message",
				"sender", p.Sender,
				"recipient", p.Recipient,
			)
			f.failed.Add(1)
			return
		}
		f.state = circuitHalfOpen
		slog.Info("circuit half-open, probing webhook")
	}

	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to marshal payload", "error", err)
		f.failed.Add(1)
		return
	}

	// Half-open permits exactly one probe attempt.
	attempts := 1 + f.opts.MaxRetries
	if f.state == circuitHalfOpen {
		attempts = 1
	}

	delivered := false
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(baseRetryDelay << (attempt - 1))
		}
		if err := f.post(body); err != nil {
			slog.Debug("webhook attempt failed",
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		delivered = true
		break
	}

	if delivered {
		f.forwarded.Add(1)
		if f.state != circuitClosed {
			slog.Info("circuit closed")
		}
		f.state = circuitClosed
		f.failures = 0
		return
	}

	f.failed.Add(1)
	slog.Warn("webhook delivery failed",
		"sender", p.Sender,
		"recipient", p.Recipient,
		"attempts", attempts,
	)

	if f.state == circuitHalfOpen {
		f.state = circuitOpen
		f.openedAt = time.Now()
		slog.Warn("circuit re-opened after failed probe")
		return
	}
	f.failures++
	if f.failures >= f.opts.CircuitThreshold {
		f.state = circuitOpen
		f.openedAt = time.Now()
		f.failures = 0
		slog.Warn("circuit opened", "threshold", f.opts.CircuitThreshold)
	}
}

// post performs a single POST attempt. Success is any 2xx status; everything
// else, including transport errors and timeouts, is a failure.
func (f *Forwarder) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, f.opts.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// The response body is ignored, but reading it out lets the transport
	// reuse the connection.
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

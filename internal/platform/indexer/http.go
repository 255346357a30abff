package indexer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when the delivery queue cannot take an event.
var ErrQueueFull = errors.New("index event queue full")

// ErrPublisherClosed is returned after Close.
var ErrPublisherClosed = errors.New("index publisher closed")

// SignPayload computes an HMAC-SHA256 signature of the payload using the
// given secret, returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when the hex-encoded signature matches the
// HMAC-SHA256 of payload under the given secret.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Option configures an HTTPPublisher.
type Option func(*HTTPPublisher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPPublisher) { p.httpClient = c }
}

// WithRetryDelays sets the waits between attempts; the number of delays
// is the number of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(p *HTTPPublisher) { p.retryDelays = delays }
}

// WithQueueSize sets how many events may wait for delivery.
func WithQueueSize(n int) Option {
	return func(p *HTTPPublisher) { p.queueSize = n }
}

// HTTPPublisher POSTs signed events to a webhook from a background
// goroutine, retrying failed deliveries.
type HTTPPublisher struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	queueSize   int
	logger      zerolog.Logger

	queue    chan Event
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

// NewHTTPPublisher validates rawURL and starts the delivery loop.
func NewHTTPPublisher(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*HTTPPublisher, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	p := &HTTPPublisher{
		url:    rawURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		queueSize:   1024,
		logger:      logger.With().Str("component", "indexer").Logger(),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	p.queue = make(chan Event, p.queueSize)
	go p.loop()
	return p, nil
}

// validateURL checks that the URL is non-empty and uses http or https.
func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("index webhook url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid index webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("index webhook url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("index webhook url must include a host")
	}
	return nil
}

// Publish queues the event without blocking.
func (p *HTTPPublisher) Publish(_ context.Context, e Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting events and waits until the queue is delivered or
// ctx expires; pending retries are abandoned on expiry.
func (p *HTTPPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.stopOnce.Do(func() { close(p.stop) })
		<-p.done
		return ctx.Err()
	}
}

func (p *HTTPPublisher) loop() {
	defer close(p.done)
	for e := range p.queue {
		if err := p.deliver(e); err != nil {
			p.logger.Error().Err(err).Str("event_id", e.ID).Str("expansion_id", e.ExpansionID.String()).
				Msg("index event dropped")
		}
	}
}

// deliver sends e, retrying with the configured delays.
func (p *HTTPPublisher) deliver(e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= len(p.retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-p.stop:
				return fmt.Errorf("shutdown before retry: %w", lastErr)
			case <-time.After(p.retryDelays[attempt-1]):
			}
		}
		if lastErr = p.post(payload, e, attempt+1); lastErr == nil {
			return nil
		}
		p.logger.Warn().Err(lastErr).Str("event_id", e.ID).Int("attempt", attempt+1).Msg("index delivery failed")
	}
	return lastErr
}

func (p *HTTPPublisher) post(payload []byte, e Event, attempt int) error {
	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Index-Event-ID", e.ID)
	req.Header.Set("X-Index-Attempt", fmt.Sprint(attempt))
	req.Header.Set("X-Index-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if p.secret != "" {
		req.Header.Set("X-Index-Signature", "sha256="+SignPayload(payload, p.secret))
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

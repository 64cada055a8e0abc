// Package fetch is the HTTP client shared by every source. It retries
// throttled and failing requests, honours Retry-After, falls back to
// anonymous access when credentials are rejected and refuses bodies that are
// not in the expected format.
package fetch

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/seenimoa/macropanel/internal/infra"
	"github.com/seenimoa/macropanel/internal/sdmx"
)

// Config controls retries, timeouts and credentials.
type Config struct {
	// MaxRetries is the total number of attempts per call.
	MaxRetries int
	// BackoffBase and BackoffFloor shape the wait after a 429 without
	// Retry-After: max(BackoffBase*2^attempt, BackoffFloor).
	BackoffBase  time.Duration
	BackoffFloor time.Duration
	// TransientBackoff is the initial jittered wait after a transport error
	// or a non-429 error status; it doubles up to MaxBackoff.
	TransientBackoff time.Duration
	MaxBackoff       time.Duration
	Timeout          time.Duration
	// MinInterval spaces consecutive requests made through the client.
	MinInterval time.Duration
	UserAgent   string
	Username    string
	Password    string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       10,
		BackoffBase:      5 * time.Second,
		BackoffFloor:     10 * time.Second,
		TransientBackoff: 1500 * time.Millisecond,
		MaxBackoff:       60 * time.Second,
		Timeout:          120 * time.Second,
		UserAgent:        "macropanel/1.0",
	}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Client performs GET requests with retries. It is safe for concurrent use;
// every call keeps its own retry state.
type Client struct {
	cfg     Config
	http    *http.Client
	log     zerolog.Logger
	metrics *infra.Metrics
	pacer   *infra.RateLimiter
	sleep   Sleeper
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics records request counters and latencies.
func WithMetrics(m *infra.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithSleeper replaces the function used to wait between attempts.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// New creates a Client. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) *Client {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffFloor <= 0 {
		cfg.BackoffFloor = def.BackoffFloor
	}
	if cfg.TransientBackoff <= 0 {
		cfg.TransientBackoff = def.TransientBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   zerolog.Nop(),
		sleep: sleepContext,
		pacer: infra.NewPacer(cfg.MinInterval),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Request describes one logical GET.
type Request struct {
	URL    string
	Params url.Values
	// Accept overrides the Accept header derived from Kind.
	Accept string
	Kind   Kind
	// Anonymous skips credentials even when the client has them.
	Anonymous bool
	// MaxRetries overrides the client's attempt budget when positive.
	MaxRetries int
}

func (r Request) fullURL() string {
	if len(r.Params) == 0 {
		return r.URL
	}
	sep := "?"
	if strings.Contains(r.URL, "?") {
		sep = "&"
	}
	return r.URL + sep + r.Params.Encode()
}

// GetJSON fetches url expecting a JSON body.
func (c *Client) GetJSON(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	return c.Do(ctx, Request{URL: rawURL, Params: params, Kind: KindJSON})
}

// GetXML fetches url expecting an XML body.
func (c *Client) GetXML(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	return c.Do(ctx, Request{URL: rawURL, Params: params, Kind: KindXML})
}

// GetCSV fetches url expecting a CSV body.
func (c *Client) GetCSV(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	return c.Do(ctx, Request{URL: rawURL, Params: params, Kind: KindCSV})
}

type response struct {
	status int
	header http.Header
	body   []byte
}

// Do performs req, retrying as configured. It returns *sdmx.TransportError
// once the attempt budget is spent, on 404, and on a 401 that the anonymous
// fallback did not clear, and *sdmx.FormatError when a
// successful response carries the wrong kind of body.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	target := req.fullURL()
	host := hostOf(target)
	maxAttempts := c.cfg.MaxRetries
	if req.MaxRetries > 0 {
		maxAttempts = req.MaxRetries
	}
	useAuth := !req.Anonymous && c.cfg.Username != ""

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.TransientBackoff
	bo.MaxInterval = c.cfg.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	start := time.Now()
	defer func() { c.metrics.ObserveFetch(host, time.Since(start).Seconds()) }()

	var (
		lastErr    error
		lastStatus int
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.roundTrip(ctx, req, target, useAuth)
		if err == nil && resp.status == http.StatusUnauthorized && useAuth {
			c.log.Warn().Str("url", target).Msg("credentials rejected, retrying anonymously")
			useAuth = false
			resp, err = c.roundTrip(ctx, req, target, false)
		}

		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.metrics.IncRequest(host, "error")
			lastErr, lastStatus = err, 0
			wait = bo.NextBackOff()
			c.metrics.IncRetry(host, "transport")
		case resp.status >= 200 && resp.status < 300:
			c.metrics.IncRequest(host, "2xx")
			if err := checkFormat(req.Kind, resp.header.Get("Content-Type"), resp.body); err != nil {
				err.URL = target
				return nil, err
			}
			c.log.Debug().Str("url", target).Int("attempt", attempt+1).Int("bytes", len(resp.body)).Msg("fetched")
			return resp.body, nil
		case resp.status == http.StatusNotFound, resp.status == http.StatusUnauthorized:
			c.metrics.IncRequest(host, "4xx")
			return nil, &sdmx.TransportError{
				URL:        target,
				Attempts:   attempt + 1,
				StatusCode: resp.status,
				Err:        statusError(resp),
			}
		case resp.status == http.StatusTooManyRequests:
			c.metrics.IncRequest(host, "4xx")
			lastErr, lastStatus = statusError(resp), resp.status
			if d, ok := retryAfter(resp.header.Get("Retry-After"), time.Now()); ok {
				wait = d
			} else {
				wait = c.throttleBackoff(attempt)
			}
			c.metrics.IncRetry(host, "throttled")
		default:
			c.metrics.IncRequest(host, statusClass(resp.status))
			lastErr, lastStatus = statusError(resp), resp.status
			wait = bo.NextBackOff()
			c.metrics.IncRetry(host, statusClass(resp.status))
		}

		if attempt == maxAttempts-1 {
			break
		}
		c.log.Warn().
			Str("url", target).
			Int("attempt", attempt+1).
			Int("status", lastStatus).
			Dur("wait", wait).
			Err(lastErr).
			Msg("request failed, retrying")
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, &sdmx.TransportError{URL: target, Attempts: maxAttempts, StatusCode: lastStatus, Err: lastErr}
}

func (c *Client) throttleBackoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt)))
	if d < c.cfg.BackoffFloor {
		d = c.cfg.BackoffFloor
	}
	return d
}

func (c *Client) roundTrip(ctx context.Context, req Request, target string, auth bool) (*response, error) {
	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	hr.Header.Set("User-Agent", c.cfg.UserAgent)
	accept := req.Accept
	if accept == "" {
		accept = req.Kind.accept()
	}
	hr.Header.Set("Accept", accept)
	if auth {
		hr.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// retryAfter parses a Retry-After header given either in seconds or as an
// HTTP date.
func retryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func statusError(resp *response) error {
	snippet := strings.TrimSpace(string(resp.body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	if title := htmlTitle(resp.body); title != "" {
		snippet = title
	}
	if snippet == "" {
		return errors.Errorf("HTTP %d %s", resp.status, http.StatusText(resp.status))
	}
	return errors.Errorf("HTTP %d %s: %s", resp.status, http.StatusText(resp.status), snippet)
}

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// Package httpfetch provides an HTTP-backed implementation of
// carol.Fetcher, instrumented the way the teacher's
// telemetry.InstrumentedTransport wraps an http.RoundTripper: duration and
// byte counts are recorded against the response body's Close, not its
// first byte, so a caller that abandons a partial read still gets an
// accurate accounting.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/carol-cache/carol"
	"github.com/carol-cache/carol/telemetry"
)

// Fetcher fetches sources that are HTTP(S) URLs.
type Fetcher struct {
	client *http.Client
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// New creates an HTTP Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{client: http.DefaultClient}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// expectedHashHeader is a response header an origin may set to carry the
// content's SHA-256 digest up front, letting the core detect a corrupted
// or truncated transfer instead of only trusting whatever bytes arrived.
const expectedHashHeader = "X-Content-Sha256"

// Fetch implements carol.Fetcher. source must be an absolute http(s) URL.
func (f *Fetcher) Fetch(ctx context.Context, source string) (io.ReadCloser, *carol.ExpectedHash, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, nil, carolErr("fetch", err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "cancelled"
		}
		telemetry.RecordFetch(ctx, outcome, time.Since(start), 0)
		return nil, nil, carolErr("fetch", err)
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		telemetry.RecordFetch(ctx, "error", time.Since(start), 0)
		return nil, nil, carolErr("fetch", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, source))
	}

	var expected *carol.ExpectedHash
	if raw := resp.Header.Get(expectedHashHeader); raw != "" {
		hash, err := carol.ParseHash(raw)
		if err != nil {
			_ = resp.Body.Close()
			telemetry.RecordFetch(ctx, "error", time.Since(start), 0)
			return nil, nil, carolErr("fetch", fmt.Errorf("parsing %s header: %w", expectedHashHeader, err))
		}
		eh := carol.ExpectedHash(hash)
		expected = &eh
	}

	return &instrumentedBody{ReadCloser: resp.Body, ctx: ctx, start: start}, expected, nil
}

func carolErr(op string, err error) error {
	return &carol.Error{Kind: carol.KindTransport, Op: op, Err: err}
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	start    time.Time
	bytes    int64
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		telemetry.RecordFetch(b.ctx, "success", time.Since(b.start), b.bytes)
	}
	return b.ReadCloser.Close()
}

package carol

import (
	"context"
	"io"
)

// ExpectedHash is a content-hash hint a Fetcher may supply alongside its
// byte stream. Per spec §4.5's hash policy: when non-nil, the digest
// computed while streaming the bytes must equal it exactly, or the
// download fails with KindHashMismatch; when nil, the computed digest is
// authoritative and no comparison happens.
type ExpectedHash Hash

// Fetcher is the external capability the storage manager consumes to
// retrieve bytes for a source it doesn't yet have cached. Implementations
// own their own retry policy: the core never retries a failed fetch itself.
type Fetcher interface {
	// Fetch returns a lazy, finite byte stream for source, plus an optional
	// expected-hash hint. Any interruption while reading must surface as an
	// error of KindTransport once wrapped by the caller.
	Fetch(ctx context.Context, source string) (io.ReadCloser, *ExpectedHash, error)
}

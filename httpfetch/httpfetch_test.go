package httpfetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/carol-cache/carol"
)

func TestFetchReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New()
	rc, expected, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer rc.Close()
	require.Nil(t, expected)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))
}

func TestFetchSurfacesExpectedHashHeader(t *testing.T) {
	content := []byte("checked content")
	wantHash := carol.HashBytes(content)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Sha256", wantHash.String())
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	f := New()
	rc, expected, err := f.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	defer rc.Close()

	require.NotNil(t, expected)
	require.Equal(t, wantHash, carol.Hash(*expected))
}

func TestFetchInvalidExpectedHashHeaderIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Sha256", "not-hex")
		_, _ = w.Write([]byte("content"))
	}))
	defer srv.Close()

	f := New()
	_, expected, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	require.Nil(t, expected)

	var cerr *carol.Error
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, carol.KindTransport, cerr.Kind)
}

func TestFetchNonOKStatusIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New()
	_, _, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var cerr *carol.Error
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, carol.KindTransport, cerr.Kind)
}

func TestFetchInvalidURLIsTransportError(t *testing.T) {
	f := New()
	_, _, err := f.Fetch(context.Background(), "not-a-url\x00")

	var cerr *carol.Error
	require.True(t, errors.As(err, &cerr))
	require.Equal(t, carol.KindTransport, cerr.Kind)
}

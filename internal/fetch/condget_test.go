package fetch_test

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapetech/epgmux/internal/fetch"
	"github.com/snapetech/epgmux/internal/httpclient"
)

const sampleXML = `<tv><channel id="a"><display-name>A</display-name></channel></tv>`

// ─── Helpers ─────────────────────────────────────────────────────────────────

func fastOpts(srv *httptest.Server) fetch.Options {
	return fetch.Options{
		Client: srv.Client(),
		Retry:  httpclient.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond},
	}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

// ─── Conditional GET ─────────────────────────────────────────────────────────

func TestConditionalGetStream_304(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"abc"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Wed, 01 Jan 2025 00:00:00 GMT")
		fmt.Fprint(w, sampleXML)
	}))
	defer srv.Close()

	ctx := context.Background()
	body, res, err := fetch.ConditionalGetStream(ctx, srv.URL+"/guide.xml", "", "", fastOpts(srv))
	require.NoError(t, err)
	assert.Equal(t, sampleXML, readAll(t, body))
	assert.Equal(t, `"abc"`, res.ETag)
	assert.Equal(t, "Wed, 01 Jan 2025 00:00:00 GMT", res.LastModified)

	_, _, err = fetch.ConditionalGetStream(ctx, srv.URL+"/guide.xml", res.ETag, "", fastOpts(srv))
	assert.ErrorIs(t, err, fetch.ErrNotModified)
}

func TestConditionalGetStream_SendsIfModifiedSince(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	lm := "Thu, 02 Jan 2025 10:00:00 GMT"
	_, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", lm, fastOpts(srv))
	assert.ErrorIs(t, err, fetch.ErrNotModified)
	assert.Equal(t, lm, got)
}

func TestConditionalGetStream_NoValidatorsNoConditionalHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" || r.Header.Get("If-Modified-Since") != "" {
			t.Errorf("unexpected conditional headers: %v", r.Header)
		}
		if r.Header.Get("User-Agent") != fetch.UserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		fmt.Fprint(w, sampleXML)
	}))
	defer srv.Close()

	body, res, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", fastOpts(srv))
	require.NoError(t, err)
	assert.Equal(t, sampleXML, readAll(t, body))
	assert.Empty(t, res.ETag)
	assert.Empty(t, res.LastModified)
}

// ─── Content-Encoding ────────────────────────────────────────────────────────

func TestConditionalGetStream_Encodings(t *testing.T) {
	encoders := map[string]func(io.Writer) io.WriteCloser{
		"gzip": func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) },
		"br":   func(w io.Writer) io.WriteCloser { return brotli.NewWriter(w) },
		"deflate": func(w io.Writer) io.WriteCloser {
			return zlib.NewWriter(w)
		},
		"DEFLATE": func(w io.Writer) io.WriteCloser {
			fw, _ := flate.NewWriter(w, flate.DefaultCompression)
			return fw
		},
	}
	for enc, newWriter := range encoders {
		t.Run(enc, func(t *testing.T) {
			var buf bytes.Buffer
			zw := newWriter(&buf)
			_, err := io.WriteString(zw, sampleXML)
			require.NoError(t, err)
			require.NoError(t, zw.Close())
			payload := buf.Bytes()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
				w.Header().Set("Content-Encoding", enc)
				w.Write(payload)
			}))
			defer srv.Close()

			body, res, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", fastOpts(srv))
			require.NoError(t, err)
			assert.Equal(t, sampleXML, readAll(t, body))
			assert.Equal(t, enc, res.ContentEncoding)
		})
	}
}

func TestConditionalGetStream_BadGzipIsRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("not gzip at all"))
	}))
	defer srv.Close()

	_, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", fastOpts(srv))
	require.Error(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

// ─── Retry ───────────────────────────────────────────────────────────────────

func TestConditionalGetStream_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, sampleXML)
	}))
	defer srv.Close()

	body, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", fastOpts(srv))
	require.NoError(t, err)
	assert.Equal(t, sampleXML, readAll(t, body))
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestConditionalGetStream_ExhaustedReturnsLastError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", fastOpts(srv))
	var serr *httpclient.StatusError
	require.True(t, errors.As(err, &serr), "err = %v", err)
	assert.Equal(t, http.StatusNotFound, serr.Code)
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestConditionalGetStream_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := fastOpts(srv)
	opts.Client = httpclient.New(50 * time.Millisecond)
	opts.Retry.Attempts = 2

	start := time.Now()
	_, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", opts)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestConditionalGetStream_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := fetch.ConditionalGetStream(ctx, srv.URL, "", "", fastOpts(srv))
	require.Error(t, err)
}

// ─── Host limit and stalls ───────────────────────────────────────────────────

func TestConditionalGetStream_HostSlotHeldUntilBodyClosed(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		fmt.Fprint(w, "<tv>")
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "</tv>")
	}))
	defer srv.Close()

	opts := fastOpts(srv)
	opts.Hosts = httpclient.NewHostSemaphore(1)
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			body, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", opts)
			if err == nil {
				_, err = io.ReadAll(body)
				body.Close()
			}
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-errs)
	}
	assert.EqualValues(t, 1, peak.Load(), "downloads against one host must not overlap")

	// A 304 gives the slot back too.
	notMod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer notMod.Close()
	opts.Client = notMod.Client()
	for i := 0; i < 2; i++ {
		_, _, err := fetch.ConditionalGetStream(context.Background(), notMod.URL, `"e"`, "", opts)
		require.ErrorIs(t, err, fetch.ErrNotModified)
	}
}

func TestConditionalGetStream_StalledBodyFails(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<tv>")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := fastOpts(srv)
	opts.IdleTimeout = 50 * time.Millisecond
	body, _, err := fetch.ConditionalGetStream(context.Background(), srv.URL, "", "", opts)
	require.NoError(t, err)
	defer body.Close()

	start := time.Now()
	_, err = io.ReadAll(body)
	require.ErrorIs(t, err, fetch.ErrStalled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// Package fetch downloads XMLTV sources with conditional GET.
//
// Every request carries If-None-Match / If-Modified-Since from the previous
// successful download so unchanged feeds cost one 304 round trip. Response
// bodies are handed back decoded (gzip, br, deflate) and unbuffered: feeds
// can be hundreds of megabytes and are parsed while they stream.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snapetech/epgmux/internal/httpclient"
)

// ErrNotModified is returned by ConditionalGetStream when the server responds 304.
var ErrNotModified = errors.New("fetch: 304 not modified")

// UserAgent is sent on every source request.
const UserAgent = "epgmux/1.0"

// Options tunes one ConditionalGetStream call. The zero value uses the default
// client, retry policy and idle timeout with no host limiter.
type Options struct {
	Client *http.Client
	Retry  httpclient.RetryPolicy
	// Hosts caps concurrent downloads per host; a slot is held until the
	// returned body is closed.
	Hosts *httpclient.HostSemaphore
	// IdleTimeout abandons a body that delivers nothing for this long.
	IdleTimeout time.Duration
}

// GetResult carries the cache validators of a 200 response.
type GetResult struct {
	ETag            string
	LastModified    string
	ContentEncoding string
}

type attemptResult struct {
	body io.ReadCloser
	meta *GetResult
}

// ConditionalGetStream issues a GET with If-None-Match / If-Modified-Since when
// etag / lastModified are non-empty. Returns ErrNotModified on 304. On 200 the
// returned body yields decoded bytes; the caller must read and close it.
// Reads fail with ErrStalled once the body is silent for opts.IdleTimeout.
//
// Each attempt covers the request, the status check and the content-decoding
// setup; any failure there is retried per opts.Retry and the last one is
// returned once the budget is spent.
func ConditionalGetStream(ctx context.Context, rawURL, etag, lastModified string, opts Options) (
	body io.ReadCloser, result *GetResult, err error) {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	res, err := httpclient.Retry(ctx, opts.Retry, func(ctx context.Context) (attemptResult, error) {
		actx, cancel := context.WithCancel(ctx)
		req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
		if err != nil {
			cancel()
			return attemptResult{}, httpclient.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", UserAgent)
		req.Header.Set("Accept", "*/*")
		// Set explicitly so the transport leaves decoding to us for all three codings.
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}

		release := opts.Hosts.Acquire(rawURL)
		resp, err := httpclient.Do(opts.Client, req, opts.Retry.MaxDelay)
		if err != nil {
			cancel()
			release()
			return attemptResult{}, err
		}
		if resp.StatusCode == http.StatusNotModified {
			resp.Body.Close()
			cancel()
			release()
			return attemptResult{}, nil
		}
		raw := newIdleBody(resp.Body, idle, cancel)
		enc := resp.Header.Get("Content-Encoding")
		decoded, err := decodeBody(raw, enc)
		if err != nil {
			raw.Close()
			cancel()
			release()
			return attemptResult{}, err
		}
		return attemptResult{
			body: &heldBody{ReadCloser: decoded, release: release, cancel: cancel},
			meta: &GetResult{
				ETag:            resp.Header.Get("ETag"),
				LastModified:    resp.Header.Get("Last-Modified"),
				ContentEncoding: enc,
			},
		}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("condget %s: %w", rawURL, err)
	}
	if res.body == nil {
		return nil, nil, ErrNotModified
	}
	return res.body, res.meta, nil
}

package httpclient

import (
	"net/url"
	"sync"
)

// HostSemaphore caps concurrent requests per upstream host. Several EPG sources
// are often served by one provider; without it a refresh would open one
// connection per worker against the same host.
//
//	release := sem.Acquire(sourceURL)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	sems  map[string]chan struct{}
	limit int
}

func NewHostSemaphore(concurrency int) *HostSemaphore {
	if concurrency < 1 {
		concurrency = 1
	}
	return &HostSemaphore{
		sems:  make(map[string]chan struct{}),
		limit: concurrency,
	}
}

// Acquire blocks until a slot is free for the host of rawURL and returns the
// release func. A nil semaphore never blocks.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	if h == nil {
		return func() {}
	}
	sem := h.semFor(hostKey(rawURL))
	sem <- struct{}{}
	return func() { <-sem }
}

func (h *HostSemaphore) semFor(host string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sems[host]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.sems[host] = s
	}
	return s
}

// hostKey keeps scheme+host so http and https endpoints of one provider are
// limited separately.
func hostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Scheme + "://" + u.Host
}

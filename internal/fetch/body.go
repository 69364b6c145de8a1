package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultIdleTimeout is how long a response body may go without delivering a
// byte before the download is abandoned.
const DefaultIdleTimeout = 30 * time.Second

// ErrStalled is returned by a body read once no bytes arrived for the idle timeout.
var ErrStalled = errors.New("fetch: body stalled")

// idleBody cancels the request when the raw body is silent for too long. The
// cancel unblocks a pending Read, which then reports ErrStalled.
type idleBody struct {
	rc       io.ReadCloser
	idle     time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

func newIdleBody(rc io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleBody {
	b := &idleBody{rc: rc, idle: idle}
	b.timer = time.AfterFunc(idle, func() {
		b.timedOut.Store(true)
		cancel()
	})
	return b
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if b.timedOut.Load() {
		return n, fmt.Errorf("%w: nothing received for %s", ErrStalled, b.idle)
	}
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}

// heldBody keeps the host slot and the request context alive until the
// caller closes the body.
type heldBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
	cancel  context.CancelFunc
}

func (b *heldBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		b.cancel()
		b.release()
	})
	return err
}

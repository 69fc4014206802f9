package portforward

import (
	"context"
	"errors"
	"sync"
)

var (
	errInboxClosed   = errors.New("inbox closed")
	errInboxOverflow = errors.New("inbound buffer full")
)

// inbox queues client bytes for one port until its backend accepts them.
// It is bounded in bytes so a stalled backend only ever stalls its own port.
type inbox struct {
	max int

	mu     sync.Mutex
	chunks [][]byte
	size   int
	fin    bool
	closed bool
	notify chan struct{}
}

func newInbox(max int) *inbox {
	return &inbox{max: max, notify: make(chan struct{}, 1)}
}

// push queues p. It fails with errInboxOverflow when the queue would exceed
// its bound, and with errInboxClosed after close or fin.
func (q *inbox) push(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.fin {
		return errInboxClosed
	}
	if q.size+len(p) > q.max {
		return errInboxOverflow
	}
	q.chunks = append(q.chunks, p)
	q.size += len(p)
	q.signal()
	return nil
}

// finish marks the end of the client's data; pop reports fin once the
// queued bytes are drained.
func (q *inbox) finish() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fin = true
	q.signal()
}

// close discards queued bytes and wakes the consumer
func (q *inbox) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.chunks = nil
	q.size = 0
	q.signal()
}

// pop blocks until a chunk is available, the client finished (fin), the
// inbox is closed or ctx ends.
func (q *inbox) pop(ctx context.Context) (chunk []byte, fin bool, err error) {
	for {
		q.mu.Lock()
		switch {
		case q.closed:
			q.mu.Unlock()
			return nil, false, errInboxClosed
		case len(q.chunks) > 0:
			chunk = q.chunks[0]
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.size -= len(chunk)
			q.mu.Unlock()
			return chunk, false, nil
		case q.fin:
			q.mu.Unlock()
			return nil, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}

// signal must be called with q.mu held
func (q *inbox) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

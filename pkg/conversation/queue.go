package conversation

import "sync"

// OutboundQueue is the FIFO of mu-law chunks waiting for the transport
// sender. One response task produces, the sender consumes.
type OutboundQueue struct {
	mu     sync.Mutex
	chunks [][]byte
	bytes  int
	notify chan struct{}
}

// NewOutboundQueue creates an empty queue
func NewOutboundQueue() *OutboundQueue {
	return &OutboundQueue{notify: make(chan struct{}, 1)}
}

// Push appends a chunk and wakes the sender
func (q *OutboundQueue) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	q.mu.Lock()
	q.chunks = append(q.chunks, chunk)
	q.bytes += len(chunk)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the oldest chunk
func (q *OutboundQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return nil, false
	}
	chunk := q.chunks[0]
	q.chunks[0] = nil
	q.chunks = q.chunks[1:]
	q.bytes -= len(chunk)
	return chunk, true
}

// Drain discards everything queued and returns the number of chunks dropped
func (q *OutboundQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.chunks)
	q.chunks = nil
	q.bytes = 0
	return n
}

// Len returns the number of queued chunks
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

// Bytes returns the number of queued audio bytes
func (q *OutboundQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Notify fires after a Push. Signals coalesce, so readers must Pop until
// the queue is empty.
func (q *OutboundQueue) Notify() <-chan struct{} {
	return q.notify
}

package ssequeue

import "errors"

// ErrQueueFull is returned by SendRequest when the FIFO is at capacity.
var ErrQueueFull = errors.New("ssequeue: request queue is full")

// ErrTimeout is returned by SendRequest when no response arrives before
// the ticket's deadline.
var ErrTimeout = errors.New("ssequeue: request timed out")

// ErrTransportReset is returned to every outstanding ticket when the
// underlying stream is lost and reconnection either succeeds (tickets
// are never replayed) or is abandoned.
var ErrTransportReset = errors.New("ssequeue: transport reset, request must be retried")

// ErrClosed is returned by SendRequest once the queue has transitioned
// to Closed.
var ErrClosed = errors.New("ssequeue: queue is closed")

// Package ssequeue implements the single-session request queue used by
// SSE-transport upstream servers: responses arrive asynchronously on a
// persistent event stream while requests are submitted over a separate
// side channel, and at most one request is in flight at a time when the
// upstream cannot multiplex.
package ssequeue

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is a response-shaped payload delivered from the event stream,
// or submitted by a caller's request. Result and Err are mutually
// exclusive on a delivered response.
type Message struct {
	CorrelationID string
	Method        string
	Params        json.RawMessage
	Result        json.RawMessage
	Err           error
}

// State is the connection lifecycle of the underlying event stream.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Reconnecting
	Closed
)

// Poster submits a request over the side channel (typically an HTTP
// POST). It is supplied by the transport that owns the actual
// connection; ssequeue only manages ticket bookkeeping and ordering.
type Poster func(ctx context.Context, msg Message) error

// ticket is one outstanding request awaiting a correlated response.
type ticket struct {
	id       string
	method   string
	params   json.RawMessage
	response chan Message
	deadline time.Time
	done     bool
}

// Queue serializes (when SingleSession) or multiplexes (otherwise)
// requests against responses arriving asynchronously over an event
// stream, matched by CorrelationID.
type Queue struct {
	SingleSession   bool
	MaxQueueSize    int
	RequestTimeout  time.Duration
	Post            Poster
	// OnEvent receives any incoming Message whose CorrelationID does not
	// match an outstanding ticket (a server-initiated, unsolicited
	// event). May be nil.
	OnEvent func(Message)

	mu      sync.Mutex
	state   State
	fifo    *list.List // of *ticket, single-session mode only
	pending map[string]*ticket
	active  *ticket // single-session mode: the ticket currently posted
}

// New creates a Queue. RequestTimeout must be positive; a MaxQueueSize
// of 0 (or less) means unbounded.
func New(singleSession bool, maxQueueSize int, requestTimeout time.Duration, post Poster) *Queue {
	return &Queue{
		SingleSession:  singleSession,
		MaxQueueSize:   maxQueueSize,
		RequestTimeout: requestTimeout,
		Post:           post,
		state:          Disconnected,
		fifo:           list.New(),
		pending:        make(map[string]*ticket),
	}
}

// SetState updates the connection state. Transport implementations call
// this as the underlying stream connects, drops, and reconnects.
func (q *Queue) SetState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// State returns the current connection state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SendRequest submits method/params, assigns a fresh correlation id, and
// blocks until a matching response arrives, ctx is cancelled, or the
// request's deadline elapses.
func (q *Queue) SendRequest(ctx context.Context, method string, params json.RawMessage) (Message, error) {
	q.mu.Lock()
	if q.state == Closed {
		q.mu.Unlock()
		return Message{}, ErrClosed
	}
	if q.MaxQueueSize > 0 && len(q.pending) >= q.MaxQueueSize {
		q.mu.Unlock()
		return Message{}, ErrQueueFull
	}

	t := &ticket{
		id:       uuid.NewString(),
		method:   method,
		params:   params,
		response: make(chan Message, 1),
		deadline: time.Now().Add(q.RequestTimeout),
	}
	q.pending[t.id] = t

	if q.SingleSession {
		q.fifo.PushBack(t)
	}
	q.mu.Unlock()

	req := Message{CorrelationID: t.id, Method: method, Params: params}

	if q.SingleSession {
		q.pumpIfIdle(ctx)
	} else {
		if err := q.Post(ctx, req); err != nil {
			q.removeTicket(t.id)
			return Message{}, err
		}
	}

	timer := time.NewTimer(time.Until(t.deadline))
	defer timer.Stop()

	select {
	case resp := <-t.response:
		if resp.Err != nil {
			return resp, resp.Err
		}
		return resp, nil
	case <-ctx.Done():
		q.removeTicket(t.id)
		if q.SingleSession {
			q.advanceQueue(context.Background())
		}
		return Message{}, ctx.Err()
	case <-timer.C:
		q.removeTicket(t.id)
		if q.SingleSession {
			q.advanceQueue(context.Background())
		}
		return Message{}, ErrTimeout
	}
}

// pumpIfIdle posts the head-of-line ticket if no ticket is currently
// in flight. Single-session mode only.
func (q *Queue) pumpIfIdle(ctx context.Context) {
	q.mu.Lock()
	if q.active != nil {
		q.mu.Unlock()
		return
	}
	elem := q.fifo.Front()
	if elem == nil {
		q.mu.Unlock()
		return
	}
	t := elem.Value.(*ticket)
	q.fifo.Remove(elem)
	q.active = t
	q.mu.Unlock()

	if err := q.Post(ctx, Message{CorrelationID: t.id, Method: t.method, Params: t.params}); err != nil {
		q.removeTicket(t.id)
		q.mu.Lock()
		q.active = nil
		q.mu.Unlock()
	}
}

// advanceQueue clears the active slot (if it matches a ticket no longer
// pending) and attempts to pump the next ticket. Called after a response
// arrives, a timeout fires, or a ticket is abandoned, to avoid starving
// subsequent requests.
func (q *Queue) advanceQueue(ctx context.Context) {
	q.mu.Lock()
	if q.active != nil {
		if _, still := q.pending[q.active.id]; !still {
			q.active = nil
		}
	}
	q.mu.Unlock()
	q.pumpIfIdle(ctx)
}

func (q *Queue) removeTicket(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	if q.active != nil && q.active.id == id {
		q.active = nil
	}
	for e := q.fifo.Front(); e != nil; e = e.Next() {
		if e.Value.(*ticket).id == id {
			q.fifo.Remove(e)
			break
		}
	}
	q.mu.Unlock()
}

// HandleMessage routes an incoming event from the stream: if its
// CorrelationID matches an outstanding ticket, the ticket's waiter
// receives it and the ticket is removed (advancing the queue in
// single-session mode); otherwise it is treated as unsolicited and
// forwarded to OnEvent.
func (q *Queue) HandleMessage(msg Message) {
	q.mu.Lock()
	t, ok := q.pending[msg.CorrelationID]
	if ok {
		delete(q.pending, msg.CorrelationID)
		if q.active != nil && q.active.id == msg.CorrelationID {
			q.active = nil
		}
	}
	q.mu.Unlock()

	if !ok {
		if q.OnEvent != nil {
			q.OnEvent(msg)
		}
		return
	}

	select {
	case t.response <- msg:
	default:
		// Caller already gave up (ctx cancelled or timed out); drop the
		// late response instead of blocking the stream reader.
	}

	if q.SingleSession {
		q.pumpIfIdle(context.Background())
	}
}

// ResetAll fails every outstanding ticket with ErrTransportReset. Called
// when the underlying stream is lost and a successful reconnect does not
// replay in-flight requests.
func (q *Queue) ResetAll() {
	q.mu.Lock()
	tickets := make([]*ticket, 0, len(q.pending))
	for _, t := range q.pending {
		tickets = append(tickets, t)
	}
	q.pending = make(map[string]*ticket)
	q.fifo.Init()
	q.active = nil
	q.mu.Unlock()

	for _, t := range tickets {
		select {
		case t.response <- Message{Err: ErrTransportReset}:
		default:
		}
	}
}

// PendingCount reports the number of outstanding tickets, for tests and
// health reporting.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

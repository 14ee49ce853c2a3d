// Package streaming fans a single backend stream out to one or more
// subscribers and propagates client cancellation back to the in-flight
// generation within one token-generation iteration.
package streaming

import (
	"context"
	"sync"

	"github.com/matrixinfer-ai/infercore/pkg/runtime"
	"github.com/matrixinfer-ai/infercore/pkg/types"
)

const subscriberBuffer = 64

// Handle represents one active generation's stream and is returned by
// Broker.Start. Cancel propagates into the backend call's context; the
// underlying Backend.Stream implementations all select on ctx.Done() every
// loop iteration, so cancellation takes effect within one iteration as
// required.
type Handle struct {
	requestID string
	cancel    context.CancelFunc
}

// RequestID returns the id of the stream this handle controls.
func (h *Handle) RequestID() string { return h.requestID }

// Cancel stops the underlying generation; it is safe to call more than
// once and safe to call after the stream has already finished.
func (h *Handle) Cancel() { h.cancel() }

type subscriber struct {
	ch chan types.StreamChunk
}

type activeStream struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextSubID   int
	closed      bool
}

// Broker fans out active streams keyed by request id.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*activeStream

	// OnClose, if set, is invoked once per stream after its terminal chunk
	// has been delivered (or the source channel closes for any other
	// reason), with the request id that just finished. pkg/gateway uses
	// this to release the request's KV-cache blocks the moment generation
	// ends, matching spec §4.8/§8 scenario 4's "KV-cache for the sequence
	// released" on cancellation or completion.
	OnClose func(requestID string)
}

// NewBroker returns an empty Broker.
func NewBroker() *Broker {
	return &Broker{streams: make(map[string]*activeStream)}
}

// Start begins a backend stream for req and returns a Handle the caller
// uses to cancel it; chunks are delivered to whoever calls Subscribe with
// req.RequestID() before the stream finishes. The stream is removed from
// the broker once its last chunk (IsComplete) has been delivered.
func (b *Broker) Start(ctx context.Context, backend runtime.Backend, req types.InferenceRequest) (*Handle, error) {
	ctx, cancel := context.WithCancel(ctx)
	source, err := backend.Stream(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	as := &activeStream{subscribers: make(map[int]*subscriber)}
	b.mu.Lock()
	b.streams[req.RequestID()] = as
	b.mu.Unlock()

	go b.pump(req.RequestID(), as, source)

	return &Handle{requestID: req.RequestID(), cancel: cancel}, nil
}

// Subscribe registers for chunks of the stream running under requestID. The
// returned channel is closed when the stream reaches its terminal chunk or
// when unsubscribe is called, whichever comes first. Subscribe on a request
// id with no active stream returns (nil, nil, false).
func (b *Broker) Subscribe(requestID string) (ch <-chan types.StreamChunk, unsubscribe func(), ok bool) {
	b.mu.Lock()
	as, found := b.streams[requestID]
	b.mu.Unlock()
	if !found {
		return nil, nil, false
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	if as.closed {
		return nil, nil, false
	}
	id := as.nextSubID
	as.nextSubID++
	sub := &subscriber{ch: make(chan types.StreamChunk, subscriberBuffer)}
	as.subscribers[id] = sub

	return sub.ch, func() {
		as.mu.Lock()
		defer as.mu.Unlock()
		if s, ok := as.subscribers[id]; ok {
			delete(as.subscribers, id)
			close(s.ch)
		}
	}, true
}

func (b *Broker) pump(requestID string, as *activeStream, source <-chan types.StreamChunk) {
	for chunk := range source {
		as.mu.Lock()
		for _, sub := range as.subscribers {
			select {
			case sub.ch <- chunk:
			default:
				// Slow subscriber: drop rather than block the producer and
				// stall every other subscriber's delivery.
			}
		}
		as.mu.Unlock()
	}

	b.mu.Lock()
	delete(b.streams, requestID)
	b.mu.Unlock()

	as.mu.Lock()
	as.closed = true
	for id, sub := range as.subscribers {
		close(sub.ch)
		delete(as.subscribers, id)
	}
	as.mu.Unlock()

	if b.OnClose != nil {
		b.OnClose(requestID)
	}
}

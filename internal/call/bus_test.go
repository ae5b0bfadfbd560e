package call

import (
	"context"
	"sync"

	"github.com/petervdpas/tunepair/internal/proto"
	"github.com/petervdpas/tunepair/internal/transport"
)

// bus is an in-memory signaling relay. Every message is delivered to every
// connected endpoint in send order, the way the relay fans out to all of a
// user's devices.
type bus struct {
	mu        sync.Mutex
	endpoints map[string]*busEndpoint
}

type busEndpoint struct {
	b         *bus
	id        string
	onMessage func(proto.SignalingMessage)
	queue     chan proto.SignalingMessage
	done      chan struct{}
	once      sync.Once

	mu   sync.Mutex
	sent []proto.SignalingMessage
	open bool
}

func newBus() *bus { return &bus{endpoints: make(map[string]*busEndpoint)} }

func (b *bus) factory() SignalerFactory {
	return func(deviceID string, onMessage func(proto.SignalingMessage)) Signaler {
		return &busEndpoint{
			b:         b,
			id:        deviceID,
			onMessage: onMessage,
			queue:     make(chan proto.SignalingMessage, 256),
			done:      make(chan struct{}),
		}
	}
}

func (e *busEndpoint) Connect(context.Context) error {
	e.mu.Lock()
	e.open = true
	e.mu.Unlock()

	e.b.mu.Lock()
	e.b.endpoints[e.id] = e
	e.b.mu.Unlock()

	go func() {
		for {
			select {
			case <-e.done:
				return
			case msg := <-e.queue:
				e.onMessage(msg)
			}
		}
	}()
	return nil
}

func (e *busEndpoint) Send(msg proto.SignalingMessage) error {
	e.mu.Lock()
	if !e.open {
		e.mu.Unlock()
		return transport.ErrNotOpen
	}
	e.sent = append(e.sent, msg)
	e.mu.Unlock()

	e.b.mu.Lock()
	defer e.b.mu.Unlock()
	for id, other := range e.b.endpoints {
		if id == e.id {
			continue
		}
		other.queue <- msg
	}
	return nil
}

func (e *busEndpoint) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.open = false
		e.mu.Unlock()
		e.b.mu.Lock()
		delete(e.b.endpoints, e.id)
		e.b.mu.Unlock()
		close(e.done)
	})
	return nil
}

func (e *busEndpoint) Sent() []proto.SignalingMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]proto.SignalingMessage(nil), e.sent...)
}

func (b *bus) endpoint(id string) *busEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.endpoints[id]
}

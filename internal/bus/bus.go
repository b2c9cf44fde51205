// Package bus carries messages between channel adapters and the assistant core.
package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 100

// MessageBus is an in-process, buffered bridge between inbound and outbound traffic.
// Publish and consume operations honor context cancellation and bus closure.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	done      chan struct{}
	closeOnce sync.Once
}

// NewMessageBus creates a MessageBus with default buffer sizes.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, defaultBufferSize),
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message from a channel adapter.
// It returns false if the bus is closed or the context is done.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	case b.inbound <- msg:
		return true
	}
}

// ConsumeInbound blocks until an inbound message is available.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case <-b.done:
		return InboundMessage{}, false
	case msg := <-b.inbound:
		return msg, true
	}
}

// PublishOutbound enqueues an assistant reply for delivery.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return false
	case <-b.done:
		return false
	case b.outbound <- msg:
		return true
	}
}

// ConsumeOutbound blocks until an outbound message is available.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.done:
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Close shuts the bus down. Pending publishers and consumers unblock.
func (b *MessageBus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

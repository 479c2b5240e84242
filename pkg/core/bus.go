package core

import (
	"context"
	"sync"
)

// Listener receives frame lifecycle notifications.
//
// The digest enrichment queue and the compaction handler subscribe to the
// frame manager through this interface instead of wrapping manager methods.
// Listeners run after the originating transaction has committed and must
// never mutate in-flight stack state directly; they communicate back only
// through the durable queue and frame outputs/anchors.
type Listener interface {
	// OnFrameCreated fires after a frame has been created and committed.
	OnFrameCreated(ctx context.Context, frame *Frame)

	// OnFrameClosed fires after a frame has been closed and its
	// deterministic digest committed.
	OnFrameClosed(ctx context.Context, frame *Frame)

	// OnEventAppended fires after an event has been committed to a frame.
	OnEventAppended(ctx context.Context, frame *Frame, event *Event)
}

// Bus dispatches frame lifecycle notifications to subscribed listeners.
//
// Dispatch is synchronous and in subscription order; listeners that need
// background work schedule it themselves. The zero value is ready to use.
type Bus struct {
	mu        sync.RWMutex
	listeners []Listener
}

// NewBus creates an empty notification bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for all lifecycle notifications.
func (b *Bus) Subscribe(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// NotifyFrameCreated dispatches OnFrameCreated to all listeners.
func (b *Bus) NotifyFrameCreated(ctx context.Context, frame *Frame) {
	for _, l := range b.snapshot() {
		l.OnFrameCreated(ctx, frame)
	}
}

// NotifyFrameClosed dispatches OnFrameClosed to all listeners.
func (b *Bus) NotifyFrameClosed(ctx context.Context, frame *Frame) {
	for _, l := range b.snapshot() {
		l.OnFrameClosed(ctx, frame)
	}
}

// NotifyEventAppended dispatches OnEventAppended to all listeners.
func (b *Bus) NotifyEventAppended(ctx context.Context, frame *Frame, event *Event) {
	for _, l := range b.snapshot() {
		l.OnEventAppended(ctx, frame, event)
	}
}

func (b *Bus) snapshot() []Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Listener, len(b.listeners))
	copy(out, b.listeners)
	return out
}

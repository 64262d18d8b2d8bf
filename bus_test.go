package crewchat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
)

// fakeBus is an in-memory EventBus for tests. Deliver feeds an event to the
// registered handlers the way the socket read loop would.
type fakeBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]EventHandler
	joined   []string
	left     []string
	emitted  []busEmit
}

type busEmit struct {
	event   string
	payload any
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]map[int]EventHandler)}
}

func (b *fakeBus) On(event string, h EventHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]EventHandler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[event][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

func (b *fakeBus) JoinRoom(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.joined = append(b.joined, key)
	return nil
}

func (b *fakeBus) LeaveRoom(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.left = append(b.left, key)
	return nil
}

func (b *fakeBus) Emit(ctx context.Context, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, busEmit{event: event, payload: payload})
	return nil
}

func (b *fakeBus) emits(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.emitted {
		if e.event == event {
			n++
		}
	}
	return n
}

func (b *fakeBus) handlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

// deliver marshals a payload and invokes the handlers synchronously, like
// the socket read loop does.
func (b *fakeBus) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	b.mu.Lock()
	hs := make([]EventHandler, 0, len(b.handlers[event]))
	for _, h := range b.handlers[event] {
		hs = append(hs, h)
	}
	b.mu.Unlock()
	for _, h := range hs {
		h(data)
	}
}

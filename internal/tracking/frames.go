package tracking

import (
	"context"
	"sync"
	"time"
)

// Cross-frame message types. The framed form sends MessageGetParentURL to its
// parent; the parent bridge answers with MessageParentURLResponse.
const (
	MessageGetParentURL      = "GET_PARENT_URL"
	MessageParentURLResponse = "PARENT_URL_RESPONSE"
)

// FrameBroker pairs parent-URL replies with the submissions waiting for them.
// A reply may arrive before or after the submission starts waiting; replies
// nobody claims expire after ttl and are swept at most once per ttl.
type FrameBroker struct {
	mu        sync.Mutex
	slots     map[string]*frameSlot
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

type frameSlot struct {
	ch      chan string
	created time.Time
}

func NewFrameBroker(ttl time.Duration) *FrameBroker {
	return &FrameBroker{
		slots: make(map[string]*frameSlot),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (b *FrameBroker) slot(frameID string) *frameSlot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastSweep) >= b.ttl {
		for id, s := range b.slots {
			if now.Sub(s.created) > b.ttl {
				delete(b.slots, id)
			}
		}
		b.lastSweep = now
	}
	s, ok := b.slots[frameID]
	if !ok || now.Sub(s.created) > b.ttl {
		s = &frameSlot{ch: make(chan string, 1), created: now}
		b.slots[frameID] = s
	}
	return s
}

func (b *FrameBroker) release(frameID string, s *frameSlot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.slots[frameID] == s {
		delete(b.slots, frameID)
	}
}

// Deliver hands the parent's URL to whoever awaits frameID. Only the first
// reply per frame is kept.
func (b *FrameBroker) Deliver(frameID, parentURL string) {
	s := b.slot(frameID)
	select {
	case s.ch <- parentURL:
	default:
	}
}

// Await blocks until the reply for frameID arrives or ctx is done.
func (b *FrameBroker) Await(ctx context.Context, frameID string) (string, error) {
	s := b.slot(frameID)
	defer b.release(frameID, s)

	select {
	case u := <-s.ch:
		return u, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pending reports how many frames currently hold a slot.
func (b *FrameBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.slots)
}

// Messenger binds the broker to one frame.
func (b *FrameBroker) Messenger(frameID string) ParentMessenger {
	return frameMessenger{broker: b, frameID: frameID}
}

type frameMessenger struct {
	broker  *FrameBroker
	frameID string
}

func (m frameMessenger) RequestParentURL(ctx context.Context) (string, error) {
	return m.broker.Await(ctx, m.frameID)
}

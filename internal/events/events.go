// Package events is the explicit notification channel between the bridge
// services and application code. Every observable state change is published
// here as an Event rather than mutated into a shared field.
package events

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/watchbridge/internal/payload"
	"github.com/rs/zerolog"
)

type Name string

const (
	MessageReceived            Name = "messageReceived"
	MessageReceivedWithReply   Name = "messageReceivedWithReply"
	ApplicationContextReceived Name = "applicationContextReceived"
	UserInfoReceived           Name = "userInfoReceived"
	ReachabilityChanged        Name = "reachabilityChanged"
	ActivationStateChanged     Name = "activationStateChanged"
)

var ErrUnknownEvent = errors.New("events: unknown event name")

var known = map[Name]struct{}{
	MessageReceived:            {},
	MessageReceivedWithReply:   {},
	ApplicationContextReceived: {},
	UserInfoReceived:           {},
	ReachabilityChanged:        {},
	ActivationStateChanged:     {},
}

// Names returns every event name in sorted order.
func Names() []Name {
	out := make([]Name, 0, len(known))
	for n := range known {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseName(s string) (Name, error) {
	n := Name(s)
	if _, ok := known[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, s)
	}
	return n, nil
}

// ActivationState mirrors the session lifecycle reported to listeners.
type ActivationState int

const (
	NotActivated ActivationState = 0
	Inactive     ActivationState = 1
	Activated    ActivationState = 2
)

func (s ActivationState) String() string {
	switch s {
	case NotActivated:
		return "notActivated"
	case Inactive:
		return "inactive"
	case Activated:
		return "activated"
	default:
		return fmt.Sprintf("ActivationState(%d)", int(s))
	}
}

// Event is one notification. Only the fields relevant to Name are set.
// CallbackID is set only where the receiver answers through ReplyToMessage.
type Event struct {
	Name       Name
	Payload    payload.Map
	CallbackID string
	Reachable  bool
	State      ActivationState
}

// Body returns the listener-facing data object for the event.
func (e Event) Body() map[string]any {
	switch e.Name {
	case MessageReceived:
		return map[string]any{"message": nonNil(e.Payload)}
	case MessageReceivedWithReply:
		body := map[string]any{"message": nonNil(e.Payload)}
		if e.CallbackID != "" {
			body["callbackId"] = e.CallbackID
		}
		return body
	case ApplicationContextReceived:
		return map[string]any{"context": nonNil(e.Payload)}
	case UserInfoReceived:
		return map[string]any{"userInfo": nonNil(e.Payload)}
	case ReachabilityChanged:
		return map[string]any{"isReachable": e.Reachable}
	case ActivationStateChanged:
		return map[string]any{"state": int(e.State)}
	default:
		return map[string]any{}
	}
}

func nonNil(m payload.Map) payload.Map {
	if m == nil {
		return payload.Map{}
	}
	return m
}

type Listener func(Event)

// Subscription is returned by Subscribe. Done is closed once it is removed.
type Subscription struct {
	bus  *Bus
	id   uint64
	name Name
	once sync.Once
	done chan struct{}
}

// Remove detaches the listener. Safe to call more than once.
func (s *Subscription) Remove() {
	s.bus.remove(s)
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Name() Name {
	return s.name
}

type subscriber struct {
	sub *Subscription
	fn  Listener
}

// Bus fans events out to listeners synchronously, in subscription order.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]subscriber
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]subscriber),
	}
}

// Subscribe registers fn for one event name.
func (b *Bus) Subscribe(name Name, fn Listener) (*Subscription, error) {
	if _, ok := known[name]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if fn == nil {
		return nil, errors.New("events: nil listener")
	}
	return b.add(name, fn), nil
}

// SubscribeAll registers fn for every event name.
func (b *Bus) SubscribeAll(fn Listener) *Subscription {
	return b.add("", fn)
}

func (b *Bus) add(name Name, fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, name: name, done: make(chan struct{})}
	b.subs[sub.id] = subscriber{sub: sub, fn: fn}
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
	sub.once.Do(func() { close(sub.done) })
}

// RemoveAll detaches every listener and returns how many were removed.
func (b *Bus) RemoveAll() int {
	b.mu.Lock()
	removed := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		removed = append(removed, s.sub)
	}
	b.subs = make(map[uint64]subscriber)
	b.mu.Unlock()
	for _, sub := range removed {
		sub.once.Do(func() { close(sub.done) })
	}
	return len(removed)
}

// Count returns listeners that would receive an event called name.
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.sub.name == name || s.sub.name == "" {
			n++
		}
	}
	return n
}

// Publish delivers e to every matching listener. A panicking listener is
// logged and does not stop delivery to the rest.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	targets := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.sub.name == e.Name || s.sub.name == "" {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].sub.id < targets[j].sub.id })

	b.logger.Debug().Str("event", string(e.Name)).Int("listeners", len(targets)).Msg("publish")
	for _, s := range targets {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", string(e.Name)).
				Uint64("subscription", s.sub.id).
				Interface("panic", r).
				Msg("listener panicked")
		}
	}()
	s.fn(e)
}

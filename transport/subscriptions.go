package transport

import (
	"sort"
	"sync"
)

// SubscriptionKind distinguishes the three subscribe operations.
type SubscriptionKind int

const (
	KindPersistent SubscriptionKind = iota
	KindBroadcast
	KindTemporary
)

func (k SubscriptionKind) String() string {
	switch k {
	case KindPersistent:
		return "persistent"
	case KindBroadcast:
		return "broadcast"
	case KindTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

// Subscription is one live entry of a Subscriptions registry.
type Subscription struct {
	ID       int
	Kind     SubscriptionKind
	Channel  string
	Hint     string
	Callback Callback
	Options  SubscribeOptions
}

// Subscriptions assigns subscription ids and tracks which callback owns each
// id. Ids start at 1 and are never reused, even after Clear.
//
// Mutations take the write lock. Dispatch resolves the callback under the read
// lock and invokes it after releasing it, so Remove is effective for every
// delivery that has not yet been looked up while an in-flight callback is
// allowed to finish.
type Subscriptions struct {
	mu   sync.RWMutex
	last int
	subs map[int]Subscription
}

// NewSubscriptions returns an empty registry.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{subs: make(map[int]Subscription)}
}

// Add registers cb and returns the entry with its freshly assigned id.
func (r *Subscriptions) Add(kind SubscriptionKind, channel string, cb Callback, opts SubscribeOptions) (Subscription, error) {
	if _, err := MessageType(cb); err != nil {
		return Subscription{}, err
	}
	if opts == nil {
		opts = SubscribeOptions{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.last++
	sub := Subscription{
		ID:       r.last,
		Kind:     kind,
		Channel:  channel,
		Callback: cb,
		Options:  opts,
	}
	r.subs[sub.ID] = sub
	return sub, nil
}

// AddTemporary registers a temporary subscription. channel is derived from
// hint by the caller.
func (r *Subscriptions) AddTemporary(hint, channel string, cb Callback, opts SubscribeOptions) (Subscription, error) {
	sub, err := r.Add(KindTemporary, channel, cb, opts)
	if err != nil {
		return sub, err
	}
	r.mu.Lock()
	sub.Hint = hint
	r.subs[sub.ID] = sub
	r.mu.Unlock()
	return sub, nil
}

// Remove deletes id and reports whether it was present. Unknown ids are a
// no-op.
func (r *Subscriptions) Remove(id int) (Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return sub, ok
}

// Get returns the entry for id.
func (r *Subscriptions) Get(id int) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subs[id]
	return sub, ok
}

// Clear removes every entry and returns them ordered by id.
func (r *Subscriptions) Clear() []Subscription {
	r.mu.Lock()
	removed := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		removed = append(removed, sub)
	}
	r.subs = make(map[int]Subscription)
	r.mu.Unlock()

	sort.Slice(removed, func(i, j int) bool { return removed[i].ID < removed[j].ID })
	return removed
}

// Len returns the number of live subscriptions.
func (r *Subscriptions) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers (header, message) to the callback registered for id.
// Callback errors are returned unchanged.
func (r *Subscriptions) Dispatch(id int, header Header, message any) error {
	r.mu.RLock()
	sub, ok := r.subs[id]
	r.mu.RUnlock()

	if !ok {
		return &UnknownSubscriptionError{ID: id}
	}
	return sub.Callback.Deliver(header, message)
}

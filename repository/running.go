package repository

import (
	"sync"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/ceramicnetwork/go-ceramic-repo/models"
)

// Subscription is one observer of a RunningState. The channel caches the
// last value: a slow consumer sees only the most recent state, never a
// backlog.
type Subscription struct {
	ch     chan *models.StreamState
	closed bool
}

func (s *Subscription) Ch() <-chan *models.StreamState {
	return s.ch
}

// RunningState is the live, observable wrapper around one stream's current
// state. A given stream ID maps to at most one RunningState at a time across
// the repository, so all observers of a stream share this instance.
type RunningState struct {
	mu          sync.Mutex
	id          string
	state       *models.StreamState
	pinned      bool
	subscribers *hashset.Set
	completed   bool
}

func NewRunningState(state *models.StreamState, pinned bool) *RunningState {
	return &RunningState{
		id:          state.Id,
		state:       state,
		pinned:      pinned,
		subscribers: hashset.New(),
	}
}

func (r *RunningState) Id() string {
	return r.id
}

// State returns the current snapshot. Callers must not mutate it.
func (r *RunningState) State() *models.StreamState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *RunningState) Tip() string {
	return r.State().Tip()
}

func (r *RunningState) IsPinned() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pinned
}

func (r *RunningState) SetPinned(pinned bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pinned = pinned
}

// Next replaces the current state and notifies subscribers. Emissions equal
// to the current state (same tip, same log length, same anchor status) are
// rejected. After Complete, Next is a no-op.
func (r *RunningState) Next(newState *models.StreamState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return false
	}
	current := r.state
	if len(newState.Log) == len(current.Log) &&
		newState.Tip() == current.Tip() &&
		newState.AnchorStatus == current.AnchorStatus {
		return false
	}
	r.state = newState
	for _, sub := range r.subscribers.Values() {
		r.emit(sub.(*Subscription), newState)
	}
	return true
}

func (r *RunningState) emit(sub *Subscription, state *models.StreamState) {
	if sub.closed {
		return
	}
	// Last-value caching: displace a pending unread state instead of
	// blocking the emitter.
	for {
		select {
		case sub.ch <- state:
			return
		default:
			select {
			case <-sub.ch:
			default:
			}
		}
	}
}

// Subscribe registers an observer. The current state is delivered first,
// then every accepted emission. The returned cancel func is idempotent.
func (r *RunningState) Subscribe() (*Subscription, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub := &Subscription{ch: make(chan *models.StreamState, 1)}
	if r.completed {
		sub.closed = true
		close(sub.ch)
		return sub, func() {}
	}
	r.subscribers.Add(sub)
	sub.ch <- r.state
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.subscribers.Remove(sub)
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		})
	}
	return sub, cancel
}

func (r *RunningState) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribers.Size()
}

// Complete terminates the state: subscribers' channels are closed and no
// further emissions occur. Idempotent.
func (r *RunningState) Complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return
	}
	r.completed = true
	for _, v := range r.subscribers.Values() {
		sub := v.(*Subscription)
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	r.subscribers.Clear()
}

func (r *RunningState) IsCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

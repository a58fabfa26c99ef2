package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

var ErrAlreadyInCall = errors.New("server: user is already in a call")
var ErrCallNotFound = errors.New("server: call not found")

type callEntry struct {
	call         model.Call
	participants map[string]bool
}

// CallRegistry tracks active calls: a forward map from call id to
// participant set and a reverse index from username to call id. The two
// are mutated together under one lock so they can never disagree.
type CallRegistry struct {
	mu     sync.Mutex
	calls  map[string]*callEntry
	byUser map[string]string // username -> call id
}

// NewCallRegistry creates an empty call registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		calls:  make(map[string]*callEntry),
		byUser: make(map[string]string),
	}
}

// Create registers a new call in the Proposed state. Duplicate usernames
// in participants collapse to one membership. Fails without creating
// state if any participant is already in another call.
func (r *CallRegistry) Create(scope model.CallScope, initiator, group string, participants []string) (model.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[string]bool, len(participants))
	for _, name := range participants {
		set[name] = true
	}
	for name := range set {
		if id, ok := r.byUser[name]; ok {
			return model.Call{}, fmt.Errorf("%w: %s (call %s)", ErrAlreadyInCall, name, id)
		}
	}

	call := model.Call{
		ID:        uuid.NewString(),
		Scope:     scope,
		Initiator: initiator,
		Group:     group,
		State:     model.CallProposed,
		StartedAt: time.Now().UTC(),
	}
	r.calls[call.ID] = &callEntry{call: call, participants: set}
	for name := range set {
		r.byUser[name] = call.ID
	}
	return call, nil
}

// Activate transitions a call to the Active state.
func (r *CallRegistry) Activate(callID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	entry.call.State = model.CallActive
	return nil
}

// Accept adds a late joiner to an existing call and marks it Active.
// Fails if the user is already in a different call.
func (r *CallRegistry) Accept(callID, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	if id, ok := r.byUser[user]; ok && id != callID {
		return fmt.Errorf("%w: %s (call %s)", ErrAlreadyInCall, user, id)
	}
	entry.participants[user] = true
	entry.call.State = model.CallActive
	r.byUser[user] = callID
	return nil
}

// End atomically removes the call and every reverse-index entry for its
// participants. Returns the final participant set (sorted) and the call.
// Unknown ids report ok=false without error; there is nothing to notify.
func (r *CallRegistry) End(callID string) (participants []string, call model.Call, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.calls[callID]
	if !found {
		return nil, model.Call{}, false
	}
	for name := range entry.participants {
		participants = append(participants, name)
		delete(r.byUser, name)
	}
	sort.Strings(participants)
	delete(r.calls, callID)

	entry.call.State = model.CallEnded
	return participants, entry.call, true
}

// RemoveParticipant drops one user from a call, clearing their reverse
// index entry. Returns the number of participants left and whether the
// call and membership existed.
func (r *CallRegistry) RemoveParticipant(callID, user string) (remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.calls[callID]
	if !found || !entry.participants[user] {
		return 0, false
	}
	delete(entry.participants, user)
	delete(r.byUser, user)
	return len(entry.participants), true
}

// Participants returns the sorted participant set for a call. Unknown
// ids yield an empty (non-nil) slice so callers can iterate blindly.
func (r *CallRegistry) Participants(callID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.calls[callID]
	if !ok {
		return []string{}
	}
	result := make([]string, 0, len(entry.participants))
	for name := range entry.participants {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// CallOf returns the call id the user is in, if any.
func (r *CallRegistry) CallOf(user string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[user]
	return id, ok
}

// Get returns a copy of the call record.
func (r *CallRegistry) Get(callID string) (model.Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.calls[callID]
	if !ok {
		return model.Call{}, false
	}
	return entry.call, true
}

// Count returns the number of active calls.
func (r *CallRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

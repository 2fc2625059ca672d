package transport

import "sync"

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	TransactionOpen TransactionState = iota + 1
	TransactionCommitted
	TransactionAborted
)

func (s TransactionState) String() string {
	switch s {
	case TransactionOpen:
		return "open"
	case TransactionCommitted:
		return "committed"
	case TransactionAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Transactions tracks transaction states. Committed and aborted are terminal:
// a terminated id can never be reopened or used again.
type Transactions struct {
	mu     sync.Mutex
	states map[TransactionID]TransactionState
}

// NewTransactions returns an empty tracker.
func NewTransactions() *Transactions {
	return &Transactions{states: make(map[TransactionID]TransactionState)}
}

// Begin records id as open.
func (t *Transactions) Begin(id TransactionID) error {
	if id == "" {
		return &TransactionError{ID: id, Reason: "empty transaction id"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.states[id]; exists {
		return &TransactionError{ID: id, Reason: "transaction id already used"}
	}
	t.states[id] = TransactionOpen
	return nil
}

// Commit moves an open transaction to committed.
func (t *Transactions) Commit(id TransactionID) error {
	return t.finish(id, TransactionCommitted)
}

// Abort moves an open transaction to aborted.
func (t *Transactions) Abort(id TransactionID) error {
	return t.finish(id, TransactionAborted)
}

// CheckOpen returns nil for the empty id and for open transactions.
func (t *Transactions) CheckOpen(id TransactionID) error {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	switch state := t.states[id]; state {
	case TransactionOpen:
		return nil
	case 0:
		return &TransactionError{ID: id, Reason: "unknown transaction"}
	default:
		return &TransactionError{ID: id, Reason: "transaction already " + state.String()}
	}
}

// State returns the state of id, or 0 when unknown.
func (t *Transactions) State(id TransactionID) TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id]
}

func (t *Transactions) finish(id TransactionID, to TransactionState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch state := t.states[id]; state {
	case TransactionOpen:
		t.states[id] = to
		return nil
	case 0:
		return &TransactionError{ID: id, Reason: "unknown transaction"}
	default:
		return &TransactionError{ID: id, Reason: "transaction already " + state.String()}
	}
}

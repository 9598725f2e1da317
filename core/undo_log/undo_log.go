// Package undolog implements the per-partition undo log: a stack of undo
// quanta, one per transaction boundary, each holding the actions needed to
// roll that transaction's effects back.
//
// A partition's log is owned by that partition's goroutine and is not safe
// for general concurrent use. The single sanctioned exception is replicated
// undo fan-out: while all other partition goroutines are parked inside the
// transaction-start barrier, the elected leader may append actions to their
// current quanta. The barrier's mutex establishes the happens-before edge
// that makes those appends visible to the owning goroutines on wake-up.
package undolog

import (
	"fmt"
)

// InvalidToken sorts before every real undo token.
const InvalidToken int64 = -1

// Action is a single undoable effect registered on a quantum.
//
// Undo is called when the owning transaction rolls back; Release when it
// commits and the quantum is discarded. An action registered on multiple
// partitions' quanta (the replicated case) must tolerate being invoked once
// per partition and perform its real work exactly once.
type Action interface {
	Undo()
	Release()
}

// ReleaseInterest is notified after a quantum it was registered on has been
// released. Interests are deduplicated per quantum, so a replicated fan-out
// that registers the same interest on every append still produces a single
// notification per quantum.
type ReleaseInterest interface {
	NotifyQuantumRelease()
}

// Quantum collects the undo actions of one transaction boundary on one
// partition, identified by a monotonically increasing token.
type Quantum struct {
	token     int64
	actions   []Action
	interests []ReleaseInterest
}

// Token returns the undo token this quantum was generated for.
func (q *Quantum) Token() int64 {
	return q.token
}

// RegisterAction appends an undoable action to the quantum.
func (q *Quantum) RegisterAction(action Action) {
	q.actions = append(q.actions, action)
}

// RegisterInterest records an interest to be notified when the quantum is
// released. Registering the same interest twice is a no-op.
func (q *Quantum) RegisterInterest(interest ReleaseInterest) {
	for _, existing := range q.interests {
		if existing == interest {
			return
		}
	}
	q.interests = append(q.interests, interest)
}

// ActionCount reports how many actions are registered on the quantum.
func (q *Quantum) ActionCount() int {
	return len(q.actions)
}

// undo runs the quantum's actions newest-first, restoring pre-transaction
// state in reverse registration order.
func (q *Quantum) undo() {
	for i := len(q.actions) - 1; i >= 0; i-- {
		q.actions[i].Undo()
	}
	q.actions = nil
	q.interests = nil
}

// release runs the quantum's actions oldest-first and then notifies the
// registered interests.
func (q *Quantum) release() {
	for _, action := range q.actions {
		action.Release()
	}
	for _, interest := range q.interests {
		interest.NotifyQuantumRelease()
	}
	q.actions = nil
	q.interests = nil
}

// Log is one partition's undo log: quanta ordered by ascending token.
// Tokens are assigned by the transaction layer and shared across partitions,
// so the same multi-partition transaction opens a quantum with the same
// token on every participating partition.
type Log struct {
	quanta []*Quantum
}

// NewLog creates an empty undo log for one partition.
func NewLog() *Log {
	return &Log{}
}

// GenerateQuantum opens a new quantum for token and makes it current.
// Tokens must strictly increase within one log.
func (l *Log) GenerateQuantum(token int64) (*Quantum, error) {
	if last := l.CurrentQuantum(); last != nil && token <= last.token {
		return nil, fmt.Errorf("undo token %d is not above current token %d", token, last.token)
	}
	q := &Quantum{token: token}
	l.quanta = append(l.quanta, q)
	return q, nil
}

// CurrentQuantum returns the most recently generated, still-open quantum,
// or nil when the log is empty.
func (l *Log) CurrentQuantum() *Quantum {
	if len(l.quanta) == 0 {
		return nil
	}
	return l.quanta[len(l.quanta)-1]
}

// Undo rolls back every quantum with a token at or above undoToken,
// newest quantum first.
func (l *Log) Undo(undoToken int64) {
	for len(l.quanta) > 0 {
		q := l.quanta[len(l.quanta)-1]
		if q.token < undoToken {
			return
		}
		l.quanta = l.quanta[:len(l.quanta)-1]
		q.undo()
	}
}

// Release discards every quantum with a token at or below releaseToken,
// oldest quantum first, running their release hooks and notifying interests.
func (l *Log) Release(releaseToken int64) {
	for len(l.quanta) > 0 {
		q := l.quanta[0]
		if q.token > releaseToken {
			return
		}
		l.quanta = l.quanta[1:]
		q.release()
	}
}

// Depth reports how many quanta are currently open.
func (l *Log) Depth() int {
	return len(l.quanta)
}

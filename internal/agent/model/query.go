package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrIllegalTransition is returned when a Query is moved against its state DAG,
// including any write to a Query that already reached a terminal state.
var ErrIllegalTransition = errors.New("illegal query state transition")

// QueryState is the lifecycle state of a Query.
//
//	CREATED -> PENDING -> PROCESSING -> {COMPLETED, FAILED, CANCELLED}
//	CREATED -> PROCESSING
//	PENDING -> {COMPLETED, FAILED, CANCELLED}
type QueryState string

const (
	QueryCreated    QueryState = "created"
	QueryPending    QueryState = "pending"
	QueryProcessing QueryState = "processing"
	QueryCompleted  QueryState = "completed"
	QueryFailed     QueryState = "failed"
	QueryCancelled  QueryState = "cancelled"
)

var queryTransitions = map[QueryState][]QueryState{
	QueryCreated:    {QueryPending, QueryProcessing},
	QueryPending:    {QueryProcessing, QueryCompleted, QueryFailed, QueryCancelled},
	QueryProcessing: {QueryCompleted, QueryFailed, QueryCancelled},
}

// IsTerminal reports whether no further transition is legal from s.
func (s QueryState) IsTerminal() bool {
	return s == QueryCompleted || s == QueryFailed || s == QueryCancelled
}

// IsFailed reports whether s is a terminal state without a real answer.
func (s QueryState) IsFailed() bool {
	return s == QueryFailed || s == QueryCancelled
}

// Valid reports whether s is one of the known states.
func (s QueryState) Valid() bool {
	switch s {
	case QueryCreated, QueryPending, QueryProcessing, QueryCompleted, QueryFailed, QueryCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Re-persisting a non-terminal state is allowed; terminal rows are immutable.
func (s QueryState) CanTransition(next QueryState) bool {
	if s.IsTerminal() {
		return false
	}
	if s == next {
		return true
	}
	for _, allowed := range queryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// QuerySource is a citation attached to an answer.
type QuerySource struct {
	Source      string `json:"source"`
	Description string `json:"description,omitempty"`
}

// Query is one unit of "answer this message" work.
type Query struct {
	ID        string        `json:"query_id"`
	UserID    string        `json:"user_id"`
	Query     string        `json:"query"`
	Answer    string        `json:"answer,omitempty"`
	Sources   []QuerySource `json:"sources"`
	State     QueryState    `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Transition moves q to next, or returns ErrIllegalTransition leaving q untouched.
func (q *Query) Transition(next QueryState) error {
	if !q.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s (query %s)", ErrIllegalTransition, q.State, next, q.ID)
	}
	q.State = next
	return nil
}

// Complete marks q completed with the given answer and sources.
func (q *Query) Complete(answer string, sources ...QuerySource) error {
	if answer == "" {
		return fmt.Errorf("%w: completed query %s requires an answer", ErrIllegalTransition, q.ID)
	}
	if err := q.Transition(QueryCompleted); err != nil {
		return err
	}
	q.Answer = answer
	q.Sources = append([]QuerySource(nil), sources...)
	return nil
}

// Fail marks q failed with a user facing placeholder answer.
func (q *Query) Fail(placeholder string) error {
	if err := q.Transition(QueryFailed); err != nil {
		return err
	}
	q.Answer = placeholder
	return nil
}

// Cancel marks q cancelled. Cancelled queries carry no answer.
func (q *Query) Cancel() error {
	if err := q.Transition(QueryCancelled); err != nil {
		return err
	}
	q.Answer = ""
	return nil
}

// Clone returns a deep copy so callers can mutate without racing other readers.
func (q *Query) Clone() *Query {
	if q == nil {
		return nil
	}
	c := *q
	c.Sources = append([]QuerySource(nil), q.Sources...)
	return &c
}

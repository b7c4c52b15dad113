package completion

import (
	"errors"
	"fmt"
)

// State is the orchestrator's position in the completion workflow. Failures
// carry the last state that fully succeeded so a whole-operation retry can
// resume without repeating confirmed ledger actions.
type State string

const (
	StateRequested        State = "requested"
	StateMarkedCompleting State = "session_marked_completing"
	StateLedgerEnsured    State = "ledger_session_ensured"
	StateLedgerCompleted  State = "ledger_completed"
	StateArtifactGend     State = "artifact_generated"
	StateArtifactUploaded State = "artifact_uploaded"
	StateTokenMinted      State = "token_minted"
	StateDone             State = "done"
	StateAlreadyDone      State = "already_done"
)

// Kind classifies completion failures.
type Kind string

const (
	// KindInvalidState: session not eligible for completion. Fatal, no side effects.
	KindInvalidState Kind = "invalid_state"
	// KindTransient: ledger/network/storage trouble that exhausted its retries.
	KindTransient Kind = "transient"
	// KindPermanent: the ledger rejected the transaction for a
	// non-idempotency reason. Fatal.
	KindPermanent Kind = "permanent_rejection"
	// KindLocalStore: the relational store write failed. Fatal for this attempt.
	KindLocalStore Kind = "local_store"
)

var (
	ErrInvalidState = errors.New("completion: session not in completable state")

	// ErrInProgress means another process holds the completion lock for this
	// session; the caller should retry after the holder finishes.
	ErrInProgress = errors.New("completion: another attempt is in progress")
)

// Error is the typed failure surfaced to callers: what kind of failure, and
// the last state known to have fully succeeded.
type Error struct {
	Kind      Kind
	LastState State
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("completion failed (%s, resumable from %s): %v", e.Kind, e.LastState, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func failed(kind Kind, last State, err error) *Error {
	return &Error{Kind: kind, LastState: last, Err: err}
}

package archive

import (
	"errors"
	"fmt"

	"lecsa/api/internal/store"
)

// State is where a record sits in its lifecycle.
type State string

const (
	StateLive     State = "live"
	StateArchived State = "archived"
)

// Trigger names the event that may move a record between states.
type Trigger string

const (
	TriggerManualArchive        Trigger = "manual_archive"
	TriggerAgeSweep             Trigger = "age_sweep"
	TriggerCreatedPastRetention Trigger = "created_past_retention"
	TriggerRestore              Trigger = "restore"
)

var (
	ErrInvalidTransition  = errors.New("invalid archive transition")
	ErrRestoreUnsupported = errors.New("only member records can be restored")
)

// Transition returns the state a record of kind reaches when trigger fires in
// state from. Every archive, sweep, create and restore path asks it first.
func Transition(kind store.RecordType, from State, trigger Trigger) (State, error) {
	switch kind {
	case store.RecordMember:
		switch {
		case from == StateLive && trigger == TriggerManualArchive:
			return StateArchived, nil
		case from == StateArchived && trigger == TriggerRestore:
			return StateLive, nil
		}
	case store.RecordBaptism:
		switch {
		case from == StateLive && trigger == TriggerAgeSweep:
			return StateArchived, nil
		case from == StateArchived && trigger == TriggerRestore:
			return from, ErrRestoreUnsupported
		}
	case store.RecordWedding:
		switch {
		case from == StateLive && (trigger == TriggerAgeSweep || trigger == TriggerCreatedPastRetention):
			return StateArchived, nil
		case from == StateArchived && trigger == TriggerRestore:
			return from, ErrRestoreUnsupported
		}
	default:
		if trigger == TriggerRestore {
			return from, ErrRestoreUnsupported
		}
	}
	return from, fmt.Errorf("%w: %s %s on %s", ErrInvalidTransition, kind, from, trigger)
}

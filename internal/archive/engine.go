// Package archive moves records between the live collections and the archive.
//
// Every transition runs inside one store transaction. Side effects that must
// not influence the outcome (action log, search index, metrics) are delivered
// to hooks only after the transaction has committed.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lecsa/api/internal/palo"
	"lecsa/api/internal/store"
)

// RetentionYears is how long a sacrament record stays live after its date.
const RetentionYears = 3

// Action tags recorded for each transition.
const (
	ActionAddMember      = "add_member"
	ActionArchiveMember  = "archive_member"
	ActionRestoreMember  = "restore_member"
	ActionAddBaptism     = "add_baptism"
	ActionAddWedding     = "add_wedding"
	ActionArchiveBaptism = "archive_baptisms"
	ActionArchiveWedding = "archive_weddings"
)

// Reason is why a member left the live roll.
type Reason string

const (
	ReasonMoved    Reason = "Moved"
	ReasonDeceased Reason = "Deceased"
)

func ParseReason(s string) (Reason, bool) {
	switch Reason(s) {
	case ReasonMoved, ReasonDeceased:
		return Reason(s), true
	default:
		return "", false
	}
}

// ValidationError reports input that was rejected before any write.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Fields, ", ")
}

// Event describes a committed transition.
type Event struct {
	Action  string
	ActorID string
	Details map[string]any
	// Archived holds archive entries created by the transition.
	Archived []store.ArchiveEntry
	// Removed holds ids of archive entries deleted by the transition.
	Removed []string
}

// Hook observes committed transitions. Hooks run synchronously after commit
// and cannot fail the operation.
type Hook func(ctx context.Context, ev Event)

type Engine struct {
	store store.TxRunner
	now   func() time.Time
	hooks []Hook
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithHooks(hooks ...Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, hooks...) }
}

func NewEngine(runner store.TxRunner, opts ...Option) *Engine {
	e := &Engine{store: runner, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cutoff is the date before which sacrament records are archived.
func (e *Engine) Cutoff() time.Time {
	return e.now().AddDate(-RetentionYears, 0, 0)
}

// PastRetention reports whether a record dated date is due for archival.
func (e *Engine) PastRetention(date time.Time) bool {
	return date.Before(e.Cutoff())
}

func (e *Engine) emit(ctx context.Context, ev Event) {
	for _, hook := range e.hooks {
		hook(ctx, ev)
	}
}

// RegisterMember adds a member at the end of the live roll.
func (e *Engine) RegisterMember(ctx context.Context, actorID, lebitso, fane string) (store.Member, error) {
	lebitso, fane = strings.TrimSpace(lebitso), strings.TrimSpace(fane)
	var missing []string
	if lebitso == "" {
		missing = append(missing, "lebitso")
	}
	if fane == "" {
		missing = append(missing, "fane")
	}
	if len(missing) > 0 {
		return store.Member{}, &ValidationError{Message: "valid lebitso and fane are required", Fields: missing}
	}

	member := store.Member{ID: uuid.NewString(), Lebitso: lebitso, Fane: fane, Receipts: store.Receipts{}}
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		next, err := palo.Next(ctx, tx, store.CollectionMembers)
		if err != nil {
			return err
		}
		member.Palo = next
		return tx.InsertMember(ctx, member)
	})
	if err != nil {
		return store.Member{}, fmt.Errorf("register member: %w", err)
	}
	e.emit(ctx, Event{
		Action:  ActionAddMember,
		ActorID: actorID,
		Details: map[string]any{"palo": member.Palo, "lebitso": lebitso, "fane": fane},
	})
	return member, nil
}

// ArchiveMember snapshots the member at memberPalo into the archive, removes
// it from the live roll and closes the gap it leaves.
func (e *Engine) ArchiveMember(ctx context.Context, actorID string, memberPalo int, reason Reason) (store.ArchiveEntry, error) {
	if _, ok := ParseReason(string(reason)); !ok {
		return store.ArchiveEntry{}, &ValidationError{Message: "status must be Moved or Deceased", Fields: []string{"status"}}
	}
	if _, err := Transition(store.RecordMember, StateLive, TriggerManualArchive); err != nil {
		return store.ArchiveEntry{}, err
	}

	var entry store.ArchiveEntry
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockSequence(ctx, store.CollectionMembers); err != nil {
			return err
		}
		member, err := tx.GetMemberByPalo(ctx, memberPalo)
		if err != nil {
			return err
		}
		details, err := memberSnapshot(member, reason)
		if err != nil {
			return err
		}
		archivePalo, err := palo.Next(ctx, tx, store.CollectionArchives)
		if err != nil {
			return err
		}
		entry = store.ArchiveEntry{
			ID:         member.ID,
			Palo:       archivePalo,
			RecordType: store.RecordMember,
			Details:    details,
		}
		if err := tx.InsertArchive(ctx, entry); err != nil {
			return err
		}
		if err := tx.DeleteMember(ctx, member.ID); err != nil {
			return err
		}
		return palo.Release(ctx, tx, store.CollectionMembers, memberPalo)
	})
	if err != nil {
		return store.ArchiveEntry{}, fmt.Errorf("archive member %d: %w", memberPalo, err)
	}
	entry.ArchivedAt = e.now()
	e.emit(ctx, Event{
		Action:   ActionArchiveMember,
		ActorID:  actorID,
		Details:  map[string]any{"palo": memberPalo, "status": string(reason)},
		Archived: []store.ArchiveEntry{entry},
	})
	return entry, nil
}

// RestoreArchive brings a member snapshot back onto the live roll with a new
// identity and the next member palo. The archive palo it held is not reused.
func (e *Engine) RestoreArchive(ctx context.Context, actorID, archiveID string) (store.Member, error) {
	var member store.Member
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockSequence(ctx, store.CollectionMembers); err != nil {
			return err
		}
		entry, err := tx.GetArchive(ctx, archiveID)
		if err != nil {
			return err
		}
		if _, err := Transition(entry.RecordType, StateArchived, TriggerRestore); err != nil {
			return err
		}
		snap, err := parseMemberSnapshot(entry.Details)
		if err != nil {
			return err
		}
		next, err := palo.Next(ctx, tx, store.CollectionMembers)
		if err != nil {
			return err
		}
		member = store.Member{
			ID:       uuid.NewString(),
			Palo:     next,
			Lebitso:  snap.Lebitso,
			Fane:     snap.Fane,
			Receipts: snap.Receipts,
		}
		if err := tx.InsertMember(ctx, member); err != nil {
			return err
		}
		return tx.DeleteArchive(ctx, entry.ID)
	})
	if err != nil {
		return store.Member{}, fmt.Errorf("restore archive %s: %w", archiveID, err)
	}
	e.emit(ctx, Event{
		Action:  ActionRestoreMember,
		ActorID: actorID,
		Details: map[string]any{"archive_id": archiveID, "palo": member.Palo, "lebitso": member.Lebitso, "fane": member.Fane},
		Removed: []string{archiveID},
	})
	return member, nil
}

// SweepBaptisms archives every live baptism older than the retention window.
// A second run with nothing newly due is a no-op.
func (e *Engine) SweepBaptisms(ctx context.Context, actorID string) ([]store.ArchiveEntry, error) {
	cutoff := e.Cutoff()
	var created []store.ArchiveEntry
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		created = nil
		if err := tx.LockSequence(ctx, store.CollectionArchives); err != nil {
			return err
		}
		due, err := tx.DueBaptisms(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, b := range due {
			if _, err := Transition(store.RecordBaptism, StateLive, TriggerAgeSweep); err != nil {
				return err
			}
			entry, err := archiveSacrament(ctx, tx, store.RecordBaptism, func() ([]byte, error) { return baptismSnapshot(b) })
			if err != nil {
				return err
			}
			if err := tx.MarkBaptismArchived(ctx, b.ID); err != nil {
				return err
			}
			created = append(created, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep baptisms: %w", err)
	}
	e.emitSweep(ctx, ActionArchiveBaptism, actorID, created)
	return created, nil
}

// SweepWeddings is SweepBaptisms for weddings.
func (e *Engine) SweepWeddings(ctx context.Context, actorID string) ([]store.ArchiveEntry, error) {
	cutoff := e.Cutoff()
	var created []store.ArchiveEntry
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		created = nil
		if err := tx.LockSequence(ctx, store.CollectionArchives); err != nil {
			return err
		}
		due, err := tx.DueWeddings(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, w := range due {
			if _, err := Transition(store.RecordWedding, StateLive, TriggerAgeSweep); err != nil {
				return err
			}
			entry, err := archiveSacrament(ctx, tx, store.RecordWedding, func() ([]byte, error) { return weddingSnapshot(w) })
			if err != nil {
				return err
			}
			if err := tx.MarkWeddingArchived(ctx, w.ID); err != nil {
				return err
			}
			created = append(created, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sweep weddings: %w", err)
	}
	e.emitSweep(ctx, ActionArchiveWedding, actorID, created)
	return created, nil
}

// Sweep runs both sacrament sweeps and returns how many records moved.
func (e *Engine) Sweep(ctx context.Context, actorID string) (int, error) {
	baptisms, err := e.SweepBaptisms(ctx, actorID)
	if err != nil {
		return 0, err
	}
	weddings, err := e.SweepWeddings(ctx, actorID)
	if err != nil {
		return len(baptisms), err
	}
	return len(baptisms) + len(weddings), nil
}

func (e *Engine) emitSweep(ctx context.Context, action, actorID string, created []store.ArchiveEntry) {
	if len(created) == 0 {
		return
	}
	e.emit(ctx, Event{
		Action:   action,
		ActorID:  actorID,
		Details:  map[string]any{"count": len(created)},
		Archived: created,
	})
}

func archiveSacrament(ctx context.Context, tx store.Tx, kind store.RecordType, snapshot func() ([]byte, error)) (store.ArchiveEntry, error) {
	details, err := snapshot()
	if err != nil {
		return store.ArchiveEntry{}, err
	}
	next, err := palo.Next(ctx, tx, store.CollectionArchives)
	if err != nil {
		return store.ArchiveEntry{}, err
	}
	entry := store.ArchiveEntry{
		ID:         uuid.NewString(),
		Palo:       next,
		RecordType: kind,
		Details:    details,
	}
	if err := tx.InsertArchive(ctx, entry); err != nil {
		return store.ArchiveEntry{}, err
	}
	return entry, nil
}

// CreateBaptism records a live baptism. Baptisms already past retention are
// picked up by the next sweep.
func (e *Engine) CreateBaptism(ctx context.Context, actorID string, b store.Baptism) (store.Baptism, error) {
	b = trimBaptism(b)
	if err := validateBaptism(b); err != nil {
		return store.Baptism{}, err
	}
	b.ID = uuid.NewString()
	b.Archived = false
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertBaptism(ctx, b)
	})
	if err != nil {
		return store.Baptism{}, fmt.Errorf("create baptism: %w", err)
	}
	e.emit(ctx, Event{
		Action:  ActionAddBaptism,
		ActorID: actorID,
		Details: map[string]any{
			"id":            b.ID,
			"name":          fullName(b.FirstName, b.MiddleName, b.Surname),
			"date_of_birth": b.DateOfBirth.Format(dateLayout),
			"baptism_date":  b.BaptismDate.Format(dateLayout),
		},
	})
	return b, nil
}

// CreateWedding records a wedding. A wedding dated before the retention
// cutoff is stored archived and snapshotted in the same transaction, so it
// never appears live.
func (e *Engine) CreateWedding(ctx context.Context, actorID string, w store.Wedding) (store.Wedding, error) {
	w = trimWedding(w)
	if err := validateWedding(w); err != nil {
		return store.Wedding{}, err
	}
	w.ID = uuid.NewString()
	state := StateLive
	if e.PastRetention(w.WeddingDate) {
		next, err := Transition(store.RecordWedding, StateLive, TriggerCreatedPastRetention)
		if err != nil {
			return store.Wedding{}, err
		}
		state = next
	}
	w.Archived = state == StateArchived

	var created []store.ArchiveEntry
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		created = nil
		if w.Archived {
			if err := tx.LockSequence(ctx, store.CollectionArchives); err != nil {
				return err
			}
		}
		if err := tx.InsertWedding(ctx, w); err != nil {
			return err
		}
		if !w.Archived {
			return nil
		}
		entry, err := archiveSacrament(ctx, tx, store.RecordWedding, func() ([]byte, error) { return weddingSnapshot(w) })
		if err != nil {
			return err
		}
		created = append(created, entry)
		return nil
	})
	if err != nil {
		return store.Wedding{}, fmt.Errorf("create wedding: %w", err)
	}
	e.emit(ctx, Event{
		Action:  ActionAddWedding,
		ActorID: actorID,
		Details: map[string]any{
			"id":           w.ID,
			"groom_name":   fullName(w.GroomFirstName, w.GroomMiddleName, w.GroomSurname),
			"bride_name":   fullName(w.BrideFirstName, w.BrideMiddleName, w.BrideSurname),
			"wedding_date": w.WeddingDate.Format(dateLayout),
			"archived":     w.Archived,
		},
		Archived: created,
	})
	return w, nil
}

func trimBaptism(b store.Baptism) store.Baptism {
	for _, f := range []*string{
		&b.FirstName, &b.MiddleName, &b.Surname,
		&b.FatherFirstName, &b.FatherMiddleName, &b.FatherSurname,
		&b.MotherFirstName, &b.MotherMiddleName, &b.MotherSurname,
		&b.Pastor,
	} {
		*f = strings.TrimSpace(*f)
	}
	return b
}

func trimWedding(w store.Wedding) store.Wedding {
	for _, f := range []*string{
		&w.GroomFirstName, &w.GroomMiddleName, &w.GroomSurname, &w.GroomIDNumber,
		&w.BrideFirstName, &w.BrideMiddleName, &w.BrideSurname, &w.BrideIDNumber,
		&w.Pastor, &w.Location,
	} {
		*f = strings.TrimSpace(*f)
	}
	return w
}

func validateBaptism(b store.Baptism) error {
	var missing []string
	required := []struct {
		name  string
		empty bool
	}{
		{"first_name", b.FirstName == ""},
		{"surname", b.Surname == ""},
		{"date_of_birth", b.DateOfBirth.IsZero()},
		{"father_first_name", b.FatherFirstName == ""},
		{"father_surname", b.FatherSurname == ""},
		{"mother_first_name", b.MotherFirstName == ""},
		{"mother_surname", b.MotherSurname == ""},
		{"baptism_date", b.BaptismDate.IsZero()},
		{"pastor", b.Pastor == ""},
	}
	for _, r := range required {
		if r.empty {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Message: "all required fields must be provided", Fields: missing}
	}
	return nil
}

func validateWedding(w store.Wedding) error {
	var missing []string
	required := []struct {
		name  string
		empty bool
	}{
		{"groom_first_name", w.GroomFirstName == ""},
		{"groom_surname", w.GroomSurname == ""},
		{"bride_first_name", w.BrideFirstName == ""},
		{"bride_surname", w.BrideSurname == ""},
		{"wedding_date", w.WeddingDate.IsZero()},
		{"pastor", w.Pastor == ""},
		{"location", w.Location == ""},
	}
	for _, r := range required {
		if r.empty {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Message: "all required fields must be provided", Fields: missing}
	}
	return nil
}

// IsValidation reports whether err was caused by rejected input.
func IsValidation(err error) bool {
	var verr *ValidationError
	var serr *SnapshotError
	return errors.As(err, &verr) || errors.As(err, &serr)
}

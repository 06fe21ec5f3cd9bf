package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Collection names a palo sequence.
type Collection string

const (
	CollectionMembers  Collection = "members"
	CollectionArchives Collection = "archives"
)

// Tx is the unit of work every multi-step archive, restore or renumber runs in.
// Nothing written through a Tx is visible to other callers until InTx commits.
type Tx interface {
	// LockSequence serializes palo allocation on a collection until the
	// transaction ends. Callers lock members before archives.
	LockSequence(ctx context.Context, collection Collection) error
	// MaxPalo is the highest palo in use. For archives it is the highest
	// palo ever inserted, including entries since restored.
	MaxPalo(ctx context.Context, collection Collection) (int, error)
	ShiftPalosDown(ctx context.Context, collection Collection, above int) error

	GetMemberByPalo(ctx context.Context, palo int) (Member, error)
	InsertMember(ctx context.Context, member Member) error
	DeleteMember(ctx context.Context, id string) error

	InsertArchive(ctx context.Context, entry ArchiveEntry) error
	GetArchive(ctx context.Context, id string) (ArchiveEntry, error)
	DeleteArchive(ctx context.Context, id string) error

	InsertBaptism(ctx context.Context, baptism Baptism) error
	DueBaptisms(ctx context.Context, cutoff time.Time) ([]Baptism, error)
	MarkBaptismArchived(ctx context.Context, id string) error

	InsertWedding(ctx context.Context, wedding Wedding) error
	DueWeddings(ctx context.Context, cutoff time.Time) ([]Wedding, error)
	MarkWeddingArchived(ctx context.Context, id string) error
}

// TxRunner runs fn inside one transaction: commit when fn returns nil,
// rollback otherwise.
type TxRunner interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Store is everything the API needs from persistence.
type Store interface {
	TxRunner

	GetRole(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	InsertRole(ctx context.Context, role Role) error
	EnsureRole(ctx context.Context, role Role) error

	GetUserByID(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	CreateUser(ctx context.Context, user User) error
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserRole(ctx context.Context, userID, role string) error

	ListMembers(ctx context.Context, q ListQuery) ([]Member, error)
	UpdateMemberReceipt(ctx context.Context, palo, year int, receipt string) error

	ListBaptisms(ctx context.Context, q ListQuery) ([]Baptism, error)
	ListWeddings(ctx context.Context, q ListQuery) ([]Wedding, error)

	ListArchives(ctx context.Context, search string) ([]ArchiveEntry, error)
	GetArchivesByIDs(ctx context.Context, ids []string) ([]ArchiveEntry, error)

	InsertActionLog(ctx context.Context, entry ActionLogEntry) error
	ListActionLogs(ctx context.Context, limit int) ([]ActionLogEntry, error)

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// DefaultListLimit applies when a list query has no positive limit.
const DefaultListLimit = 1000

func (q ListQuery) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}

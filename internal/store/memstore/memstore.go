// Package memstore is an in-memory store.Store backed by go-memdb. It is
// used for local development (STORE_DRIVER=memory) and in tests. go-memdb
// admits one write transaction at a time, which gives the same serialization
// the Postgres store gets from advisory locks.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-memdb"

	"lecsa/api/internal/store"
)

const (
	tableMembers    = "members"
	tableArchives   = "archives"
	tableBaptisms   = "baptisms"
	tableWeddings   = "weddings"
	tableRoles      = "roles"
	tableUsers      = "users"
	tableActionLogs = "action_logs"
	tableRevoked    = "revoked_access_tokens"
	tableHighWater  = "palo_high_water"
)

type actionLogRow struct {
	Seq   int64
	Entry store.ActionLogEntry
}

type highWaterRow struct {
	Collection string
	HighWater  int
}

type revokedRow struct {
	JTI       string
	ExpiresAt time.Time
}

func schema() *memdb.DBSchema {
	idIndex := func(field string) *memdb.IndexSchema {
		return &memdb.IndexSchema{Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: field}}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableMembers: {
				Name: tableMembers,
				Indexes: map[string]*memdb.IndexSchema{
					"id":   idIndex("ID"),
					"palo": {Name: "palo", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Palo"}},
				},
			},
			tableArchives: {
				Name: tableArchives,
				Indexes: map[string]*memdb.IndexSchema{
					"id":   idIndex("ID"),
					"palo": {Name: "palo", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Palo"}},
				},
			},
			tableBaptisms: {
				Name:    tableBaptisms,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex("ID")},
			},
			tableWeddings: {
				Name:    tableWeddings,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex("ID")},
			},
			tableRoles: {
				Name:    tableRoles,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex("Name")},
			},
			tableUsers: {
				Name: tableUsers,
				Indexes: map[string]*memdb.IndexSchema{
					"id":       idIndex("ID"),
					"username": {Name: "username", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "Username"}},
				},
			},
			tableActionLogs: {
				Name: tableActionLogs,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "Seq"}},
				},
			},
			tableHighWater: {
				Name:    tableHighWater,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex("Collection")},
			},
			tableRevoked: {
				Name:    tableRevoked,
				Indexes: map[string]*memdb.IndexSchema{"id": idIndex("JTI")},
			},
		},
	}
}

type Store struct {
	db      *memdb.MemDB
	logSeq  atomic.Int64
	nowFunc func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &Store{db: db, nowFunc: time.Now}, nil
}

// WithClock overrides the timestamp source used for created_at columns.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.nowFunc = now
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := fn(&memTx{txn: txn, now: s.nowFunc}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// write runs fn in its own write transaction.
func (s *Store) write(fn func(*memdb.Txn) error) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (s *Store) GetRole(_ context.Context, name string) (store.Role, error) {
	raw, err := s.db.Txn(false).First(tableRoles, "id", name)
	if err != nil {
		return store.Role{}, fmt.Errorf("get role: %w", err)
	}
	if raw == nil {
		return store.Role{}, store.ErrNotFound
	}
	return *raw.(*store.Role), nil
}

func (s *Store) ListRoles(_ context.Context) ([]store.Role, error) {
	it, err := s.db.Txn(false).Get(tableRoles, "id")
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	items := make([]store.Role, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		items = append(items, *raw.(*store.Role))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (s *Store) InsertRole(_ context.Context, role store.Role) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableRoles, "id", role.Name)
		if err != nil {
			return fmt.Errorf("insert role: %w", err)
		}
		if existing != nil {
			return fmt.Errorf("insert role: %w: roles_pkey", store.ErrConflict)
		}
		row := role
		return txn.Insert(tableRoles, &row)
	})
}

func (s *Store) EnsureRole(_ context.Context, role store.Role) error {
	return s.write(func(txn *memdb.Txn) error {
		existing, err := txn.First(tableRoles, "id", role.Name)
		if err != nil {
			return fmt.Errorf("ensure role: %w", err)
		}
		if existing != nil {
			return nil
		}
		row := role
		return txn.Insert(tableRoles, &row)
	})
}

func (s *Store) GetUserByID(_ context.Context, id string) (store.User, error) {
	return s.firstUser("id", id)
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (store.User, error) {
	return s.firstUser("username", username)
}

func (s *Store) firstUser(index, value string) (store.User, error) {
	raw, err := s.db.Txn(false).First(tableUsers, index, value)
	if err != nil {
		return store.User{}, fmt.Errorf("get user: %w", err)
	}
	if raw == nil {
		return store.User{}, store.ErrNotFound
	}
	return *raw.(*store.User), nil
}

func (s *Store) CreateUser(_ context.Context, user store.User) error {
	return s.write(func(txn *memdb.Txn) error {
		for index, value := range map[string]string{"id": user.ID, "username": user.Username} {
			existing, err := txn.First(tableUsers, index, value)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			if existing != nil {
				return fmt.Errorf("create user: %w: users_%s_key", store.ErrConflict, index)
			}
		}
		role, err := txn.First(tableRoles, "id", user.Role)
		if err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		if role == nil {
			return fmt.Errorf("create user: role %q does not exist", user.Role)
		}
		row := user
		row.CreatedAt = s.nowFunc()
		return txn.Insert(tableUsers, &row)
	})
}

func (s *Store) ListUsers(_ context.Context) ([]store.User, error) {
	it, err := s.db.Txn(false).Get(tableUsers, "id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	items := make([]store.User, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		user := *raw.(*store.User)
		user.PasswordHash = ""
		items = append(items, user)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Username < items[j].Username })
	return items, nil
}

func (s *Store) UpdateUserRole(_ context.Context, userID, role string) error {
	return s.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(tableUsers, "id", userID)
		if err != nil {
			return fmt.Errorf("update user role: %w", err)
		}
		if raw == nil {
			return store.ErrNotFound
		}
		user := *raw.(*store.User)
		user.Role = role
		return txn.Insert(tableUsers, &user)
	})
}

func (s *Store) ListMembers(_ context.Context, q store.ListQuery) ([]store.Member, error) {
	it, err := s.db.Txn(false).Get(tableMembers, "id")
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	items := make([]store.Member, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		member := raw.(*store.Member)
		if matches(q.Search, member.Lebitso, member.Fane, strconv.Itoa(member.Palo)) {
			items = append(items, cloneMember(*member))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if q.Descending {
			return items[i].Palo > items[j].Palo
		}
		return items[i].Palo < items[j].Palo
	})
	return limit(items, q.EffectiveLimit()), nil
}

func (s *Store) UpdateMemberReceipt(_ context.Context, palo, year int, receipt string) error {
	if !store.ValidReceiptYear(year) {
		return fmt.Errorf("receipt year %d has no column", year)
	}
	return s.write(func(txn *memdb.Txn) error {
		raw, err := txn.First(tableMembers, "palo", palo)
		if err != nil {
			return fmt.Errorf("update receipt: %w", err)
		}
		if raw == nil {
			return store.ErrNotFound
		}
		member := cloneMember(*raw.(*store.Member))
		member.Receipts[year] = receipt
		return txn.Insert(tableMembers, &member)
	})
}

func (s *Store) ListBaptisms(_ context.Context, q store.ListQuery) ([]store.Baptism, error) {
	it, err := s.db.Txn(false).Get(tableBaptisms, "id")
	if err != nil {
		return nil, fmt.Errorf("list baptisms: %w", err)
	}
	items := make([]store.Baptism, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		b := raw.(*store.Baptism)
		if !b.Archived && matches(q.Search, b.FirstName, b.Surname) {
			items = append(items, *b)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].BaptismDate.After(items[j].BaptismDate) })
	return limit(items, q.EffectiveLimit()), nil
}

func (s *Store) ListWeddings(_ context.Context, q store.ListQuery) ([]store.Wedding, error) {
	it, err := s.db.Txn(false).Get(tableWeddings, "id")
	if err != nil {
		return nil, fmt.Errorf("list weddings: %w", err)
	}
	items := make([]store.Wedding, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		w := raw.(*store.Wedding)
		if !w.Archived && matches(q.Search, w.GroomFirstName, w.GroomSurname, w.BrideFirstName, w.BrideSurname) {
			items = append(items, *w)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].WeddingDate.After(items[j].WeddingDate) })
	return limit(items, q.EffectiveLimit()), nil
}

func (s *Store) ListArchives(_ context.Context, search string) ([]store.ArchiveEntry, error) {
	it, err := s.db.Txn(false).Get(tableArchives, "id")
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}
	items := make([]store.ArchiveEntry, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entry := raw.(*store.ArchiveEntry)
		fields := append(archiveSearchFields(entry.Details), strconv.Itoa(entry.Palo))
		if matches(search, fields...) {
			items = append(items, *entry)
		}
	}
	sortArchives(items)
	return items, nil
}

func (s *Store) GetArchivesByIDs(_ context.Context, ids []string) ([]store.ArchiveEntry, error) {
	txn := s.db.Txn(false)
	items := make([]store.ArchiveEntry, 0, len(ids))
	for _, id := range ids {
		raw, err := txn.First(tableArchives, "id", id)
		if err != nil {
			return nil, fmt.Errorf("get archives: %w", err)
		}
		if raw != nil {
			items = append(items, *raw.(*store.ArchiveEntry))
		}
	}
	sortArchives(items)
	return items, nil
}

func (s *Store) InsertActionLog(_ context.Context, entry store.ActionLogEntry) error {
	return s.write(func(txn *memdb.Txn) error {
		seq := s.logSeq.Add(1)
		row := entry
		row.ID = seq
		row.Timestamp = s.nowFunc()
		return txn.Insert(tableActionLogs, &actionLogRow{Seq: seq, Entry: row})
	})
}

func (s *Store) ListActionLogs(_ context.Context, max int) ([]store.ActionLogEntry, error) {
	if max <= 0 {
		max = store.DefaultListLimit
	}
	txn := s.db.Txn(false)
	it, err := txn.Get(tableActionLogs, "id")
	if err != nil {
		return nil, fmt.Errorf("list action logs: %w", err)
	}
	items := make([]store.ActionLogEntry, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		entry := raw.(*actionLogRow).Entry
		if user, err := txn.First(tableUsers, "id", entry.UserID); err == nil && user != nil {
			entry.Username = user.(*store.User).Username
		}
		items = append(items, entry)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	return limit(items, max), nil
}

func (s *Store) RevokeAccessToken(_ context.Context, jti string, exp time.Time) error {
	return s.write(func(txn *memdb.Txn) error {
		return txn.Insert(tableRevoked, &revokedRow{JTI: jti, ExpiresAt: exp})
	})
}

func (s *Store) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	raw, err := s.db.Txn(false).First(tableRevoked, "id", jti)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return raw != nil, nil
}

func (s *Store) Ping(context.Context) error {
	return nil
}

func matches(search string, fields ...string) bool {
	needle := strings.ToLower(strings.TrimSpace(search))
	if needle == "" {
		return true
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

func sortArchives(items []store.ArchiveEntry) {
	sort.Slice(items, func(i, j int) bool { return items[i].Palo < items[j].Palo })
}

func cloneMember(member store.Member) store.Member {
	member.Receipts = member.Receipts.Clone()
	return member
}

package memstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecsa/api/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := New()
	require.NoError(t, err)
	return st
}

func insertMembers(t *testing.T, st *Store, names ...string) {
	t.Helper()
	ctx := context.Background()
	for i, name := range names {
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			return tx.InsertMember(ctx, store.Member{ID: name, Palo: i + 1, Lebitso: name, Fane: "Fane"})
		}))
	}
}

func TestShiftPalosDownClosesGap(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	insertMembers(t, st, "a", "b", "c", "d")

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteMember(ctx, "b"); err != nil {
			return err
		}
		return tx.ShiftPalosDown(ctx, store.CollectionMembers, 2)
	}))

	members, err := st.ListMembers(ctx, store.ListQuery{})
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, want := range []string{"a", "c", "d"} {
		assert.Equal(t, want, members[i].ID)
		assert.Equal(t, i+1, members[i].Palo)
	}
}

func TestFailedTransactionIsDiscarded(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	insertMembers(t, st, "a", "b")

	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.DeleteMember(ctx, "a"); err != nil {
			return err
		}
		return tx.InsertMember(ctx, store.Member{ID: "c", Palo: 2})
	})
	require.ErrorIs(t, err, store.ErrConflict)

	members, err := st.ListMembers(ctx, store.ListQuery{})
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestMaxPalo(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		n, err := tx.MaxPalo(ctx, store.CollectionMembers)
		require.NoError(t, err)
		assert.Zero(t, n)
		_, err = tx.MaxPalo(ctx, store.Collection("ledger"))
		assert.Error(t, err)
		return nil
	}))

	insertMembers(t, st, "a", "b", "c")
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		n, err := tx.MaxPalo(ctx, store.CollectionMembers)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		return nil
	}))
}

func TestArchiveHighWaterSurvivesDelete(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		for i, id := range []string{"x", "y"} {
			if err := tx.InsertArchive(ctx, store.ArchiveEntry{ID: id, Palo: i + 1, RecordType: store.RecordMember, Details: json.RawMessage(`{}`)}); err != nil {
				return err
			}
		}
		return tx.DeleteArchive(ctx, "y")
	}))
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		n, err := tx.MaxPalo(ctx, store.CollectionArchives)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	}))
}

func TestListMembersSearchAndOrder(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	insertMembers(t, st, "Thabo", "Lerato", "Thandi")

	members, err := st.ListMembers(ctx, store.ListQuery{Search: "tha"})
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "Thabo", members[0].Lebitso)

	members, err = st.ListMembers(ctx, store.ListQuery{Limit: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, 3, members[0].Palo)
	assert.Equal(t, 2, members[1].Palo)

	members, err = st.ListMembers(ctx, store.ListQuery{Search: "2"})
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "Lerato", members[0].Lebitso)
}

func TestUpdateMemberReceipt(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	insertMembers(t, st, "a")

	require.NoError(t, st.UpdateMemberReceipt(ctx, 1, 2027, "R-9"))
	assert.ErrorIs(t, st.UpdateMemberReceipt(ctx, 5, 2027, "R-9"), store.ErrNotFound)
	assert.Error(t, st.UpdateMemberReceipt(ctx, 1, 2031, "R-9"))

	members, err := st.ListMembers(ctx, store.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, store.Receipts{2027: "R-9"}, members[0].Receipts)
}

func TestArchiveSearchCoversSnapshotFields(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		entries := []store.ArchiveEntry{
			{ID: "m", Palo: 2, RecordType: store.RecordMember, Details: json.RawMessage(`{"lebitso":"Thabo","fane":"Mokoena"}`)},
			{ID: "w", Palo: 1, RecordType: store.RecordWedding, Details: json.RawMessage(`{"groom_name":"Lerato Nkosi","bride_name":"Palesa Dlamini"}`)},
			{ID: "b", Palo: 13, RecordType: store.RecordBaptism, Details: json.RawMessage(`{"name":"Neo Molefe"}`)},
		}
		for _, e := range entries {
			if err := tx.InsertArchive(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}))

	all, err := st.ListArchives(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int{1, 2, 13}, []int{all[0].Palo, all[1].Palo, all[2].Palo})

	for search, want := range map[string]string{"mokoena": "m", "palesa": "w", "neo": "b", "13": "b"} {
		got, err := st.ListArchives(ctx, search)
		require.NoError(t, err)
		require.Len(t, got, 1, search)
		assert.Equal(t, want, got[0].ID, search)
	}

	byID, err := st.GetArchivesByIDs(ctx, []string{"b", "missing", "m"})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, "m", byID[0].ID)
}

func TestUsersAndRoles(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.EnsureRole(ctx, store.Role{Name: "board_member", CanView: true}))
	require.NoError(t, st.EnsureRole(ctx, store.Role{Name: "board_member", CanAdd: true}))
	role, err := st.GetRole(ctx, "board_member")
	require.NoError(t, err)
	assert.False(t, role.CanAdd, "EnsureRole keeps the existing row")

	assert.ErrorIs(t, st.InsertRole(ctx, store.Role{Name: "board_member"}), store.ErrConflict)
	_, err = st.GetRole(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	user := store.User{ID: "u1", Username: "thabo", PasswordHash: "hash", Role: "board_member"}
	require.NoError(t, st.CreateUser(ctx, user))
	assert.ErrorIs(t, st.CreateUser(ctx, store.User{ID: "u2", Username: "thabo", Role: "board_member"}), store.ErrConflict)
	assert.Error(t, st.CreateUser(ctx, store.User{ID: "u3", Username: "neo", Role: "ghost"}))

	got, err := st.GetUserByUsername(ctx, "thabo")
	require.NoError(t, err)
	assert.Equal(t, "hash", got.PasswordHash)

	require.NoError(t, st.InsertRole(ctx, store.Role{Name: "admin", CanView: true, CanAdd: true, CanUpdate: true, CanArchive: true}))
	require.NoError(t, st.UpdateUserRole(ctx, "u1", "admin"))
	assert.ErrorIs(t, st.UpdateUserRole(ctx, "nobody", "admin"), store.ErrNotFound)

	users, err := st.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "admin", users[0].Role)
	assert.Empty(t, users[0].PasswordHash)

	roles, err := st.ListRoles(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", roles[0].Name)
}

func TestActionLogsNewestFirstWithUsername(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	require.NoError(t, st.EnsureRole(ctx, store.Role{Name: "admin"}))
	require.NoError(t, st.CreateUser(ctx, store.User{ID: "u1", Username: "thabo", Role: "admin"}))

	require.NoError(t, st.InsertActionLog(ctx, store.ActionLogEntry{UserID: "u1", Action: "add_member"}))
	require.NoError(t, st.InsertActionLog(ctx, store.ActionLogEntry{Action: "archive_baptisms"}))

	logs, err := st.ListActionLogs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "archive_baptisms", logs[0].Action)
	assert.Empty(t, logs[0].Username)
	assert.Equal(t, "thabo", logs[1].Username)

	logs, err = st.ListActionLogs(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRevokedTokens(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	revoked, err := st.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, st.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)))
	revoked, err = st.IsAccessTokenRevoked(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestCanceledContextRollsBack(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := st.InTx(ctx, func(tx store.Tx) error {
		cancel()
		return tx.InsertMember(ctx, store.Member{ID: "a", Palo: 1})
	})
	require.ErrorIs(t, err, context.Canceled)

	members, err := st.ListMembers(context.Background(), store.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, members)
}

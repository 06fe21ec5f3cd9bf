package store_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecsa/api/internal/archive"
	"lecsa/api/internal/store"
)

func openPostgres(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LECSA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LECSA_TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := store.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	_, err = store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)
	return store.NewPostgresStore(db)
}

func TestPostgresArchiveAndRestore(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()
	engine := archive.NewEngine(st)

	for _, name := range []string{"A", "B", "C", "D"} {
		_, err := engine.RegisterMember(ctx, "", name, "Mokoena")
		require.NoError(t, err)
	}

	entry, err := engine.ArchiveMember(ctx, "", 2, archive.ReasonMoved)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Palo)

	members, err := st.ListMembers(ctx, store.ListQuery{})
	require.NoError(t, err)
	require.Len(t, members, 3)
	for i, want := range []string{"A", "C", "D"} {
		assert.Equal(t, want, members[i].Lebitso)
		assert.Equal(t, i+1, members[i].Palo)
	}

	restored, err := engine.RestoreArchive(ctx, "", entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, restored.Palo)

	// The restored entry's archive palo stays retired.
	next, err := engine.ArchiveMember(ctx, "", 1, archive.ReasonDeceased)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Palo)
}

func TestPostgresConcurrentArchivesGetDistinctPalos(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()
	engine := archive.NewEngine(st)

	const n = 6
	for i := 0; i < n; i++ {
		_, err := engine.RegisterMember(ctx, "", "Member", "Fane")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Palo 1 always exists until the roll is empty.
			_, err := engine.ArchiveMember(ctx, "", 1, archive.ReasonMoved)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := st.ListArchives(ctx, "")
	require.NoError(t, err)
	require.Len(t, entries, n)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Palo)
	}
	members, err := st.ListMembers(ctx, store.ListQuery{})
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestPostgresUniqueViolationIsConflict(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()

	require.NoError(t, st.InsertRole(ctx, store.Role{Name: "clerk", CanView: true}))
	assert.ErrorIs(t, st.InsertRole(ctx, store.Role{Name: "clerk"}), store.ErrConflict)
}

func TestPostgresReceiptUpdateWaitsForRenumbering(t *testing.T) {
	st := openPostgres(t)
	ctx := context.Background()
	engine := archive.NewEngine(st)
	for _, name := range []string{"A", "B", "C"} {
		_, err := engine.RegisterMember(ctx, "", name, "Mokoena")
		require.NoError(t, err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	txErr := make(chan error, 1)
	go func() {
		txErr <- st.InTx(ctx, func(tx store.Tx) error {
			if err := tx.LockSequence(ctx, store.CollectionMembers); err != nil {
				return err
			}
			close(locked)
			<-release
			first, err := tx.GetMemberByPalo(ctx, 1)
			if err != nil {
				return err
			}
			if err := tx.DeleteMember(ctx, first.ID); err != nil {
				return err
			}
			return tx.ShiftPalosDown(ctx, store.CollectionMembers, 1)
		})
	}()
	<-locked

	updated := make(chan error, 1)
	go func() { updated <- st.UpdateMemberReceipt(ctx, 2, 2026, "R-2") }()
	select {
	case err := <-updated:
		t.Fatalf("receipt update finished while palos were locked: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-txErr)
	require.NoError(t, <-updated)

	members, err := st.ListMembers(ctx, store.ListQuery{})
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "C", members[1].Lebitso)
	assert.Equal(t, "R-2", members[1].Receipts[2026])
	assert.Empty(t, members[0].Receipts[2026])
}

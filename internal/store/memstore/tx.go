package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/tidwall/gjson"

	"lecsa/api/internal/store"
)

type memTx struct {
	txn *memdb.Txn
	now func() time.Time
}

var _ store.Tx = (*memTx)(nil)

func sequenceTable(collection store.Collection) (string, error) {
	switch collection {
	case store.CollectionMembers:
		return tableMembers, nil
	case store.CollectionArchives:
		return tableArchives, nil
	default:
		return "", fmt.Errorf("unknown palo collection %q", collection)
	}
}

// LockSequence is a no-op: the write transaction already excludes every
// other writer.
func (t *memTx) LockSequence(_ context.Context, collection store.Collection) error {
	_, err := sequenceTable(collection)
	return err
}

func (t *memTx) MaxPalo(_ context.Context, collection store.Collection) (int, error) {
	table, err := sequenceTable(collection)
	if err != nil {
		return 0, err
	}
	it, err := t.txn.Get(table, "id")
	if err != nil {
		return 0, fmt.Errorf("max %s palo: %w", collection, err)
	}
	highest := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if p := paloOf(raw); p > highest {
			highest = p
		}
	}
	if collection == store.CollectionArchives {
		hw, err := t.txn.First(tableHighWater, "id", string(collection))
		if err != nil {
			return 0, fmt.Errorf("max %s palo: %w", collection, err)
		}
		if hw != nil && hw.(*highWaterRow).HighWater > highest {
			highest = hw.(*highWaterRow).HighWater
		}
	}
	return highest, nil
}

// ShiftPalosDown walks rows above the vacated slot in ascending order so each
// move lands on a palo the previous step just freed.
func (t *memTx) ShiftPalosDown(_ context.Context, collection store.Collection, above int) error {
	if collection != store.CollectionMembers {
		return fmt.Errorf("shift %s palos: not supported", collection)
	}
	it, err := t.txn.Get(tableMembers, "id")
	if err != nil {
		return fmt.Errorf("shift %s palos: %w", collection, err)
	}
	var moving []store.Member
	for raw := it.Next(); raw != nil; raw = it.Next() {
		member := raw.(*store.Member)
		if member.Palo > above {
			moving = append(moving, cloneMember(*member))
		}
	}
	sort.Slice(moving, func(i, j int) bool { return moving[i].Palo < moving[j].Palo })
	for i := range moving {
		moving[i].Palo--
		if err := t.txn.Insert(tableMembers, &moving[i]); err != nil {
			return fmt.Errorf("shift %s palos: %w", collection, err)
		}
	}
	return nil
}

func (t *memTx) GetMemberByPalo(_ context.Context, palo int) (store.Member, error) {
	raw, err := t.txn.First(tableMembers, "palo", palo)
	if err != nil {
		return store.Member{}, fmt.Errorf("get member: %w", err)
	}
	if raw == nil {
		return store.Member{}, store.ErrNotFound
	}
	return cloneMember(*raw.(*store.Member)), nil
}

func (t *memTx) InsertMember(_ context.Context, member store.Member) error {
	if err := t.ensureVacant(tableMembers, member.ID, member.Palo); err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	row := cloneMember(member)
	if row.Receipts == nil {
		row.Receipts = store.Receipts{}
	}
	row.CreatedAt = t.now()
	return t.txn.Insert(tableMembers, &row)
}

func (t *memTx) DeleteMember(_ context.Context, id string) error {
	return t.deleteByID(tableMembers, id)
}

func (t *memTx) InsertArchive(_ context.Context, entry store.ArchiveEntry) error {
	if err := t.ensureVacant(tableArchives, entry.ID, entry.Palo); err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	row := entry
	row.Details = append([]byte(nil), entry.Details...)
	row.ArchivedAt = t.now()
	if err := t.txn.Insert(tableArchives, &row); err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	hw, err := t.txn.First(tableHighWater, "id", string(store.CollectionArchives))
	if err != nil {
		return fmt.Errorf("record archive high water: %w", err)
	}
	if hw == nil || hw.(*highWaterRow).HighWater < entry.Palo {
		return t.txn.Insert(tableHighWater, &highWaterRow{Collection: string(store.CollectionArchives), HighWater: entry.Palo})
	}
	return nil
}

func (t *memTx) GetArchive(_ context.Context, id string) (store.ArchiveEntry, error) {
	raw, err := t.txn.First(tableArchives, "id", id)
	if err != nil {
		return store.ArchiveEntry{}, fmt.Errorf("get archive: %w", err)
	}
	if raw == nil {
		return store.ArchiveEntry{}, store.ErrNotFound
	}
	return *raw.(*store.ArchiveEntry), nil
}

func (t *memTx) DeleteArchive(_ context.Context, id string) error {
	return t.deleteByID(tableArchives, id)
}

func (t *memTx) InsertBaptism(_ context.Context, b store.Baptism) error {
	existing, err := t.txn.First(tableBaptisms, "id", b.ID)
	if err != nil {
		return fmt.Errorf("insert baptism: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("insert baptism: %w: baptisms_pkey", store.ErrConflict)
	}
	row := b
	row.CreatedAt = t.now()
	return t.txn.Insert(tableBaptisms, &row)
}

func (t *memTx) DueBaptisms(_ context.Context, cutoff time.Time) ([]store.Baptism, error) {
	it, err := t.txn.Get(tableBaptisms, "id")
	if err != nil {
		return nil, fmt.Errorf("select due baptisms: %w", err)
	}
	var due []store.Baptism
	for raw := it.Next(); raw != nil; raw = it.Next() {
		b := raw.(*store.Baptism)
		if !b.Archived && b.BaptismDate.Before(cutoff) {
			due = append(due, *b)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].BaptismDate.Equal(due[j].BaptismDate) {
			return due[i].BaptismDate.Before(due[j].BaptismDate)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due, nil
}

func (t *memTx) MarkBaptismArchived(_ context.Context, id string) error {
	raw, err := t.txn.First(tableBaptisms, "id", id)
	if err != nil {
		return fmt.Errorf("mark baptism archived: %w", err)
	}
	if raw == nil || raw.(*store.Baptism).Archived {
		return store.ErrNotFound
	}
	row := *raw.(*store.Baptism)
	row.Archived = true
	return t.txn.Insert(tableBaptisms, &row)
}

func (t *memTx) InsertWedding(_ context.Context, w store.Wedding) error {
	existing, err := t.txn.First(tableWeddings, "id", w.ID)
	if err != nil {
		return fmt.Errorf("insert wedding: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("insert wedding: %w: weddings_pkey", store.ErrConflict)
	}
	row := w
	row.CreatedAt = t.now()
	return t.txn.Insert(tableWeddings, &row)
}

func (t *memTx) DueWeddings(_ context.Context, cutoff time.Time) ([]store.Wedding, error) {
	it, err := t.txn.Get(tableWeddings, "id")
	if err != nil {
		return nil, fmt.Errorf("select due weddings: %w", err)
	}
	var due []store.Wedding
	for raw := it.Next(); raw != nil; raw = it.Next() {
		w := raw.(*store.Wedding)
		if !w.Archived && w.WeddingDate.Before(cutoff) {
			due = append(due, *w)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].WeddingDate.Equal(due[j].WeddingDate) {
			return due[i].WeddingDate.Before(due[j].WeddingDate)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due, nil
}

func (t *memTx) MarkWeddingArchived(_ context.Context, id string) error {
	raw, err := t.txn.First(tableWeddings, "id", id)
	if err != nil {
		return fmt.Errorf("mark wedding archived: %w", err)
	}
	if raw == nil || raw.(*store.Wedding).Archived {
		return store.ErrNotFound
	}
	row := *raw.(*store.Wedding)
	row.Archived = true
	return t.txn.Insert(tableWeddings, &row)
}

// ensureVacant rejects a second row with the same id or palo. go-memdb
// does not enforce uniqueness on secondary indexes itself.
func (t *memTx) ensureVacant(table, id string, palo int) error {
	existing, err := t.txn.First(table, "id", id)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s_pkey", store.ErrConflict, table)
	}
	existing, err = t.txn.First(table, "palo", palo)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s_palo_key", store.ErrConflict, table)
	}
	return nil
}

func (t *memTx) deleteByID(table, id string) error {
	raw, err := t.txn.First(table, "id", id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if raw == nil {
		return store.ErrNotFound
	}
	return t.txn.Delete(table, raw)
}

func paloOf(raw any) int {
	switch row := raw.(type) {
	case *store.Member:
		return row.Palo
	case *store.ArchiveEntry:
		return row.Palo
	default:
		return 0
	}
}

// archiveSearchFields returns the snapshot fields archive search matches on.
func archiveSearchFields(details []byte) []string {
	results := gjson.GetManyBytes(details, "lebitso", "fane", "name", "groom_name", "bride_name")
	fields := make([]string, 0, len(results))
	for _, r := range results {
		if r.Exists() {
			fields = append(fields, r.String())
		}
	}
	return fields
}

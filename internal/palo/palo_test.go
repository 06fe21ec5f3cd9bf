package palo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lecsa/api/internal/store"
)

type fakeCounter struct {
	locked  []store.Collection
	max     map[store.Collection]int
	shifted []int
	maxErr  error
}

func (f *fakeCounter) LockSequence(_ context.Context, c store.Collection) error {
	f.locked = append(f.locked, c)
	return nil
}

func (f *fakeCounter) MaxPalo(_ context.Context, c store.Collection) (int, error) {
	if f.maxErr != nil {
		return 0, f.maxErr
	}
	return f.max[c], nil
}

func (f *fakeCounter) ShiftPalosDown(_ context.Context, _ store.Collection, above int) error {
	f.shifted = append(f.shifted, above)
	return nil
}

func TestNextStartsAtOne(t *testing.T) {
	c := &fakeCounter{max: map[store.Collection]int{}}
	p, err := Next(context.Background(), c, store.CollectionArchives)
	require.NoError(t, err)
	assert.Equal(t, 1, p)
	assert.Equal(t, []store.Collection{store.CollectionArchives}, c.locked)
}

func TestNextReturnsMaxPlusOne(t *testing.T) {
	c := &fakeCounter{max: map[store.Collection]int{store.CollectionMembers: 7}}
	p, err := Next(context.Background(), c, store.CollectionMembers)
	require.NoError(t, err)
	assert.Equal(t, 8, p)
}

func TestNextPropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	c := &fakeCounter{maxErr: boom}
	_, err := Next(context.Background(), c, store.CollectionMembers)
	assert.ErrorIs(t, err, boom)
}

func TestReleaseShiftsMembersAbove(t *testing.T) {
	c := &fakeCounter{}
	require.NoError(t, Release(context.Background(), c, store.CollectionMembers, 3))
	assert.Equal(t, []int{3}, c.shifted)
}

func TestReleaseRejectsArchives(t *testing.T) {
	c := &fakeCounter{}
	err := Release(context.Background(), c, store.CollectionArchives, 2)
	assert.ErrorIs(t, err, ErrNotReleasable)
	assert.Empty(t, c.shifted)
}

func TestReleaseRejectsNonPositive(t *testing.T) {
	c := &fakeCounter{}
	assert.Error(t, Release(context.Background(), c, store.CollectionMembers, 0))
}

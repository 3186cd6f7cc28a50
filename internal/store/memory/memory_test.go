package memory

import (
	"context"
	"errors"
	"testing"

	"cafe-settlement/internal/store"
	"cafe-settlement/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		m := &models.Member{Name: "откат"}
		require.NoError(t, tx.Members().Create(ctx, m))
		require.NoError(t, store.RecordTransition(ctx, tx, store.EntityMember, m.ID, "rank_find_status", 1, 0, "test"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.Members().GetByID(ctx, 1)
	assert.ErrorIs(t, err, models.ErrNotFound)
	list, err := s.Transitions().ListByEntity(ctx, store.EntityMember, 1)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestInTxCommits(t *testing.T) {
	ctx := context.Background()
	s := New()

	var id int64
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		m := &models.Member{Name: "фиксация"}
		if err := tx.Members().Create(ctx, m); err != nil {
			return err
		}
		id = m.ID
		return store.RecordTransition(ctx, tx, store.EntityMember, m.ID, "rank_find_status", 1, 0, "test")
	}))

	m, err := s.Members().GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "фиксация", m.Name)

	list, err := s.Transitions().ListByEntity(ctx, store.EntityMember, id)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "1", list[0].FromState)
	assert.Equal(t, "0", list[0].ToState)
}

func TestInTxHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := New().InTx(ctx, func(tx store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

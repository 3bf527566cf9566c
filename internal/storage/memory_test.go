package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labsync/labsync/internal/core/collab"
)

func TestMemoryGetClones(t *testing.T) {
	m := NewMemory()
	m.Put(1, collab.Record{"unit_price": 10.0})

	rec, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	rec["unit_price"] = 99.0

	again, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, again["unit_price"], "callers must not mutate stored state")
}

func TestMemoryUpdateFields(t *testing.T) {
	m := NewMemory()
	m.Put(1, collab.Record{"unit_price": 10.0, "status": collab.StatusPending})

	rec, err := m.UpdateFields(context.Background(), 1, collab.Record{
		"unit_price": 12.0,
		"line_total": 36.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 12.0, rec["unit_price"])
	assert.Equal(t, 36.0, rec["line_total"])
	assert.Equal(t, collab.StatusPending, rec["status"])

	_, err = m.UpdateFields(context.Background(), 404, collab.Record{"unit_price": 1.0})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryList(t *testing.T) {
	m := NewMemory()
	m.Put(1, collab.Record{"unit_price": 10.0})
	m.Put(2, collab.Record{"work_hours": 4.0})

	all, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 10.0, all[1]["unit_price"])

	all[1]["unit_price"] = 99.0
	again, err := m.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10.0, again["unit_price"])
}

func TestMemoryGetUnknown(t *testing.T) {
	m := NewMemory()
	_, err := m.Get(context.Background(), 7)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOptions(t *testing.T) {
	m := NewMemory()
	m.PutStaff("chemistry", []collab.Option{{ID: 7, Name: "Li", Account: "li"}})

	opts, err := m.Options(context.Background(), "chemistry")
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, int64(7), opts[0].ID)

	opts, err = m.Options(context.Background(), "physics")
	require.NoError(t, err)
	assert.Empty(t, opts)
}

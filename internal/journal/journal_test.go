// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()

	ok, err := j.Acked(ctx, "m-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.MarkAcked(ctx, "m-1"))
	require.NoError(t, j.MarkAcked(ctx, "m-1"), "marking twice is harmless")

	ok, err = j.Acked(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = j.Acked(ctx, "m-2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.Close())
	_, err = j.Acked(ctx, "m-1")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.MarkAcked(ctx, "m-3"), ErrClosed)
}

func TestMemoryJournal(t *testing.T) {
	exercise(t, NewMemory(0))
}

func TestMemoryJournalExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	j := NewMemory(time.Minute)
	j.now = func() time.Time { return now }

	require.NoError(t, j.MarkAcked(ctx, "old"))
	now = now.Add(2 * time.Minute)

	ok, err := j.Acked(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.MarkAcked(ctx, "a"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, j.MarkAcked(ctx, "b"))
	assert.Equal(t, 1, j.Len(), "expired entries are swept on write")
}

func TestBadgerJournal(t *testing.T) {
	j, err := OpenBadger(t.TempDir(), time.Hour)
	require.NoError(t, err)
	exercise(t, j)
	assert.NoError(t, j.Close(), "close is idempotent")
}

func TestBadgerJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := OpenBadger(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, j.MarkAcked(ctx, "m-1"))
	require.NoError(t, j.Close())

	j, err = OpenBadger(dir, time.Hour)
	require.NoError(t, err)
	defer j.Close()
	ok, err := j.Acked(ctx, "m-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBadgerInMemory(t *testing.T) {
	j, err := OpenBadger("", 0)
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.MarkAcked(context.Background(), "x"))
	ok, err := j.Acked(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, ok)
}

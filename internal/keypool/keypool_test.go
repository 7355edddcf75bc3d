package keypool

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openchat-hq/keyrelay/internal/secret"
	"github.com/openchat-hq/keyrelay/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cipher, err := secret.NewCipher("test-passphrase")
	require.NoError(t, err)
	return New(store.NewMemory(), cipher, slog.Default())
}

func TestAddAndList(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	cred, err := m.Add(ctx, "sk-or-v1-aaa")
	require.NoError(t, err)
	require.NotEmpty(t, cred.ID)
	require.True(t, cred.Active)
	require.EqualValues(t, 0, cred.UsageCount)
	require.Nil(t, cred.LastUsedAt)
	require.Equal(t, "sk-or-v1-aaa", cred.Secret)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	// At rest the secret stays sealed.
	require.NotEqual(t, "sk-or-v1-aaa", all[0].Secret)
}

func TestAddRejectsEmptySecret(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Add(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptySecret)
}

func TestRemoveNotFoundPolicy(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	cred, err := m.Add(ctx, "sk-or-v1-aaa")
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, cred.ID))

	// Removed records are gone from candidate listing.
	cands, err := m.ListCandidates(ctx)
	require.NoError(t, err)
	require.Empty(t, cands)

	// Removing again reports NotFound, same as any missing id.
	require.ErrorIs(t, m.Remove(ctx, cred.ID), ErrNotFound)
	require.ErrorIs(t, m.Remove(ctx, "no-such-id"), ErrNotFound)
}

func TestSetActiveNotFound(t *testing.T) {
	m := newTestManager(t)
	require.ErrorIs(t, m.SetActive(context.Background(), "missing", false), ErrNotFound)
}

func TestCandidateExclusionAndOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	// Pool from the worked example: a used 5 times, b used twice,
	// c used twice but inactive.
	a, err := m.Add(ctx, "secret-a")
	require.NoError(t, err)
	b, err := m.Add(ctx, "secret-b")
	require.NoError(t, err)
	c, err := m.Add(ctx, "secret-c")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.RecordUsage(ctx, a.ID))
	}
	for i := 0; i < 2; i++ {
		require.NoError(t, m.RecordUsage(ctx, b.ID))
		require.NoError(t, m.RecordUsage(ctx, c.ID))
	}
	require.NoError(t, m.SetActive(ctx, c.ID, false))

	cands, err := m.ListCandidates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{b.ID, a.ID}, candidateIDs(cands))

	// Secrets come back decrypted for dispatch.
	require.Equal(t, "secret-b", cands[0].Secret)

	// Unchanged pool, identical order.
	again, err := m.ListCandidates(ctx)
	require.NoError(t, err)
	require.Equal(t, candidateIDs(cands), candidateIDs(again))
}

func TestMarkFailedExcludesWithoutUsageBump(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	cred, err := m.Add(ctx, "secret-x")
	require.NoError(t, err)

	require.NoError(t, m.MarkFailed(ctx, cred.ID))

	cands, err := m.ListCandidates(ctx)
	require.NoError(t, err)
	require.Empty(t, cands)

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Active)
	require.EqualValues(t, 0, all[0].UsageCount)
	require.Nil(t, all[0].LastUsedAt)
}

func TestRecordUsage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	cred, err := m.Add(ctx, "secret-x")
	require.NoError(t, err)

	require.NoError(t, m.RecordUsage(ctx, cred.ID))
	require.NoError(t, m.RecordUsage(ctx, cred.ID))

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, all[0].UsageCount)
	require.NotNil(t, all[0].LastUsedAt)
	require.True(t, all[0].LastUsedAt.Equal(now))
}

func TestResetUsage(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	cred, err := m.Add(ctx, "secret-x")
	require.NoError(t, err)
	require.NoError(t, m.RecordUsage(ctx, cred.ID))

	require.NoError(t, m.ResetUsage(ctx))

	all, err := m.List(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, all[0].UsageCount)
	require.Nil(t, all[0].LastUsedAt)
}

func TestReactivation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	cred, err := m.Add(ctx, "secret-x")
	require.NoError(t, err)
	require.NoError(t, m.MarkFailed(ctx, cred.ID))
	require.NoError(t, m.SetActive(ctx, cred.ID, true))

	cands, err := m.ListCandidates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{cred.ID}, candidateIDs(cands))
}

func candidateIDs(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ID
	}
	return out
}

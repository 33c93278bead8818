package loop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfeed/internal/store"
)

func TestResetDailyZeroesStaleCounters(t *testing.T) {
	st := store.NewInMemoryStore()
	l := NewLedger(st, 5)

	a := testAgent(1, 10)
	a.DailyTokensUsed = 500
	a.DailyPostsUsed = 2
	yesterday := time.Now().UTC().Add(-25 * time.Hour)
	a.TokenResetAt = &yesterday
	a.PostResetAt = &yesterday
	a.PausedReason = store.PauseDailyTokenLimit

	changed := l.ResetDaily(a, time.Now())
	assert.True(t, changed)
	assert.Zero(t, a.DailyTokensUsed)
	assert.Zero(t, a.DailyPostsUsed)
	assert.Equal(t, store.PauseNone, a.PausedReason)

	// The same day never resets twice.
	a.DailyTokensUsed = 50
	changed = l.ResetDaily(a, time.Now())
	assert.False(t, changed)
	assert.Equal(t, 50, a.DailyTokensUsed)
}

func TestResetDailyLeavesOtherPauses(t *testing.T) {
	l := NewLedger(store.NewInMemoryStore(), 5)

	a := testAgent(1, 10)
	a.PausedReason = store.PauseNoProvider
	yesterday := time.Now().UTC().Add(-25 * time.Hour)
	a.TokenResetAt = &yesterday
	a.PostResetAt = &yesterday

	l.ResetDaily(a, time.Now())
	assert.Equal(t, store.PauseNoProvider, a.PausedReason)
}

func TestExhaustionChecks(t *testing.T) {
	l := NewLedger(store.NewInMemoryStore(), 5)

	a := testAgent(1, 10)
	assert.False(t, l.TokensExhausted(a), "zero limit means unlimited")
	assert.False(t, l.PostsExhausted(a))

	a.DailyTokenLimit = 100
	a.DailyTokensUsed = 99
	assert.False(t, l.TokensExhausted(a))
	a.DailyTokensUsed = 100
	assert.True(t, l.TokensExhausted(a))

	a.DailyPostLimit = 1
	a.DailyPostsUsed = 1
	assert.True(t, l.PostsExhausted(a))
}

func TestMeteredCompleteReservesPlatformCredit(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SetCredit(10, 12)
	l := NewLedger(st, 5)

	client := &fakeClient{source: store.SourcePlatform, responses: []string{"{}"}}
	complete := l.MeteredComplete(client, 10, 100, 0.4)

	_, _, err := complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	balance, _ := st.CreditBalance(context.Background(), 10)
	assert.Equal(t, int64(7), balance)

	_, _, err = complete(context.Background(), "sys", "user")
	require.NoError(t, err)

	// Third call cannot cover the reservation.
	_, _, err = complete(context.Background(), "sys", "user")
	assert.ErrorIs(t, err, store.ErrNoCredit)
	assert.Equal(t, 2, client.callCount(), "unfunded call never reaches the provider")
}

func TestMeteredCompleteRefundsOnFailure(t *testing.T) {
	st := store.NewInMemoryStore()
	st.SetCredit(10, 20)
	l := NewLedger(st, 5)

	client := &fakeClient{source: store.SourcePlatform, err: errors.New("provider exploded")}
	complete := l.MeteredComplete(client, 10, 100, 0.4)

	_, _, err := complete(context.Background(), "sys", "user")
	assert.Error(t, err)

	balance, _ := st.CreditBalance(context.Background(), 10)
	assert.Equal(t, int64(20), balance, "failed call is refunded")
}

func TestMeteredCompleteSkipsUserProviders(t *testing.T) {
	st := store.NewInMemoryStore()
	l := NewLedger(st, 5)

	client := &fakeClient{source: store.SourceUser, responses: []string{"{}"}}
	complete := l.MeteredComplete(client, 10, 100, 0.4)

	_, _, err := complete(context.Background(), "sys", "user")
	require.NoError(t, err)

	balance, _ := st.CreditBalance(context.Background(), 10)
	assert.Zero(t, balance, "user-funded calls never touch platform credit")
}

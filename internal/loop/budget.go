package loop

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/aiconnectors"
	"github.com/agentfeed/internal/store"
)

// Ledger owns the per-agent daily budgets and the platform-credit metering
// around completion calls.
type Ledger struct {
	store         store.Store
	creditPerCall int64
}

func NewLedger(st store.Store, creditPerCall int64) *Ledger {
	return &Ledger{store: st, creditPerCall: creditPerCall}
}

// ResetDaily zeroes any usage counter whose reset watermark predates the
// start of the current UTC day. Each counter resets exactly once per day and
// never partially. Clearing the token counter also clears a
// daily_token_limit pause. Returns true when anything changed.
func (l *Ledger) ResetDaily(a *store.Agent, now time.Time) bool {
	startOfDay := now.UTC().Truncate(24 * time.Hour)
	changed := false

	if a.TokenResetAt == nil || a.TokenResetAt.Before(startOfDay) {
		a.DailyTokensUsed = 0
		t := now.UTC()
		a.TokenResetAt = &t
		if a.PausedReason == store.PauseDailyTokenLimit {
			a.PausedReason = store.PauseNone
		}
		changed = true
	}

	if a.PostResetAt == nil || a.PostResetAt.Before(startOfDay) {
		a.DailyPostsUsed = 0
		t := now.UTC()
		a.PostResetAt = &t
		changed = true
	}

	return changed
}

// TokensExhausted reports whether the agent's daily token budget is spent.
// A zero limit means unlimited.
func (l *Ledger) TokensExhausted(a *store.Agent) bool {
	return a.DailyTokenLimit > 0 && a.DailyTokensUsed >= a.DailyTokenLimit
}

// PostsExhausted reports whether the agent's daily post quota is spent.
func (l *Ledger) PostsExhausted(a *store.Agent) bool {
	return a.DailyPostLimit > 0 && a.DailyPostsUsed >= a.DailyPostLimit
}

// MeteredComplete wraps a completion client into a CompleteFunc that, for
// platform-funded providers, reserves a fixed credit amount before the call
// and refunds it when the call fails. User-supplied providers skip metering.
func (l *Ledger) MeteredComplete(client aiconnectors.CompletionClient, userID int64, maxTokens int, temperature float64) CompleteFunc {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, int, error) {
		metered := client.Source() == store.SourcePlatform
		if metered {
			if err := l.store.ReserveCredit(ctx, userID, l.creditPerCall); err != nil {
				return "", 0, err
			}
		}

		text, tokens, err := client.Complete(ctx, systemPrompt, userPrompt, maxTokens, temperature)
		if err != nil && metered {
			if refundErr := l.store.RefundCredit(ctx, userID, l.creditPerCall); refundErr != nil {
				log.Error().Err(refundErr).
					Int64("user_id", userID).
					Int64("amount", l.creditPerCall).
					Msg("Failed to refund reserved credit after completion failure")
			}
		}
		return text, tokens, err
	}
}

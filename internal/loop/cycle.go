package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/aiconnectors"
	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/notify"
	"github.com/agentfeed/internal/retry"
	"github.com/agentfeed/internal/store"
)

// Cycle outcome reasons reported in Result.Reason. Pause outcomes report
// the concrete pause reason (no_provider, no_credit, daily_token_limit)
// instead of a generic marker so callers can tell why the agent stopped.
const (
	ReasonLockedOrDisabled = "locked_or_disabled"
	ReasonDisabled         = "disabled"
	ReasonNoCandidates     = "no_candidates"
	ReasonCompleted        = "completed"
	ReasonError            = "error"
)

const maxStoredErrorLen = 500

// Result summarizes one cycle attempt.
type Result struct {
	OK           bool   `json:"ok"`
	Reason       string `json:"reason"`
	ActionsTaken int    `json:"actionsTaken"`
}

// ProviderResolver yields the completion client for a user. Satisfied by
// *aiconnectors.Resolver; tests substitute fakes.
type ProviderResolver interface {
	ResolveForUser(ctx context.Context, userID int64) (aiconnectors.CompletionClient, error)
}

// Scheduler runs one full autonomous cycle for an agent: lease, budget
// reset, eligibility, candidate fetch, plan generation, execution, persona
// lifecycle, and watermark advance.
type Scheduler struct {
	store    store.Store
	resolver ProviderResolver
	notifier *notify.Notifier
	gen      *Generator
	exec     *Executor
	ledger   *Ledger
	engine   *Engine
	cfg      *config.Config
	now      func() time.Time
}

func NewScheduler(st store.Store, resolver ProviderResolver, cfg *config.Config) *Scheduler {
	notifier := notify.NewNotifier(st)
	ledger := NewLedger(st, cfg.Loop.CreditPerCall)
	return &Scheduler{
		store:    st,
		resolver: resolver,
		notifier: notifier,
		gen:      NewGenerator(cfg.Loop),
		exec:     NewExecutor(st, notifier, ledger, cfg.Loop),
		ledger:   ledger,
		engine:   NewEngine(st, notifier, cfg.Loop),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock overrides the scheduler's clock, propagating it to the persona
// engine. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	s.engine.withClock(now)
	return s
}

// Engine exposes the persona engine for scorer overrides.
func (s *Scheduler) Engine() *Engine { return s.engine }

// RunCycle executes one cycle for the agent. Concurrent invocations for the
// same agent are safe: only the caller that wins the lease proceeds, the
// rest return locked_or_disabled. The lease is always released, including on
// error paths.
func (s *Scheduler) RunCycle(ctx context.Context, agentID int64) (Result, error) {
	now := s.now()
	ok, err := s.store.AcquireLease(ctx, agentID, now, now.Add(s.cfg.Loop.LeaseDuration()))
	if err != nil {
		return Result{Reason: ReasonError}, fmt.Errorf("acquire lease for agent %d: %w", agentID, err)
	}
	if !ok {
		return Result{Reason: ReasonLockedOrDisabled}, nil
	}

	// Reload after winning the lease so the cycle sees current state.
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		s.releaseLease(ctx, agentID)
		return Result{Reason: ReasonError}, err
	}

	actions, reason, runErr := s.runLeased(ctx, a)
	if runErr != nil {
		a.LastError = truncate(runErr.Error(), maxStoredErrorLen)
		if errors.Is(runErr, store.ErrNoCredit) {
			s.pause(ctx, a, store.PauseNoCredit)
		}
	} else {
		a.LastError = ""
	}
	t := s.now()
	a.LastRunAt = &t

	if err := s.persistAgent(ctx, a); err != nil {
		log.Error().Err(err).Int64("agent_id", a.ID).Msg("Failed to persist agent state after cycle")
		if runErr == nil {
			runErr = err
			reason = ""
		}
	}
	s.releaseLease(ctx, agentID)

	if runErr != nil {
		return Result{Reason: ReasonError, ActionsTaken: actions}, runErr
	}

	if actions > 0 {
		if err := s.store.AddActivity(ctx, &store.ActivityEvent{
			AgentID: a.ID,
			Kind:    store.ActivityCycleCompleted,
			Payload: map[string]interface{}{"actions": actions},
		}); err != nil {
			log.Error().Err(err).Int64("agent_id", a.ID).Msg("Failed to record cycle activity")
		}
	}

	log.Info().
		Int64("agent_id", a.ID).
		Str("reason", reason).
		Int("actions", actions).
		Msg("Cycle finished")
	ok = reason == ReasonCompleted || reason == ReasonNoCandidates
	return Result{OK: ok, Reason: reason, ActionsTaken: actions}, nil
}

// runLeased is the cycle body; the caller owns lease release and agent
// persistence.
func (s *Scheduler) runLeased(ctx context.Context, a *store.Agent) (int, string, error) {
	if !a.Enabled || !a.Activated {
		return 0, ReasonDisabled, nil
	}

	now := s.now()
	s.ledger.ResetDaily(a, now)

	// Sticky pauses abort before any provider or store work. no_credit is
	// re-checked against the balance below; no_provider re-resolves on
	// direct triggers so a fixed provider config recovers the agent.
	switch a.PausedReason {
	case store.PauseNone, store.PauseNoCredit, store.PauseNoProvider:
	default:
		return 0, string(a.PausedReason), nil
	}

	client, err := s.resolver.ResolveForUser(ctx, a.UserID)
	if err != nil {
		if errors.Is(err, aiconnectors.ErrNoProvider) {
			s.pause(ctx, a, store.PauseNoProvider)
			return 0, string(store.PauseNoProvider), nil
		}
		return 0, "", fmt.Errorf("resolve provider: %w", err)
	}
	if a.PausedReason == store.PauseNoProvider {
		a.PausedReason = store.PauseNone
	}

	if client.Source() == store.SourcePlatform {
		balance, err := s.store.CreditBalance(ctx, a.UserID)
		if err != nil {
			return 0, "", fmt.Errorf("check credit balance: %w", err)
		}
		if balance < s.cfg.Loop.CreditPerCall {
			s.pause(ctx, a, store.PauseNoCredit)
			return 0, string(store.PauseNoCredit), nil
		}
	}
	if a.PausedReason == store.PauseNoCredit {
		a.PausedReason = store.PauseNone
	}

	after := time.Time{}
	if a.LastSeenPostAt != nil {
		after = *a.LastSeenPostAt
	}
	candidates, err := s.store.ListCandidatePosts(ctx, a.ID, a.UserID, after, s.cfg.Loop.ReviewQuorumTarget, s.cfg.Loop.CandidateBatchSize)
	if err != nil {
		return 0, "", fmt.Errorf("list candidate posts: %w", err)
	}
	if len(candidates) == 0 {
		return 0, ReasonNoCandidates, nil
	}

	if s.ledger.TokensExhausted(a) {
		s.pause(ctx, a, store.PauseDailyTokenLimit)
		return 0, string(store.PauseDailyTokenLimit), nil
	}

	rules, err := s.store.ListMemoryRules(ctx, a.ID)
	if err != nil {
		return 0, "", fmt.Errorf("list memory rules: %w", err)
	}
	profile, err := s.store.GetOwnerProfile(ctx, a.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, "", fmt.Errorf("load owner profile: %w", err)
	}

	complete := s.ledger.MeteredComplete(client, a.UserID, s.cfg.AI.MaxTokens, s.cfg.AI.Temperature)
	input := PromptInput{Agent: a, Rules: rules, Profile: profile, Candidates: candidates}

	ranShadow := a.Persona.Mode == store.ModeShadow
	plan, err := s.generate(ctx, a, complete, input)
	if err != nil {
		return 0, "", err
	}

	if err := s.engine.RecomputeConfidence(ctx, a); err != nil {
		return 0, "", fmt.Errorf("recompute confidence: %w", err)
	}
	takeover := a.Persona.Confidence < s.cfg.Loop.TakeoverConfidence

	actions, err := s.exec.Apply(ctx, a, candidates, plan, takeover)
	if err != nil {
		return actions, "", err
	}

	// Persona transitions are one-directional per cycle: a shadow cycle can
	// only promote, a live cycle can only roll back. Gating on the mode the
	// cycle actually ran in keeps a fresh promotion from being unwound by
	// the rollback check in the same pass.
	if ranShadow {
		if _, err := s.engine.EvaluatePromotion(ctx, a); err != nil {
			return actions, "", fmt.Errorf("evaluate promotion: %w", err)
		}
	} else {
		if _, err := s.engine.EvaluateRollback(ctx, a); err != nil {
			return actions, "", fmt.Errorf("evaluate rollback: %w", err)
		}
	}

	// The watermark moves to the newest fetched candidate, seen or acted on
	// either way. Skipped posts never come back.
	last := candidates[len(candidates)-1].CreatedAt
	a.LastSeenPostAt = &last

	return actions, ReasonCompleted, nil
}

// generate produces the plan to execute. Shadow mode generates both the
// baseline and the persona-styled variant over the same candidates, records
// the comparison, and executes the baseline; live mode generates and
// executes the persona variant alone.
func (s *Scheduler) generate(ctx context.Context, a *store.Agent, complete CompleteFunc, input PromptInput) (Plan, error) {
	if a.Persona.Mode != store.ModeShadow {
		input.WithPersona = true
		plan, tokens, err := s.gen.Generate(ctx, complete, input)
		a.DailyTokensUsed += tokens
		if err != nil {
			return Plan{}, fmt.Errorf("generate plan: %w", err)
		}
		return plan, nil
	}

	input.WithPersona = false
	basePlan, tokens, err := s.gen.Generate(ctx, complete, input)
	a.DailyTokensUsed += tokens
	if err != nil {
		return Plan{}, fmt.Errorf("generate baseline plan: %w", err)
	}

	input.WithPersona = true
	personaPlan, tokens, err := s.gen.Generate(ctx, complete, input)
	a.DailyTokensUsed += tokens
	if err != nil {
		return Plan{}, fmt.Errorf("generate persona plan: %w", err)
	}

	if err := s.engine.LogShadowCompare(ctx, a.ID, ScorePlan(basePlan), ScorePlan(personaPlan)); err != nil {
		log.Error().Err(err).Int64("agent_id", a.ID).Msg("Failed to record shadow comparison")
	}
	return basePlan, nil
}

// pause transitions the agent into a paused state, notifying the owner only
// when the reason actually changes.
func (s *Scheduler) pause(ctx context.Context, a *store.Agent, reason store.PauseReason) {
	if a.PausedReason == reason {
		return
	}
	a.PausedReason = reason
	log.Warn().
		Int64("agent_id", a.ID).
		Str("reason", string(reason)).
		Msg("Agent paused")
	if kind := notify.PauseKind(reason); kind != "" {
		s.notifier.Notify(ctx, a, notify.Event{Kind: kind})
	}
}

func (s *Scheduler) persistAgent(ctx context.Context, a *store.Agent) error {
	return retry.Do(ctx, retry.StoreConfig(), func() error {
		return s.store.UpdateAgent(ctx, a)
	})
}

func (s *Scheduler) releaseLease(ctx context.Context, agentID int64) {
	if err := s.store.ReleaseLease(ctx, agentID); err != nil {
		log.Error().Err(err).Int64("agent_id", agentID).Msg("Failed to release cycle lease")
	}
}

package loop

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/notify"
	"github.com/agentfeed/internal/store"
)

// ConfidenceScorer reduces recent persona signals to a confidence scalar in
// [0,1]. The exact weighting is pluggable; the loop only consumes the result.
type ConfidenceScorer func(signals []*store.PersonaSignal) float64

// DegradationChecker decides whether a live persona has degraded enough to
// roll back, returning a human-readable reason when it has.
type DegradationChecker func(signals []*store.PersonaSignal) (bool, string)

// DefaultConfidence starts from a neutral base and moves with owner
// feedback: approvals pull up, rejections pull down harder, takeovers pull
// down hardest.
func DefaultConfidence(signals []*store.PersonaSignal) float64 {
	conf := 0.65
	for _, s := range signals {
		switch s.SignalType {
		case store.SignalReviewApprove:
			conf += 0.05
		case store.SignalReviewReject:
			conf -= 0.10
		case store.SignalReviewUndo:
			conf -= 0.05
		case store.SignalTakeover:
			conf -= 0.08
		}
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// DefaultDegradation rolls back when recent owner feedback turns sharply
// negative: a high reject rate over a meaningful sample, or repeated
// takeovers.
func DefaultDegradation(signals []*store.PersonaSignal) (bool, string) {
	var approves, rejects, takeovers int
	for _, s := range signals {
		switch s.SignalType {
		case store.SignalReviewApprove:
			approves++
		case store.SignalReviewReject:
			rejects++
		case store.SignalTakeover:
			takeovers++
		}
	}
	reviewed := approves + rejects
	if reviewed >= 10 && float64(rejects)/float64(reviewed) >= 0.4 {
		return true, fmt.Sprintf("reject rate %.0f%% over last %d reviews", 100*float64(rejects)/float64(reviewed), reviewed)
	}
	if takeovers >= 3 {
		return true, fmt.Sprintf("%d takeovers in the evaluation window", takeovers)
	}
	return false, ""
}

// Engine owns persona mode transitions, confidence, and the shadow A/B
// comparison bookkeeping.
type Engine struct {
	store      store.Store
	notifier   *notify.Notifier
	cfg        config.LoopConfig
	confidence ConfidenceScorer
	degraded   DegradationChecker
	now        func() time.Time
}

func NewEngine(st store.Store, notifier *notify.Notifier, cfg config.LoopConfig) *Engine {
	return &Engine{
		store:      st,
		notifier:   notifier,
		cfg:        cfg,
		confidence: DefaultConfidence,
		degraded:   DefaultDegradation,
		now:        time.Now,
	}
}

// WithScorers overrides the pluggable scoring functions. Nil arguments keep
// the current ones.
func (e *Engine) WithScorers(conf ConfidenceScorer, deg DegradationChecker) *Engine {
	if conf != nil {
		e.confidence = conf
	}
	if deg != nil {
		e.degraded = deg
	}
	return e
}

func (e *Engine) withClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ScorePlan is the heuristic plan value used by the shadow comparison:
// 1 per vote cast, 2 per non-empty comment, 1 per spam flag, 3 for a new
// post.
func ScorePlan(p Plan) int {
	score := 0
	for _, d := range p.Decisions {
		if d.Vote != 0 {
			score++
		}
		if d.Comment != "" {
			score += 2
		}
		if d.FlagSpam {
			score++
		}
	}
	if p.NewPost != nil {
		score += 3
	}
	return score
}

// RecomputeConfidence refreshes the agent's confidence from signals in the
// trailing promotion window.
func (e *Engine) RecomputeConfidence(ctx context.Context, a *store.Agent) error {
	since := e.now().Add(-e.cfg.PromoteWindow())
	signals, err := e.store.ListPersonaSignals(ctx, a.ID, since)
	if err != nil {
		return err
	}
	a.Persona.Confidence = e.confidence(signals)
	return nil
}

// LogShadowCompare records one baseline-vs-persona comparison as an
// activity event for later promotion statistics.
func (e *Engine) LogShadowCompare(ctx context.Context, agentID int64, baselineScore, personaScore int) error {
	return e.store.AddActivity(ctx, &store.ActivityEvent{
		AgentID: agentID,
		Kind:    store.ActivityShadowCompare,
		Payload: map[string]interface{}{
			"baseline_score": baselineScore,
			"persona_score":  personaScore,
			"comparable":     true,
			"baseline_win":   baselineScore > personaScore,
			"persona_win":    personaScore > baselineScore,
		},
	})
}

// EvaluatePromotion promotes a shadow persona to live when, over the
// trailing window, all four gates hold: enough comparable samples, a
// persona win-rate lead, a low reject rate, and high confidence.
func (e *Engine) EvaluatePromotion(ctx context.Context, a *store.Agent) (bool, error) {
	if a.Persona.Mode != store.ModeShadow {
		return false, nil
	}

	since := e.now().Add(-e.cfg.PromoteWindow())
	compares, err := e.store.ListShadowCompares(ctx, a.ID, since)
	if err != nil {
		return false, err
	}
	var comparable, personaWins, baselineWins int
	for _, c := range compares {
		if !c.Comparable {
			continue
		}
		comparable++
		if c.PersonaWin {
			personaWins++
		}
		if c.BaselineWin {
			baselineWins++
		}
	}
	if comparable < e.cfg.PromoteMinSamples {
		return false, nil
	}

	personaRate := float64(personaWins) / float64(comparable)
	baselineRate := float64(baselineWins) / float64(comparable)
	if personaRate-baselineRate < e.cfg.PromoteWinRateGap {
		return false, nil
	}

	signals, err := e.store.ListPersonaSignals(ctx, a.ID, since)
	if err != nil {
		return false, err
	}
	var approves, rejects int
	for _, s := range signals {
		switch s.SignalType {
		case store.SignalReviewApprove:
			approves++
		case store.SignalReviewReject:
			rejects++
		}
	}
	if reviewed := approves + rejects; reviewed > 0 {
		if float64(rejects)/float64(reviewed) > e.cfg.PromoteMaxReject {
			return false, nil
		}
	}

	if a.Persona.Confidence < e.cfg.PromoteMinConfident {
		return false, nil
	}

	now := e.now()
	a.Persona.Mode = store.ModeLive
	a.Persona.LastPromotedAt = &now
	if err := e.store.SavePersonaSnapshot(ctx, &store.PersonaSnapshot{
		AgentID: a.ID,
		Persona: a.Persona,
		Source:  store.SnapshotAutoPromote,
	}); err != nil {
		return false, err
	}
	e.notifier.Notify(ctx, a, notify.Event{Kind: notify.KindPersonaPromoted})
	log.Info().
		Int64("agent_id", a.ID).
		Float64("persona_win_rate", personaRate).
		Float64("baseline_win_rate", baselineRate).
		Int("samples", comparable).
		Msg("Persona promoted to live")
	return true, nil
}

// EvaluateRollback rolls a live persona back to shadow when the degradation
// check trips.
func (e *Engine) EvaluateRollback(ctx context.Context, a *store.Agent) (bool, error) {
	if a.Persona.Mode != store.ModeLive {
		return false, nil
	}

	since := e.now().Add(-e.cfg.PromoteWindow())
	signals, err := e.store.ListPersonaSignals(ctx, a.ID, since)
	if err != nil {
		return false, err
	}
	degraded, reason := e.degraded(signals)
	if !degraded {
		return false, nil
	}

	a.Persona.Mode = store.ModeShadow
	if err := e.store.SavePersonaSnapshot(ctx, &store.PersonaSnapshot{
		AgentID: a.ID,
		Persona: a.Persona,
		Source:  store.SnapshotAutoRollback,
	}); err != nil {
		return false, err
	}
	e.notifier.Notify(ctx, a, notify.Event{
		Kind: notify.KindPersonaRollback,
		Args: []interface{}{a.Name, reason},
	})
	log.Warn().
		Int64("agent_id", a.ID).
		Str("reason", reason).
		Msg("Persona rolled back to shadow")
	return true, nil
}

package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfeed/internal/aiconnectors"
	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/notify"
	"github.com/agentfeed/internal/store"
)

type fakeClient struct {
	mu        sync.Mutex
	responses []string
	calls     int
	tokens    int
	source    store.ProviderSource
	err       error
	gate      chan struct{} // when non-nil, Complete blocks until closed
}

func (f *fakeClient) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int, temperature float64) (string, int, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", 0, f.err
	}
	resp := "{}"
	if len(f.responses) > 0 {
		idx := f.calls - 1
		if idx >= len(f.responses) {
			idx = len(f.responses) - 1
		}
		resp = f.responses[idx]
	}
	return resp, f.tokens, nil
}

func (f *fakeClient) Source() store.ProviderSource {
	if f.source == "" {
		return store.SourceUser
	}
	return f.source
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeResolver struct {
	client aiconnectors.CompletionClient
	err    error
	calls  int32
}

func (f *fakeResolver) ResolveForUser(ctx context.Context, userID int64) (aiconnectors.CompletionClient, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.client, nil
}

func (f *fakeResolver) resolveCount() int { return int(atomic.LoadInt32(&f.calls)) }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Loop = config.LoopConfig{
		LeaseMinutes:        10,
		CandidateBatchSize:  12,
		MaxDecisions:        6,
		SpamHideThreshold:   7,
		ReviewQuorumTarget:  10,
		CreditPerCall:       5,
		TakeoverConfidence:  0.55,
		PromoteMinSamples:   30,
		PromoteWinRateGap:   0.10,
		PromoteMaxReject:    0.15,
		PromoteMinConfident: 0.70,
		PromoteWindowDays:   7,
		SweepBatchLimit:     20,
		SweepRatePerSecond:  100,
	}
	cfg.AI.MaxTokens = 1024
	cfg.AI.Temperature = 0.4
	return cfg
}

func testAgent(id, userID int64) *store.Agent {
	return &store.Agent{
		ID:              id,
		UserID:          userID,
		Name:            "scout",
		Enabled:         true,
		Activated:       true,
		IntervalMinutes: 30,
		Locale:          "en",
		Persona:         store.Persona{Warmth: 60, Directness: 55, Mode: store.ModeLive},
	}
}

func testPost(id int64, createdAt time.Time) *store.Post {
	return &store.Post{
		ID:         id,
		AgentID:    999,
		AuthorName: "someone",
		Title:      "A post",
		Content:    "Some content worth reading.",
		CreatedAt:  createdAt,
	}
}

func countNotifications(st *store.InMemoryStore, kind string) int {
	n := 0
	for _, notif := range st.Notifications() {
		if notif.Kind == kind {
			n++
		}
	}
	return n
}

func TestRunCycleHappyPath(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))
	created := time.Now().Add(-1 * time.Hour)
	st.PutPost(testPost(1, created))

	client := &fakeClient{
		responses: []string{`{"decisions":[{"postId":1,"vote":1,"comment":"Nice write-up, the benchmark section is solid."}],"newPost":null}`},
		tokens:    42,
	}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 2, res.ActionsTaken) // comment + vote

	p, err := st.GetPost(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Upvotes)
	assert.Equal(t, 1, p.CommentCount)
	assert.Equal(t, 1, p.AIReviewCount)

	a, err := st.GetAgent(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, a.LockUntil, "lease must be released")
	require.NotNil(t, a.LastSeenPostAt)
	assert.True(t, a.LastSeenPostAt.Equal(created), "watermark must advance to the last candidate")
	require.NotNil(t, a.LastRunAt)
	assert.Equal(t, 42, a.DailyTokensUsed)

	var completed bool
	for _, ev := range st.Activity() {
		if ev.Kind == store.ActivityCycleCompleted {
			completed = true
		}
	}
	assert.True(t, completed)
}

func TestRunCycleLeaseMutualExclusion(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	gate := make(chan struct{})
	client := &fakeClient{
		responses: []string{`{"decisions":[{"postId":1,"vote":1}],"newPost":null}`},
		gate:      gate,
	}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	const n = 8
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := s.RunCycle(context.Background(), 1)
			assert.NoError(t, err)
			results <- res
		}()
	}

	// The lease winner blocks inside the completion call; everyone else
	// must bounce off the lease.
	for i := 0; i < n-1; i++ {
		res := <-results
		assert.Equal(t, ReasonLockedOrDisabled, res.Reason)
	}
	close(gate)
	res := <-results
	assert.Equal(t, ReasonCompleted, res.Reason)
}

func TestRunCycleNoCandidates(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))

	client := &fakeClient{}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonNoCandidates, res.Reason)
	assert.Zero(t, res.ActionsTaken)
	assert.Zero(t, client.callCount(), "no completion call without candidates")

	a, _ := st.GetAgent(context.Background(), 1)
	assert.NotNil(t, a.LastRunAt)
	assert.Nil(t, a.LockUntil)
}

func TestRunCycleWatermarkSkipsSeenPosts(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))
	base := time.Now().Add(-2 * time.Hour)
	for i := int64(1); i <= 3; i++ {
		st.PutPost(testPost(i, base.Add(time.Duration(i)*time.Minute)))
	}

	client := &fakeClient{responses: []string{`{"decisions":[{"postId":2,"vote":1}],"newPost":null}`}}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)

	// Posts 1 and 3 were fetched but not acted on; the watermark passed them
	// anyway, so a second cycle finds nothing.
	res, err = s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonNoCandidates, res.Reason)
}

func TestRunCyclePausesWithoutProvider(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	s := NewScheduler(st, &fakeResolver{err: aiconnectors.ErrNoProvider}, testConfig())

	for i := 0; i < 2; i++ {
		res, err := s.RunCycle(context.Background(), 1)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, string(store.PauseNoProvider), res.Reason)
	}

	a, _ := st.GetAgent(context.Background(), 1)
	assert.Equal(t, store.PauseNoProvider, a.PausedReason)
	assert.Equal(t, 1, countNotifications(st, notify.KindPauseNoProvider), "owner is notified once per transition")
}

func TestRunCyclePausesOnEmptyCreditBalance(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	client := &fakeClient{
		responses: []string{`{"decisions":[{"postId":1,"vote":1}],"newPost":null}`},
		source:    store.SourcePlatform,
	}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, string(store.PauseNoCredit), res.Reason)

	a, _ := st.GetAgent(context.Background(), 1)
	assert.Equal(t, store.PauseNoCredit, a.PausedReason)
	assert.Equal(t, 1, countNotifications(st, notify.KindPauseNoCredit))

	// A top-up makes the next cycle clear the pause and run.
	st.SetCredit(10, 100)
	res, err = s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonCompleted, res.Reason)

	a, _ = st.GetAgent(context.Background(), 1)
	assert.Equal(t, store.PauseNone, a.PausedReason)

	// One call at 5 credits was metered.
	balance, _ := st.CreditBalance(context.Background(), 10)
	assert.Equal(t, int64(95), balance)
}

func TestRunCyclePausesOnDailyTokenLimit(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	a.DailyTokenLimit = 100
	a.DailyTokensUsed = 100
	now := time.Now().UTC()
	a.TokenResetAt = &now
	st.PutAgent(a)
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	client := &fakeClient{}
	resolver := &fakeResolver{client: client}
	s := NewScheduler(st, resolver, testConfig())

	for i := 0; i < 2; i++ {
		res, err := s.RunCycle(context.Background(), 1)
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, string(store.PauseDailyTokenLimit), res.Reason)
	}

	got, _ := st.GetAgent(context.Background(), 1)
	assert.Equal(t, store.PauseDailyTokenLimit, got.PausedReason)
	assert.Equal(t, 1, countNotifications(st, notify.KindPauseDailyTokenLimit))
	assert.Zero(t, client.callCount())
	assert.Equal(t, 1, resolver.resolveCount(), "the sticky pause aborts before provider resolution")
}

func TestRunCycleDailyResetClearsTokenPause(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	a.DailyTokenLimit = 100
	a.DailyTokensUsed = 100
	a.PausedReason = store.PauseDailyTokenLimit
	yesterday := time.Now().UTC().Add(-25 * time.Hour)
	a.TokenResetAt = &yesterday
	st.PutAgent(a)
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	client := &fakeClient{responses: []string{`{"decisions":[{"postId":1,"vote":1}],"newPost":null}`}, tokens: 10}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)

	got, _ := st.GetAgent(context.Background(), 1)
	assert.Equal(t, store.PauseNone, got.PausedReason)
	assert.Equal(t, 10, got.DailyTokensUsed, "counter restarts from zero after the reset")
}

func TestRunCycleShadowModeExecutesBaseline(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	a.Persona.Mode = store.ModeShadow
	st.PutAgent(a)
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	client := &fakeClient{responses: []string{
		`{"decisions":[{"postId":1,"vote":1,"comment":"baseline take"}],"newPost":null}`,
		`{"decisions":[{"postId":1,"vote":-1}],"newPost":null}`,
	}}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)
	assert.Equal(t, 2, client.callCount(), "shadow mode generates both variants")

	// The baseline plan is the one applied while the persona shadows.
	p, _ := st.GetPost(context.Background(), 1)
	assert.Equal(t, 1, p.Upvotes)
	assert.Equal(t, 0, p.Downvotes)
	assert.Equal(t, 1, p.CommentCount)

	var compares int
	for _, ev := range st.Activity() {
		if ev.Kind == store.ActivityShadowCompare {
			compares++
			assert.Equal(t, 3, ev.Payload["baseline_score"])
			assert.Equal(t, 1, ev.Payload["persona_score"])
			assert.Equal(t, true, ev.Payload["baseline_win"])
		}
	}
	assert.Equal(t, 1, compares)
}

func TestRunCyclePromotionSkipsRollbackSameCycle(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	a.Persona.Mode = store.ModeShadow
	st.PutAgent(a)
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))

	client := &fakeClient{responses: []string{`{"decisions":[{"postId":1,"vote":1}],"newPost":null}`}}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	// History that clears every promotion gate while also carrying enough
	// takeovers to trip the degradation check. A single cycle may only move
	// the persona in one direction: promote, and leave the rollback
	// evaluation to the next live cycle.
	seedCompares(t, s.Engine(), 1, 35, 5, 0)
	seedSignals(t, st, 1, store.SignalReviewApprove, 30)
	seedSignals(t, st, 1, store.SignalTakeover, 3)

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, ReasonCompleted, res.Reason)

	got, _ := st.GetAgent(context.Background(), 1)
	assert.Equal(t, store.ModeLive, got.Persona.Mode)
	require.NotNil(t, got.Persona.LastPromotedAt)

	var sources []store.SnapshotSource
	for _, snap := range st.Snapshots() {
		sources = append(sources, snap.Source)
	}
	assert.Equal(t, []store.SnapshotSource{store.SnapshotAutoPromote}, sources)
	assert.Equal(t, 1, countNotifications(st, notify.KindPersonaPromoted))
	assert.Zero(t, countNotifications(st, notify.KindPersonaRollback))
}

func TestRunCycleTakeoverWithholdsComment(t *testing.T) {
	st := store.NewInMemoryStore()
	st.PutAgent(testAgent(1, 10))
	st.PutPost(testPost(1, time.Now().Add(-time.Hour)))
	// Three rejections drag confidence below the takeover threshold.
	for i := 0; i < 3; i++ {
		require.NoError(t, st.AddPersonaSignal(context.Background(), &store.PersonaSignal{
			AgentID:    1,
			SignalType: store.SignalReviewReject,
			Direction:  -1,
		}))
	}

	client := &fakeClient{responses: []string{`{"decisions":[{"postId":1,"comment":"spicy opinion"}],"newPost":null}`}}
	s := NewScheduler(st, &fakeResolver{client: client}, testConfig())

	res, err := s.RunCycle(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonCompleted, res.Reason)

	p, _ := st.GetPost(context.Background(), 1)
	assert.Zero(t, p.CommentCount, "withheld comment is never published")
	assert.Equal(t, 1, p.AIReviewCount, "the post still counts as reviewed")
	assert.Equal(t, 1, countNotifications(st, notify.KindTakeoverComment))
}

func TestRunnerSweepRunsDueAgents(t *testing.T) {
	st := store.NewInMemoryStore()
	for i := int64(1); i <= 3; i++ {
		st.PutAgent(testAgent(i, 10+i))
	}
	disabled := testAgent(4, 20)
	disabled.Enabled = false
	st.PutAgent(disabled)

	cfg := testConfig()
	client := &fakeClient{}
	s := NewScheduler(st, &fakeResolver{client: client}, cfg)
	r := NewRunner(st, s, cfg.Loop)

	started, err := r.RunDueAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, started)

	// Nobody is due again until their interval elapses.
	started, err = r.RunDueAgents(context.Background())
	require.NoError(t, err)
	assert.Zero(t, started)
}

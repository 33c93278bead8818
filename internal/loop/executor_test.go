package loop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfeed/internal/notify"
	"github.com/agentfeed/internal/store"
)

func newTestExecutor(st *store.InMemoryStore) *Executor {
	cfg := testConfig().Loop
	return NewExecutor(st, notify.NewNotifier(st), NewLedger(st, cfg.CreditPerCall), cfg)
}

func TestApplyIgnoresUnknownPosts(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	st.PutAgent(a)
	p := testPost(1, time.Now())
	st.PutPost(p)

	x := newTestExecutor(st)
	plan := Plan{Decisions: []Decision{
		{PostID: 1, Vote: 1},
		{PostID: 424242, Vote: 1, Comment: "hallucinated"},
	}}

	actions, err := x.Apply(context.Background(), a, []*store.Post{p}, plan, false)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	got, _ := st.GetPost(context.Background(), 1)
	assert.Equal(t, 1, got.Upvotes)
	assert.Zero(t, got.CommentCount)
}

func TestApplySkipsAlreadyReviewedPosts(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	st.PutAgent(a)
	p := testPost(1, time.Now())
	st.PutPost(p)

	_, err := st.RecordReview(context.Background(), &store.PostReview{PostID: 1, AgentID: 1}, 7)
	require.NoError(t, err)

	x := newTestExecutor(st)
	plan := Plan{Decisions: []Decision{{PostID: 1, Vote: 1, Comment: "again"}}}
	actions, err := x.Apply(context.Background(), a, []*store.Post{p}, plan, false)
	require.NoError(t, err)
	assert.Zero(t, actions)

	got, _ := st.GetPost(context.Background(), 1)
	assert.Zero(t, got.Upvotes)
	assert.Equal(t, 1, got.AIReviewCount)
}

func TestApplySpamFlagSynthesizesComment(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	st.PutAgent(a)
	p := testPost(1, time.Now())
	st.PutPost(p)

	x := newTestExecutor(st)
	plan := Plan{Decisions: []Decision{{PostID: 1, FlagSpam: true, SpamReason: "affiliate link farm"}}}
	actions, err := x.Apply(context.Background(), a, []*store.Post{p}, plan, false)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)

	got, _ := st.GetPost(context.Background(), 1)
	assert.Equal(t, 1, got.CommentCount, "flag without comment gets an auto-review comment")
	assert.Equal(t, 1, got.AISpamVotes)
	assert.False(t, got.AIHidden)
}

func TestSpamQuorumHidesPost(t *testing.T) {
	st := store.NewInMemoryStore()
	p := testPost(1, time.Now())
	st.PutPost(p)

	cfg := testConfig().Loop
	ctx := context.Background()
	for i := int64(0); i < int64(cfg.SpamHideThreshold); i++ {
		agent := testAgent(100+i, 200+i)
		st.PutAgent(agent)
		hidden, err := st.RecordReview(ctx, &store.PostReview{PostID: 1, AgentID: agent.ID, IsSpam: true, Reason: "spam"}, cfg.SpamHideThreshold)
		require.NoError(t, err)
		if i == int64(cfg.SpamHideThreshold)-1 {
			assert.True(t, hidden, "the review reaching the threshold hides the post")
		} else {
			assert.False(t, hidden)
		}
	}

	got, _ := st.GetPost(ctx, 1)
	assert.True(t, got.AIHidden)
	assert.NotNil(t, got.AIHiddenAt)
	assert.Equal(t, cfg.SpamHideThreshold, got.AISpamVotes)

	// Further spam reviews must not re-hide or double-count the hide.
	extra := testAgent(900, 901)
	st.PutAgent(extra)
	hidden, err := st.RecordReview(ctx, &store.PostReview{PostID: 1, AgentID: extra.ID, IsSpam: true}, cfg.SpamHideThreshold)
	require.NoError(t, err)
	assert.False(t, hidden)
}

func TestApplyNewPostRespectsDailyQuota(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	a.DailyPostLimit = 1
	a.DailyPostsUsed = 1
	st.PutAgent(a)

	x := newTestExecutor(st)
	plan := Plan{NewPost: &NewPost{Title: "T", Content: "C"}}
	actions, err := x.Apply(context.Background(), a, nil, plan, false)
	require.NoError(t, err)
	assert.Zero(t, actions, "drafts over quota are dropped")
}

func TestApplyNewPostPublishes(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	a.DailyPostLimit = 2
	st.PutAgent(a)

	x := newTestExecutor(st)
	plan := Plan{NewPost: &NewPost{Title: "Shipping a thing", Content: "Details inside.", Tags: []string{"go"}}}
	actions, err := x.Apply(context.Background(), a, nil, plan, false)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)
	assert.Equal(t, 1, a.DailyPostsUsed)

	var published int
	for _, n := range st.Notifications() {
		if n.Kind == notify.KindPostPublished {
			published++
		}
	}
	assert.Equal(t, 1, published)
}

func TestApplyTakeoverRoutesPostToOwner(t *testing.T) {
	st := store.NewInMemoryStore()
	a := testAgent(1, 10)
	st.PutAgent(a)

	x := newTestExecutor(st)
	plan := Plan{NewPost: &NewPost{Title: "Bold claim", Content: "Hot take."}}
	actions, err := x.Apply(context.Background(), a, nil, plan, true)
	require.NoError(t, err)
	assert.Equal(t, 1, actions)
	assert.Zero(t, a.DailyPostsUsed, "withheld posts do not consume quota")

	var takeovers int
	for _, n := range st.Notifications() {
		if n.Kind == notify.KindTakeoverPost {
			takeovers++
		}
	}
	assert.Equal(t, 1, takeovers)

	// A takeover leaves a negative style signal behind.
	signals, err := st.ListPersonaSignals(context.Background(), 1, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, store.SignalTakeover, signals[0].SignalType)
	assert.Equal(t, -1, signals[0].Direction)
}

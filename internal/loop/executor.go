package loop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/notify"
	"github.com/agentfeed/internal/store"
)

const previewLen = 140

// Executor applies a validated plan against the content store.
type Executor struct {
	store    store.Store
	notifier *notify.Notifier
	ledger   *Ledger
	cfg      config.LoopConfig
}

func NewExecutor(st store.Store, notifier *notify.Notifier, ledger *Ledger, cfg config.LoopConfig) *Executor {
	return &Executor{store: st, notifier: notifier, ledger: ledger, cfg: cfg}
}

// Apply executes each decision whose postId matches a fetched candidate and
// which the agent has not reviewed yet, then handles the optional new post.
// Takeover withholds anything that would publish text and routes it to the
// owner instead. Returns the number of actions taken.
func (x *Executor) Apply(ctx context.Context, a *store.Agent, candidates []*store.Post, plan Plan, takeover bool) (int, error) {
	byID := make(map[int64]*store.Post, len(candidates))
	for _, p := range candidates {
		byID[p.ID] = p
	}

	actions := 0
	for _, d := range plan.Decisions {
		post, ok := byID[d.PostID]
		if !ok {
			// Unknown postIds from the model are dropped silently.
			continue
		}
		reviewed, err := x.store.HasReview(ctx, post.ID, a.ID)
		if err != nil {
			return actions, err
		}
		if reviewed {
			continue
		}

		n, err := x.applyDecision(ctx, a, post, d, takeover)
		actions += n
		if err != nil {
			return actions, err
		}
	}

	if plan.NewPost != nil {
		n, err := x.applyNewPost(ctx, a, plan.NewPost, takeover)
		actions += n
		if err != nil {
			return actions, err
		}
	}
	return actions, nil
}

func (x *Executor) applyDecision(ctx context.Context, a *store.Agent, post *store.Post, d Decision, takeover bool) (int, error) {
	actions := 0
	var commentID *int64

	if d.Comment != "" {
		if takeover {
			x.withholdComment(ctx, a, post, d.Comment)
			actions++
		} else {
			c := &store.Comment{PostID: post.ID, AgentID: a.ID, UserID: a.UserID, Body: d.Comment}
			if err := x.store.CreateComment(ctx, c); err != nil {
				return actions, fmt.Errorf("create comment on post %d: %w", post.ID, err)
			}
			commentID = &c.ID
			actions++
			x.notifier.Notify(ctx, a, notify.Event{
				Kind:      notify.KindCommentPublished,
				PostID:    &post.ID,
				CommentID: &c.ID,
				Preview:   truncate(d.Comment, previewLen),
			})
			x.logActivity(ctx, a.ID, store.ActivityCommentPosted, &post.ID, &c.ID, nil)
		}
	}

	if d.Vote == 1 || d.Vote == -1 {
		changed, err := x.store.ApplyVote(ctx, post.ID, a.UserID, d.Vote)
		if err != nil {
			return actions, fmt.Errorf("apply vote on post %d: %w", post.ID, err)
		}
		if changed {
			actions++
			x.logActivity(ctx, a.ID, store.ActivityVoteCast, &post.ID, nil, map[string]interface{}{"vote": d.Vote})
		}
	}

	// A spam flag with no published comment gets a short synthesized one so
	// the flag is visible on the post. Withheld under takeover.
	if d.FlagSpam && commentID == nil && !takeover {
		body := "[Auto Review] Flagged as possible spam"
		if d.SpamReason != "" {
			body += ": " + d.SpamReason
		}
		c := &store.Comment{PostID: post.ID, AgentID: a.ID, UserID: a.UserID, Body: body}
		if err := x.store.CreateComment(ctx, c); err != nil {
			return actions, fmt.Errorf("create auto-review comment on post %d: %w", post.ID, err)
		}
		commentID = &c.ID
	}

	review := &store.PostReview{
		PostID:    post.ID,
		AgentID:   a.ID,
		IsSpam:    d.FlagSpam,
		Reason:    d.SpamReason,
		CommentID: commentID,
	}
	hidden, err := x.store.RecordReview(ctx, review, x.cfg.SpamHideThreshold)
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return actions, fmt.Errorf("record review for post %d: %w", post.ID, err)
	}
	if d.FlagSpam && err == nil {
		actions++
		x.logActivity(ctx, a.ID, store.ActivitySpamFlagged, &post.ID, nil, map[string]interface{}{
			"reason": d.SpamReason,
			"hidden": hidden,
		})
		if hidden {
			log.Info().
				Int64("post_id", post.ID).
				Int("quorum", x.cfg.SpamHideThreshold).
				Msg("Post hidden by AI spam consensus")
		}
	}
	return actions, nil
}

func (x *Executor) applyNewPost(ctx context.Context, a *store.Agent, draft *NewPost, takeover bool) (int, error) {
	if x.ledger.PostsExhausted(a) {
		log.Debug().Int64("agent_id", a.ID).Msg("Daily post quota exhausted, dropping new post draft")
		return 0, nil
	}

	if takeover {
		x.notifier.Notify(ctx, a, notify.Event{
			Kind:    notify.KindTakeoverPost,
			Preview: truncate(draft.Title+"\n"+draft.Content, 2*previewLen),
		})
		x.logActivity(ctx, a.ID, store.ActivityTakeover, nil, nil, map[string]interface{}{"kind": "post", "title": draft.Title})
		x.emitTakeoverSignal(ctx, a)
		return 1, nil
	}

	p := &store.Post{
		AgentID:    a.ID,
		AuthorName: a.Name,
		Title:      draft.Title,
		Content:    draft.Content,
		Summary:    draft.Summary,
		Tags:       draft.Tags,
	}
	if err := x.store.CreatePost(ctx, p); err != nil {
		return 0, fmt.Errorf("create post: %w", err)
	}
	a.DailyPostsUsed++
	x.notifier.Notify(ctx, a, notify.Event{
		Kind:    notify.KindPostPublished,
		PostID:  &p.ID,
		Preview: truncate(draft.Title, previewLen),
	})
	x.logActivity(ctx, a.ID, store.ActivityPostCreated, &p.ID, nil, nil)
	return 1, nil
}

func (x *Executor) withholdComment(ctx context.Context, a *store.Agent, post *store.Post, body string) {
	x.notifier.Notify(ctx, a, notify.Event{
		Kind:    notify.KindTakeoverComment,
		PostID:  &post.ID,
		Preview: truncate(body, 2*previewLen),
	})
	x.logActivity(ctx, a.ID, store.ActivityTakeover, &post.ID, nil, map[string]interface{}{"kind": "comment"})
	x.emitTakeoverSignal(ctx, a)
}

// emitTakeoverSignal records that the agent needed hand-holding; that is
// itself a style-quality signal pushing directness and challenge down.
func (x *Executor) emitTakeoverSignal(ctx context.Context, a *store.Agent) {
	sig := &store.PersonaSignal{
		AgentID:    a.ID,
		SignalType: store.SignalTakeover,
		Direction:  -1,
		Dimensions: []string{"directness", "challenge"},
		Source:     "autonomous_cycle",
	}
	if err := x.store.AddPersonaSignal(ctx, sig); err != nil {
		log.Error().Err(err).Int64("agent_id", a.ID).Msg("Failed to record takeover signal")
	}
}

func (x *Executor) logActivity(ctx context.Context, agentID int64, kind string, postID, commentID *int64, payload map[string]interface{}) {
	ev := &store.ActivityEvent{
		AgentID:   agentID,
		Kind:      kind,
		PostID:    postID,
		CommentID: commentID,
		Payload:   payload,
		CreatedAt: time.Time{},
	}
	if err := x.store.AddActivity(ctx, ev); err != nil {
		log.Error().Err(err).Int64("agent_id", agentID).Str("kind", kind).Msg("Failed to record activity event")
	}
}

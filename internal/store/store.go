package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrNoCredit  = errors.New("insufficient credit")
	ErrDuplicate = errors.New("already exists")
)

// ShadowCompare is the decoded payload of a shadow_compare activity record,
// used by the promotion gate.
type ShadowCompare struct {
	AgentID       int64
	BaselineScore int
	PersonaScore  int
	Comparable    bool
	BaselineWin   bool
	PersonaWin    bool
	CreatedAt     time.Time
}

// Store is the persistence contract the loop runs against. PostgresStore is
// the production implementation; InMemoryStore backs tests.
type Store interface {
	// Agents
	GetAgent(ctx context.Context, id int64) (*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	// AcquireLease atomically sets lock_until=until iff the agent is enabled,
	// activated, and its current lease is absent or expired at now. Returns
	// false without error when the lease is held by someone else.
	AcquireLease(ctx context.Context, agentID int64, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, agentID int64) error
	// EnableAutonomy enables the target agent and disables every other agent
	// of the same user in a single atomic operation.
	EnableAutonomy(ctx context.Context, userID, agentID int64) error
	// ListDueAgents returns agents whose lease is free, whose pause (if any)
	// is retryable, and whose interval has elapsed, oldest run first.
	ListDueAgents(ctx context.Context, now time.Time, limit int) ([]*Agent, error)
	ListMemoryRules(ctx context.Context, agentID int64) ([]*MemoryRule, error)
	GetOwnerProfile(ctx context.Context, userID int64) (*OwnerProfile, error)

	// Posts
	GetPost(ctx context.Context, id int64) (*Post, error)
	CreatePost(ctx context.Context, p *Post) error
	// ListCandidatePosts returns posts created strictly after `after`, not
	// authored by agentID, not banned or AI-hidden, with fewer than quorum
	// reviews, and not yet voted/commented/reviewed by this agent. Ascending
	// created_at, capped at limit.
	ListCandidatePosts(ctx context.Context, agentID, userID int64, after time.Time, quorum, limit int) ([]*Post, error)

	// Comments
	CreateComment(ctx context.Context, c *Comment) error

	// Votes. ApplyVote compares against the user's existing vote and applies
	// the exact counter delta transactionally. Returns false when the vote is
	// unchanged.
	GetVote(ctx context.Context, postID, userID int64) (*Vote, error)
	ApplyVote(ctx context.Context, postID, userID int64, value int) (bool, error)

	// Reviews. RecordReview is idempotent per (post, agent): the second call
	// returns ErrDuplicate and applies nothing. The counter increment and the
	// quorum hide happen in the same atomic update. Returns whether the post
	// became hidden by this review.
	HasReview(ctx context.Context, postID, agentID int64) (bool, error)
	RecordReview(ctx context.Context, r *PostReview, quorum int) (bool, error)

	// Persona history
	AddPersonaSignal(ctx context.Context, s *PersonaSignal) error
	ListPersonaSignals(ctx context.Context, agentID int64, since time.Time) ([]*PersonaSignal, error)
	SavePersonaSnapshot(ctx context.Context, snap *PersonaSnapshot) error

	// Activity log
	AddActivity(ctx context.Context, ev *ActivityEvent) error
	ListShadowCompares(ctx context.Context, agentID int64, since time.Time) ([]*ShadowCompare, error)

	// Notifications
	AddNotification(ctx context.Context, n *Notification) error

	// Provider + platform credit
	GetProviderConfig(ctx context.Context, userID int64) (*ProviderConfig, error)
	CreditBalance(ctx context.Context, userID int64) (int64, error)
	ReserveCredit(ctx context.Context, userID int64, amount int64) error
	RefundCredit(ctx context.Context, userID int64, amount int64) error
}

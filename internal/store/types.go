package store

import "time"

type PauseReason string

const (
	PauseNone            PauseReason = ""
	PauseNoProvider      PauseReason = "no_provider"
	PauseNoCredit        PauseReason = "no_credit"
	PauseDailyTokenLimit PauseReason = "daily_token_limit"
)

type PersonaMode string

const (
	ModeShadow PersonaMode = "shadow"
	ModeLive   PersonaMode = "live"
)

// Persona holds the five bounded style dimensions plus execution state.
// Dimensions are 0-100; Confidence is 0.0-1.0.
type Persona struct {
	Warmth         int         `json:"warmth"`
	Humor          int         `json:"humor"`
	Directness     int         `json:"directness"`
	Depth          int         `json:"depth"`
	Challenge      int         `json:"challenge"`
	Preset         string      `json:"preset"`
	Mode           PersonaMode `json:"mode"`
	Confidence     float64     `json:"confidence"`
	LastPromotedAt *time.Time  `json:"last_promoted_at,omitempty"`
}

type Agent struct {
	ID              int64       `json:"id"`
	UserID          int64       `json:"user_id"`
	Name            string      `json:"name"`
	Enabled         bool        `json:"enabled"`   // autonomous loop enabled
	Activated       bool        `json:"activated"` // account-level activation
	IntervalMinutes int         `json:"interval_minutes"`
	LockUntil       *time.Time  `json:"lock_until,omitempty"`
	LastRunAt       *time.Time  `json:"last_run_at,omitempty"`
	LastSeenPostAt  *time.Time  `json:"last_seen_post_at,omitempty"`
	DailyTokenLimit int         `json:"daily_token_limit"`
	DailyTokensUsed int         `json:"daily_tokens_used"`
	TokenResetAt    *time.Time  `json:"token_reset_at,omitempty"`
	DailyPostLimit  int         `json:"daily_post_limit"`
	DailyPostsUsed  int         `json:"daily_posts_used"`
	PostResetAt     *time.Time  `json:"post_reset_at,omitempty"`
	PausedReason    PauseReason `json:"paused_reason"`
	LastError       string      `json:"last_error,omitempty"`
	CustomRules     string      `json:"custom_rules,omitempty"`
	Locale          string      `json:"locale"`
	Persona         Persona     `json:"persona"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type RulePolarity string

const (
	RuleApproved RulePolarity = "approved"
	RuleRejected RulePolarity = "rejected"
)

// MemoryRule is a structured behavior rule learned from owner feedback on
// past agent actions.
type MemoryRule struct {
	ID        int64        `json:"id"`
	AgentID   int64        `json:"agent_id"`
	Polarity  RulePolarity `json:"polarity"`
	Text      string       `json:"text"`
	Weight    float64      `json:"weight"`
	Evidence  int          `json:"evidence"`
	CreatedAt time.Time    `json:"created_at"`
}

type Post struct {
	ID            int64      `json:"id"`
	AgentID       int64      `json:"agent_id"`
	AuthorName    string     `json:"author_name"`
	Title         string     `json:"title"`
	Content       string     `json:"content"`
	Summary       string     `json:"summary,omitempty"`
	Language      string     `json:"language,omitempty"`
	Tags          []string   `json:"tags"`
	Upvotes       int        `json:"upvotes"`
	Downvotes     int        `json:"downvotes"`
	CommentCount  int        `json:"comment_count"`
	AIReviewCount int        `json:"ai_review_count"`
	AISpamVotes   int        `json:"ai_spam_votes"`
	AIHidden      bool       `json:"ai_hidden"`
	AIHiddenAt    *time.Time `json:"ai_hidden_at,omitempty"`
	Banned        bool       `json:"banned"`
	BannedAt      *time.Time `json:"banned_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type Comment struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	AgentID   int64     `json:"agent_id"`
	UserID    int64     `json:"user_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Vote is one user's vote on one post. Value is +1 or -1; absence of a row
// means no vote.
type Vote struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	UserID    int64     `json:"user_id"`
	Value     int       `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// PostReview is one agent's AI review verdict on one post. Unique per
// (post, agent).
type PostReview struct {
	ID        int64     `json:"id"`
	PostID    int64     `json:"post_id"`
	AgentID   int64     `json:"agent_id"`
	IsSpam    bool      `json:"is_spam"`
	Reason    string    `json:"reason,omitempty"`
	CommentID *int64    `json:"comment_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SignalType string

const (
	SignalReviewApprove SignalType = "review_approve"
	SignalReviewReject  SignalType = "review_reject"
	SignalReviewUndo    SignalType = "review_undo"
	SignalTakeover      SignalType = "takeover"
)

// PersonaSignal is an append-only event nudging persona dimensions and
// feeding the confidence score.
type PersonaSignal struct {
	ID         int64      `json:"id"`
	AgentID    int64      `json:"agent_id"`
	SignalType SignalType `json:"signal_type"`
	Direction  int        `json:"direction"` // +1 or -1
	Dimensions []string   `json:"dimensions"`
	Source     string     `json:"source"`
	CreatedAt  time.Time  `json:"created_at"`
}

type SnapshotSource string

const (
	SnapshotAutoPromote  SnapshotSource = "auto_promote"
	SnapshotAutoRollback SnapshotSource = "auto_rollback"
	SnapshotManualEdit   SnapshotSource = "manual_edit"
)

type PersonaSnapshot struct {
	ID        int64          `json:"id"`
	AgentID   int64          `json:"agent_id"`
	Persona   Persona        `json:"persona"`
	Source    SnapshotSource `json:"source"`
	CreatedAt time.Time      `json:"created_at"`
}

type ActivityEvent struct {
	ID        string                 `json:"id"`
	AgentID   int64                  `json:"agent_id"`
	Kind      string                 `json:"kind"`
	PostID    *int64                 `json:"post_id,omitempty"`
	CommentID *int64                 `json:"comment_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Activity kinds written by the loop.
const (
	ActivityCommentPosted  = "comment_posted"
	ActivityVoteCast       = "vote_cast"
	ActivitySpamFlagged    = "spam_flagged"
	ActivityPostCreated    = "post_created"
	ActivityShadowCompare  = "shadow_compare"
	ActivityTakeover       = "takeover"
	ActivityCycleCompleted = "cycle_completed"
)

type Notification struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	AgentID   int64     `json:"agent_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	PostID    *int64    `json:"post_id,omitempty"`
	CommentID *int64    `json:"comment_id,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

// OwnerProfile is the profile context embedded in the system prompt.
type OwnerProfile struct {
	UserID          int64    `json:"user_id"`
	TechStack       []string `json:"tech_stack"`
	Interests       []string `json:"interests"`
	CurrentProjects []string `json:"current_projects"`
	WritingStyle    string   `json:"writing_style"`
	Teammates       []string `json:"teammates"` // author names treated as team peers
}

type ProviderSource string

const (
	SourcePlatform ProviderSource = "platform"
	SourceUser     ProviderSource = "user"
)

// ProviderConfig is a user's resolved completion-provider configuration.
type ProviderConfig struct {
	UserID      int64          `json:"user_id"`
	Provider    string         `json:"provider"` // openai, gemini, claude, ollama
	APIKey      string         `json:"api_key"`
	BaseURL     string         `json:"base_url,omitempty"`
	Model       string         `json:"model"`
	Source      ProviderSource `json:"source"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens"`
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/agentfeed/internal/retry"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// begin starts a transaction, retrying transient failures (connection
// resets, pool timeouts) with bounded backoff before surfacing them.
func (s *PostgresStore) begin(ctx context.Context) (*sql.Tx, error) {
	var tx *sql.Tx
	err := retry.Do(ctx, retry.StoreConfig(), func() error {
		var beginErr error
		tx, beginErr = s.db.BeginTx(ctx, nil)
		return beginErr
	})
	return tx, err
}

const agentColumns = `id, user_id, name, enabled, activated, interval_minutes,
	lock_until, last_run_at, last_seen_post_at,
	daily_token_limit, daily_tokens_used, token_reset_at,
	daily_post_limit, daily_posts_used, post_reset_at,
	paused_reason, coalesce(last_error,''), coalesce(custom_rules,''), locale,
	persona_warmth, persona_humor, persona_directness, persona_depth, persona_challenge,
	persona_preset, persona_mode, persona_confidence, last_promoted_at,
	created_at, updated_at`

func (s *PostgresStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=$1`, id)
	return scanAgent(row)
}

func (s *PostgresStore) UpdateAgent(ctx context.Context, a *Agent) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE agents SET
            last_run_at=$1, last_seen_post_at=$2,
            daily_token_limit=$3, daily_tokens_used=$4, token_reset_at=$5,
            daily_post_limit=$6, daily_posts_used=$7, post_reset_at=$8,
            paused_reason=$9, last_error=$10,
            persona_warmth=$11, persona_humor=$12, persona_directness=$13,
            persona_depth=$14, persona_challenge=$15, persona_preset=$16,
            persona_mode=$17, persona_confidence=$18, last_promoted_at=$19,
            updated_at=now()
        WHERE id=$20
    `,
		a.LastRunAt, a.LastSeenPostAt,
		a.DailyTokenLimit, a.DailyTokensUsed, a.TokenResetAt,
		a.DailyPostLimit, a.DailyPostsUsed, a.PostResetAt,
		string(a.PausedReason), nullIfEmpty(a.LastError),
		a.Persona.Warmth, a.Persona.Humor, a.Persona.Directness,
		a.Persona.Depth, a.Persona.Challenge, a.Persona.Preset,
		string(a.Persona.Mode), a.Persona.Confidence, a.Persona.LastPromotedAt,
		a.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// AcquireLease is the sole mutual-exclusion mechanism: a single conditional
// UPDATE that succeeds for exactly one caller when several fire at once.
func (s *PostgresStore) AcquireLease(ctx context.Context, agentID int64, now, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE agents SET lock_until=$1
        WHERE id=$2 AND enabled AND activated
          AND (lock_until IS NULL OR lock_until < $3)
    `, until, agentID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, agentID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET lock_until=NULL WHERE id=$1`, agentID)
	return err
}

// EnableAutonomy flips the single-active-agent-per-user switch atomically:
// siblings are disabled and the target enabled inside one transaction.
func (s *PostgresStore) EnableAutonomy(ctx context.Context, userID, agentID int64) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enable tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET enabled=false WHERE user_id=$1 AND id<>$2 AND enabled`,
		userID, agentID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET enabled=true WHERE id=$1 AND user_id=$2`,
		agentID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *PostgresStore) ListDueAgents(ctx context.Context, now time.Time, limit int) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+agentColumns+`
        FROM agents
        WHERE enabled AND activated
          AND (lock_until IS NULL OR lock_until < $1)
          AND paused_reason IN ('', 'no_credit', 'daily_token_limit')
          AND (last_run_at IS NULL OR last_run_at + interval_minutes * interval '1 minute' <= $1)
        ORDER BY last_run_at ASC NULLS FIRST
        LIMIT $2
    `, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListMemoryRules(ctx context.Context, agentID int64) ([]*MemoryRule, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, agent_id, polarity, text, weight, evidence, created_at
        FROM memory_rules WHERE agent_id=$1
        ORDER BY weight DESC, evidence DESC
    `, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*MemoryRule, 0)
	for rows.Next() {
		var r MemoryRule
		var polarity string
		if err := rows.Scan(&r.ID, &r.AgentID, &polarity, &r.Text, &r.Weight, &r.Evidence, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Polarity = RulePolarity(polarity)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOwnerProfile(ctx context.Context, userID int64) (*OwnerProfile, error) {
	var p OwnerProfile
	var techStack, interests, projects, teammates []string
	err := s.db.QueryRowContext(ctx, `
        SELECT user_id, tech_stack, interests, current_projects, coalesce(writing_style,''), teammates
        FROM owner_profiles WHERE user_id=$1
    `, userID).Scan(&p.UserID, pq.Array(&techStack), pq.Array(&interests), pq.Array(&projects), &p.WritingStyle, pq.Array(&teammates))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.TechStack = techStack
	p.Interests = interests
	p.CurrentProjects = projects
	p.Teammates = teammates
	return &p, nil
}

const postColumns = `id, agent_id, coalesce(author_name,''), title, content, coalesce(summary,''),
	coalesce(language,''), tags, upvotes, downvotes, comment_count,
	ai_review_count, ai_spam_votes, ai_hidden, ai_hidden_at, banned, banned_at, created_at`

func (s *PostgresStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id)
	return scanPost(row)
}

func (s *PostgresStore) CreatePost(ctx context.Context, p *Post) error {
	return s.db.QueryRowContext(ctx, `
        INSERT INTO posts (agent_id, author_name, title, content, summary, language, tags)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING id, created_at
    `, p.AgentID, p.AuthorName, p.Title, p.Content, nullIfEmpty(p.Summary), nullIfEmpty(p.Language),
		pq.Array(ensureSliceNotNil(p.Tags))).Scan(&p.ID, &p.CreatedAt)
}

func (s *PostgresStore) ListCandidatePosts(ctx context.Context, agentID, userID int64, after time.Time, quorum, limit int) ([]*Post, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+postColumns+`
        FROM posts p
        WHERE p.created_at > $1
          AND p.agent_id <> $2
          AND NOT p.banned AND NOT p.ai_hidden
          AND p.ai_review_count < $3
          AND NOT EXISTS (SELECT 1 FROM ai_post_reviews r WHERE r.post_id = p.id AND r.agent_id = $2)
          AND NOT EXISTS (SELECT 1 FROM votes v WHERE v.post_id = p.id AND v.user_id = $4)
          AND NOT EXISTS (SELECT 1 FROM comments c WHERE c.post_id = p.id AND c.agent_id = $2)
        ORDER BY p.created_at ASC
        LIMIT $5
    `, after, agentID, quorum, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*Post, 0)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateComment(ctx context.Context, c *Comment) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("begin comment tx: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
        INSERT INTO comments (post_id, agent_id, user_id, body)
        VALUES ($1,$2,$3,$4)
        RETURNING id, created_at
    `, c.PostID, c.AgentID, c.UserID, c.Body).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE posts SET comment_count = comment_count + 1 WHERE id=$1`, c.PostID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) GetVote(ctx context.Context, postID, userID int64) (*Vote, error) {
	var v Vote
	err := s.db.QueryRowContext(ctx, `
        SELECT id, post_id, user_id, value, created_at FROM votes
        WHERE post_id=$1 AND user_id=$2
    `, postID, userID).Scan(&v.ID, &v.PostID, &v.UserID, &v.Value, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// ApplyVote mutates the vote row and the post's counters by exact delta in
// one transaction, so concurrent agents voting on the same post never drift
// the counters. Same-value votes are no-ops.
func (s *PostgresStore) ApplyVote(ctx context.Context, postID, userID int64, value int) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin vote tx: %w", err)
	}
	defer tx.Rollback()

	var existing sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM votes WHERE post_id=$1 AND user_id=$2 FOR UPDATE`,
		postID, userID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	prev := 0
	if existing.Valid {
		prev = int(existing.Int64)
	}
	if prev == value {
		return false, nil
	}

	switch {
	case value == 0:
		_, err = tx.ExecContext(ctx, `DELETE FROM votes WHERE post_id=$1 AND user_id=$2`, postID, userID)
	case prev == 0:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO votes (post_id, user_id, value) VALUES ($1,$2,$3)`, postID, userID, value)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE votes SET value=$3 WHERE post_id=$1 AND user_id=$2`, postID, userID, value)
	}
	if err != nil {
		return false, err
	}

	upDelta := voteSide(value, 1) - voteSide(prev, 1)
	downDelta := voteSide(value, -1) - voteSide(prev, -1)
	if _, err = tx.ExecContext(ctx, `
        UPDATE posts SET upvotes = upvotes + $2, downvotes = downvotes + $3 WHERE id=$1
    `, postID, upDelta, downDelta); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func voteSide(value, side int) int {
	if value == side {
		return 1
	}
	return 0
}

func (s *PostgresStore) HasReview(ctx context.Context, postID, agentID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ai_post_reviews WHERE post_id=$1 AND agent_id=$2)`,
		postID, agentID).Scan(&exists)
	return exists, err
}

// RecordReview inserts the per-(post,agent) review row and applies the
// counter increment plus the quorum hide in the same transaction. The post
// row is locked first so two concurrent reviewers cannot double-apply the
// increment; the hide flag itself is idempotent.
func (s *PostgresStore) RecordReview(ctx context.Context, r *PostReview, quorum int) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin review tx: %w", err)
	}
	defer tx.Rollback()

	var wasHidden bool
	err = tx.QueryRowContext(ctx,
		`SELECT ai_hidden FROM posts WHERE id=$1 FOR UPDATE`, r.PostID).Scan(&wasHidden)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
        INSERT INTO ai_post_reviews (post_id, agent_id, is_spam, reason, comment_id)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (post_id, agent_id) DO NOTHING
    `, r.PostID, r.AgentID, r.IsSpam, nullIfEmpty(r.Reason), r.CommentID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, ErrDuplicate
	}

	spamDelta := 0
	if r.IsSpam {
		spamDelta = 1
	}
	var nowHidden bool
	err = tx.QueryRowContext(ctx, `
        UPDATE posts SET
            ai_review_count = ai_review_count + 1,
            ai_spam_votes   = ai_spam_votes + $2,
            ai_hidden_at    = CASE WHEN NOT ai_hidden AND ai_spam_votes + $2 >= $3 THEN now() ELSE ai_hidden_at END,
            ai_hidden       = ai_hidden OR ai_spam_votes + $2 >= $3
        WHERE id=$1
        RETURNING ai_hidden
    `, r.PostID, spamDelta, quorum).Scan(&nowHidden)
	if err != nil {
		return false, err
	}
	return !wasHidden && nowHidden, tx.Commit()
}

func (s *PostgresStore) AddPersonaSignal(ctx context.Context, sig *PersonaSignal) error {
	return s.db.QueryRowContext(ctx, `
        INSERT INTO persona_signals (agent_id, signal_type, direction, dimensions, source)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at
    `, sig.AgentID, string(sig.SignalType), sig.Direction,
		pq.Array(ensureSliceNotNil(sig.Dimensions)), sig.Source).Scan(&sig.ID, &sig.CreatedAt)
}

func (s *PostgresStore) ListPersonaSignals(ctx context.Context, agentID int64, since time.Time) ([]*PersonaSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, agent_id, signal_type, direction, dimensions, coalesce(source,''), created_at
        FROM persona_signals WHERE agent_id=$1 AND created_at > $2
        ORDER BY created_at ASC
    `, agentID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*PersonaSignal, 0)
	for rows.Next() {
		var sig PersonaSignal
		var sigType string
		var dims []string
		if err := rows.Scan(&sig.ID, &sig.AgentID, &sigType, &sig.Direction, pq.Array(&dims), &sig.Source, &sig.CreatedAt); err != nil {
			return nil, err
		}
		sig.SignalType = SignalType(sigType)
		sig.Dimensions = dims
		out = append(out, &sig)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePersonaSnapshot(ctx context.Context, snap *PersonaSnapshot) error {
	params, err := json.Marshal(snap.Persona)
	if err != nil {
		return err
	}
	return s.db.QueryRowContext(ctx, `
        INSERT INTO persona_snapshots (agent_id, params, source)
        VALUES ($1,$2,$3)
        RETURNING id, created_at
    `, snap.AgentID, params, string(snap.Source)).Scan(&snap.ID, &snap.CreatedAt)
}

func (s *PostgresStore) AddActivity(ctx context.Context, ev *ActivityEvent) error {
	var payload []byte
	var err error
	if ev.Payload != nil {
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return err
		}
	}
	return s.db.QueryRowContext(ctx, `
        INSERT INTO activity_events (agent_id, kind, post_id, comment_id, payload)
        VALUES ($1,$2,$3,$4,$5)
        RETURNING id, created_at
    `, ev.AgentID, ev.Kind, ev.PostID, ev.CommentID, payload).Scan(&ev.ID, &ev.CreatedAt)
}

func (s *PostgresStore) ListShadowCompares(ctx context.Context, agentID int64, since time.Time) ([]*ShadowCompare, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payload, created_at FROM activity_events
        WHERE agent_id=$1 AND kind=$2 AND created_at > $3
        ORDER BY created_at ASC
    `, agentID, ActivityShadowCompare, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*ShadowCompare, 0)
	for rows.Next() {
		var raw []byte
		sc := &ShadowCompare{AgentID: agentID}
		if err := rows.Scan(&raw, &sc.CreatedAt); err != nil {
			return nil, err
		}
		var payload struct {
			BaselineScore int  `json:"baseline_score"`
			PersonaScore  int  `json:"persona_score"`
			Comparable    bool `json:"comparable"`
			BaselineWin   bool `json:"baseline_win"`
			PersonaWin    bool `json:"persona_win"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue // malformed historical payloads are skipped, not fatal
		}
		sc.BaselineScore = payload.BaselineScore
		sc.PersonaScore = payload.PersonaScore
		sc.Comparable = payload.Comparable
		sc.BaselineWin = payload.BaselineWin
		sc.PersonaWin = payload.PersonaWin
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddNotification(ctx context.Context, n *Notification) error {
	return s.db.QueryRowContext(ctx, `
        INSERT INTO notifications (user_id, agent_id, kind, message, post_id, comment_id, preview)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        RETURNING id, created_at
    `, n.UserID, n.AgentID, n.Kind, n.Message, n.PostID, n.CommentID,
		nullIfEmpty(n.Preview)).Scan(&n.ID, &n.CreatedAt)
}

func (s *PostgresStore) GetProviderConfig(ctx context.Context, userID int64) (*ProviderConfig, error) {
	var p ProviderConfig
	var source string
	err := s.db.QueryRowContext(ctx, `
        SELECT user_id, provider, api_key, coalesce(base_url,''), model, source, temperature, max_tokens
        FROM provider_configs WHERE user_id=$1
    `, userID).Scan(&p.UserID, &p.Provider, &p.APIKey, &p.BaseURL, &p.Model, &source, &p.Temperature, &p.MaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Source = ProviderSource(source)
	return &p, nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`SELECT credit_balance FROM users WHERE id=$1`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return balance, err
}

func (s *PostgresStore) ReserveCredit(ctx context.Context, userID int64, amount int64) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE users SET credit_balance = credit_balance - $2
        WHERE id=$1 AND credit_balance >= $2
    `, userID, amount)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoCredit
	}
	return nil
}

func (s *PostgresStore) RefundCredit(ctx context.Context, userID int64, amount int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET credit_balance = credit_balance + $2 WHERE id=$1`, userID, amount)
	return err
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (*Agent, error) {
	var a Agent
	var pausedReason, mode string
	if err := scanner.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Enabled, &a.Activated, &a.IntervalMinutes,
		&a.LockUntil, &a.LastRunAt, &a.LastSeenPostAt,
		&a.DailyTokenLimit, &a.DailyTokensUsed, &a.TokenResetAt,
		&a.DailyPostLimit, &a.DailyPostsUsed, &a.PostResetAt,
		&pausedReason, &a.LastError, &a.CustomRules, &a.Locale,
		&a.Persona.Warmth, &a.Persona.Humor, &a.Persona.Directness,
		&a.Persona.Depth, &a.Persona.Challenge,
		&a.Persona.Preset, &mode, &a.Persona.Confidence, &a.Persona.LastPromotedAt,
		&a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.PausedReason = PauseReason(pausedReason)
	a.Persona.Mode = PersonaMode(mode)
	return &a, nil
}

func scanPost(scanner interface{ Scan(dest ...any) error }) (*Post, error) {
	var p Post
	var tags []string
	if err := scanner.Scan(
		&p.ID, &p.AgentID, &p.AuthorName, &p.Title, &p.Content, &p.Summary,
		&p.Language, pq.Array(&tags), &p.Upvotes, &p.Downvotes, &p.CommentCount,
		&p.AIReviewCount, &p.AISpamVotes, &p.AIHidden, &p.AIHiddenAt,
		&p.Banned, &p.BannedAt, &p.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Tags = append([]string(nil), tags...)
	return &p, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// ensureSliceNotNil avoids NOT NULL violations on array columns
func ensureSliceNotNil(slice []string) []string {
	if slice == nil {
		return []string{}
	}
	return slice
}

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a threadsafe in-memory store for tests and local runs.
type InMemoryStore struct {
	mu        sync.Mutex
	agents    map[int64]*Agent
	posts     map[int64]*Post
	comments  map[int64]*Comment
	votes     map[int64]*Vote // by vote id
	reviews   []*PostReview
	rules     map[int64][]*MemoryRule
	profiles  map[int64]*OwnerProfile
	signals   []*PersonaSignal
	snapshots []*PersonaSnapshot
	activity  []*ActivityEvent
	notifs    []*Notification
	providers map[int64]*ProviderConfig
	credits   map[int64]int64
	nextID    int64
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agents:    make(map[int64]*Agent),
		posts:     make(map[int64]*Post),
		comments:  make(map[int64]*Comment),
		votes:     make(map[int64]*Vote),
		rules:     make(map[int64][]*MemoryRule),
		profiles:  make(map[int64]*OwnerProfile),
		providers: make(map[int64]*ProviderConfig),
		credits:   make(map[int64]int64),
		nextID:    1000,
		now:       time.Now,
	}
}

// SetClock overrides the store clock for tests.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) nextIDLocked() int64 {
	s.nextID++
	return s.nextID
}

func (s *InMemoryStore) PutAgent(a *Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == 0 {
		a.ID = s.nextIDLocked()
	}
	s.agents[a.ID] = cloneAgent(a)
}

func (s *InMemoryStore) PutPost(p *Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == 0 {
		p.ID = s.nextIDLocked()
	}
	s.posts[p.ID] = clonePost(p)
}

func (s *InMemoryStore) PutMemoryRule(r *MemoryRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == 0 {
		r.ID = s.nextIDLocked()
	}
	s.rules[r.AgentID] = append(s.rules[r.AgentID], r)
}

func (s *InMemoryStore) PutOwnerProfile(p *OwnerProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.UserID] = p
}

func (s *InMemoryStore) PutProviderConfig(p *ProviderConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[p.UserID] = p
}

func (s *InMemoryStore) SetCredit(userID, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[userID] = amount
}

func (s *InMemoryStore) GetAgent(ctx context.Context, id int64) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (s *InMemoryStore) UpdateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = s.now()
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func (s *InMemoryStore) AcquireLease(ctx context.Context, agentID int64, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return false, ErrNotFound
	}
	if !a.Enabled || !a.Activated {
		return false, nil
	}
	if a.LockUntil != nil && a.LockUntil.After(now) {
		return false, nil
	}
	u := until
	a.LockUntil = &u
	return true, nil
}

func (s *InMemoryStore) ReleaseLease(ctx context.Context, agentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.LockUntil = nil
	return nil
}

func (s *InMemoryStore) EnableAutonomy(ctx context.Context, userID, agentID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.agents[agentID]
	if !ok || target.UserID != userID {
		return ErrNotFound
	}
	for _, a := range s.agents {
		if a.UserID == userID && a.ID != agentID {
			a.Enabled = false
		}
	}
	target.Enabled = true
	return nil
}

func (s *InMemoryStore) ListDueAgents(ctx context.Context, now time.Time, limit int) ([]*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Agent
	for _, a := range s.agents {
		if !a.Enabled || !a.Activated {
			continue
		}
		if a.LockUntil != nil && a.LockUntil.After(now) {
			continue
		}
		switch a.PausedReason {
		case PauseNone, PauseNoCredit, PauseDailyTokenLimit:
		default:
			continue
		}
		if a.LastRunAt != nil {
			interval := time.Duration(a.IntervalMinutes) * time.Minute
			if now.Sub(*a.LastRunAt) < interval {
				continue
			}
		}
		due = append(due, cloneAgent(a))
	}
	sort.Slice(due, func(i, j int) bool {
		li, lj := due[i].LastRunAt, due[j].LastRunAt
		if li == nil {
			return lj != nil
		}
		if lj == nil {
			return false
		}
		return li.Before(*lj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *InMemoryStore) ListMemoryRules(ctx context.Context, agentID int64) ([]*MemoryRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*MemoryRule, len(s.rules[agentID]))
	copy(out, s.rules[agentID])
	return out, nil
}

func (s *InMemoryStore) GetOwnerProfile(ctx context.Context, userID int64) (*OwnerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *InMemoryStore) GetPost(ctx context.Context, id int64) (*Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePost(p), nil
}

func (s *InMemoryStore) CreatePost(ctx context.Context, p *Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextIDLocked()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.posts[p.ID] = clonePost(p)
	return nil
}

func (s *InMemoryStore) ListCandidatePosts(ctx context.Context, agentID, userID int64, after time.Time, quorum, limit int) ([]*Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reviewed := make(map[int64]bool)
	for _, r := range s.reviews {
		if r.AgentID == agentID {
			reviewed[r.PostID] = true
		}
	}
	voted := make(map[int64]bool)
	for _, v := range s.votes {
		if v.UserID == userID {
			voted[v.PostID] = true
		}
	}
	commented := make(map[int64]bool)
	for _, c := range s.comments {
		if c.AgentID == agentID {
			commented[c.PostID] = true
		}
	}
	var out []*Post
	for _, p := range s.posts {
		if !p.CreatedAt.After(after) {
			continue
		}
		if p.AgentID == agentID {
			continue
		}
		if p.Banned || p.AIHidden {
			continue
		}
		if p.AIReviewCount >= quorum {
			continue
		}
		if reviewed[p.ID] || voted[p.ID] || commented[p.ID] {
			continue
		}
		out = append(out, clonePost(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CreateComment(ctx context.Context, c *Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextIDLocked()
	c.CreatedAt = s.now()
	s.comments[c.ID] = c
	if p, ok := s.posts[c.PostID]; ok {
		p.CommentCount++
	}
	return nil
}

func (s *InMemoryStore) GetVote(ctx context.Context, postID, userID int64) (*Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if v.PostID == postID && v.UserID == userID {
			cp := *v
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ApplyVote(ctx context.Context, postID, userID int64, value int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[postID]
	if !ok {
		return false, ErrNotFound
	}
	var existing *Vote
	for _, v := range s.votes {
		if v.PostID == postID && v.UserID == userID {
			existing = v
			break
		}
	}
	if existing != nil && existing.Value == value {
		return false, nil
	}
	if existing != nil {
		applyVoteDelta(p, existing.Value, -1)
	}
	if value == 0 {
		if existing != nil {
			delete(s.votes, existing.ID)
			return true, nil
		}
		return false, nil
	}
	if existing != nil {
		existing.Value = value
	} else {
		v := &Vote{ID: s.nextIDLocked(), PostID: postID, UserID: userID, Value: value, CreatedAt: s.now()}
		s.votes[v.ID] = v
	}
	applyVoteDelta(p, value, 1)
	return true, nil
}

func applyVoteDelta(p *Post, value, sign int) {
	switch value {
	case 1:
		p.Upvotes += sign
	case -1:
		p.Downvotes += sign
	}
}

func (s *InMemoryStore) HasReview(ctx context.Context, postID, agentID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reviews {
		if r.PostID == postID && r.AgentID == agentID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) RecordReview(ctx context.Context, r *PostReview, quorum int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[r.PostID]
	if !ok {
		return false, ErrNotFound
	}
	for _, existing := range s.reviews {
		if existing.PostID == r.PostID && existing.AgentID == r.AgentID {
			return false, ErrDuplicate
		}
	}
	r.ID = s.nextIDLocked()
	r.CreatedAt = s.now()
	cp := *r
	s.reviews = append(s.reviews, &cp)
	p.AIReviewCount++
	hidden := false
	if r.IsSpam {
		p.AISpamVotes++
		if p.AISpamVotes >= quorum && !p.AIHidden {
			p.AIHidden = true
			t := s.now()
			p.AIHiddenAt = &t
			hidden = true
		}
	}
	return hidden, nil
}

func (s *InMemoryStore) AddPersonaSignal(ctx context.Context, sig *PersonaSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig.ID = s.nextIDLocked()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.now()
	}
	cp := *sig
	s.signals = append(s.signals, &cp)
	return nil
}

func (s *InMemoryStore) ListPersonaSignals(ctx context.Context, agentID int64, since time.Time) ([]*PersonaSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PersonaSignal
	for _, sig := range s.signals {
		if sig.AgentID == agentID && sig.CreatedAt.After(since) {
			cp := *sig
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) SavePersonaSnapshot(ctx context.Context, snap *PersonaSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.ID = s.nextIDLocked()
	snap.CreatedAt = s.now()
	cp := *snap
	s.snapshots = append(s.snapshots, &cp)
	return nil
}

// Snapshots returns stored persona snapshots, newest last. Test helper.
func (s *InMemoryStore) Snapshots() []*PersonaSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PersonaSnapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

func (s *InMemoryStore) AddActivity(ctx context.Context, ev *ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.activity = append(s.activity, ev)
	return nil
}

func (s *InMemoryStore) Activity() []*ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ActivityEvent, len(s.activity))
	copy(out, s.activity)
	return out
}

func (s *InMemoryStore) ListShadowCompares(ctx context.Context, agentID int64, since time.Time) ([]*ShadowCompare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ShadowCompare
	for _, ev := range s.activity {
		if ev.AgentID != agentID || ev.Kind != ActivityShadowCompare || !ev.CreatedAt.After(since) {
			continue
		}
		sc := &ShadowCompare{AgentID: agentID, CreatedAt: ev.CreatedAt}
		if v, ok := ev.Payload["baseline_score"].(int); ok {
			sc.BaselineScore = v
		}
		if v, ok := ev.Payload["persona_score"].(int); ok {
			sc.PersonaScore = v
		}
		if v, ok := ev.Payload["comparable"].(bool); ok {
			sc.Comparable = v
		}
		if v, ok := ev.Payload["baseline_win"].(bool); ok {
			sc.BaselineWin = v
		}
		if v, ok := ev.Payload["persona_win"].(bool); ok {
			sc.PersonaWin = v
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *InMemoryStore) AddNotification(ctx context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = s.now()
	s.notifs = append(s.notifs, n)
	return nil
}

func (s *InMemoryStore) Notifications() []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Notification, len(s.notifs))
	copy(out, s.notifs)
	return out
}

func (s *InMemoryStore) GetProviderConfig(ctx context.Context, userID int64) (*ProviderConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[userID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryStore) CreditBalance(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.credits[userID], nil
}

func (s *InMemoryStore) ReserveCredit(ctx context.Context, userID int64, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.credits[userID] < amount {
		return ErrNoCredit
	}
	s.credits[userID] -= amount
	return nil
}

func (s *InMemoryStore) RefundCredit(ctx context.Context, userID int64, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits[userID] += amount
	return nil
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.LockUntil = cloneTime(a.LockUntil)
	cp.LastRunAt = cloneTime(a.LastRunAt)
	cp.LastSeenPostAt = cloneTime(a.LastSeenPostAt)
	cp.TokenResetAt = cloneTime(a.TokenResetAt)
	cp.PostResetAt = cloneTime(a.PostResetAt)
	cp.Persona.LastPromotedAt = cloneTime(a.Persona.LastPromotedAt)
	return &cp
}

func clonePost(p *Post) *Post {
	cp := *p
	if p.Tags != nil {
		cp.Tags = append([]string(nil), p.Tags...)
	}
	cp.AIHiddenAt = cloneTime(p.AIHiddenAt)
	cp.BannedAt = cloneTime(p.BannedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

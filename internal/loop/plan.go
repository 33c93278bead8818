package loop

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentfeed/internal/aiconnectors"
	"github.com/agentfeed/internal/config"
	"github.com/agentfeed/internal/llm"
	"github.com/agentfeed/internal/store"
)

// Validation caps applied before any plan field is trusted.
const (
	maxCommentLen    = 1200
	maxSpamReasonLen = 300
	maxTitleLen      = 180
	maxContentLen    = 12000
	maxTags          = 8
	maxRulesPerSide  = 8
)

// Decision is one validated per-post action from the model's plan.
type Decision struct {
	PostID     int64  `json:"postId"`
	Interest   int    `json:"interest,omitempty"`
	Vote       int    `json:"vote,omitempty"`
	Comment    string `json:"comment,omitempty"`
	FlagSpam   bool   `json:"flagSpam,omitempty"`
	SpamReason string `json:"spamReason,omitempty"`
}

// NewPost is the model's optional draft for a fresh post.
type NewPost struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Summary string   `json:"summary,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// Plan is the structured outcome of one model call.
type Plan struct {
	Decisions []Decision `json:"decisions"`
	NewPost   *NewPost   `json:"newPost"`
}

// Generator assembles prompts, invokes the completion provider, and parses
// the raw reply into a validated Plan.
type Generator struct {
	cfg config.LoopConfig
}

func NewGenerator(cfg config.LoopConfig) *Generator { return &Generator{cfg: cfg} }

// PromptInput carries everything prompt assembly needs for one cycle.
type PromptInput struct {
	Agent      *store.Agent
	Rules      []*store.MemoryRule
	Profile    *store.OwnerProfile
	Candidates []*store.Post
	// WithPersona switches the persona contract on; the baseline variant of
	// a shadow comparison runs without it.
	WithPersona bool
}

// Generate runs one model call and returns the validated plan plus the
// tokens the call consumed. A well-formed call with unparseable output
// yields an empty plan and no error.
func (g *Generator) Generate(ctx context.Context, complete CompleteFunc, in PromptInput) (Plan, int, error) {
	system := g.BuildSystemPrompt(in)
	user := g.BuildUserPrompt(in)

	raw, tokens, err := complete(ctx, system, user)
	if err != nil {
		return Plan{}, tokens, err
	}

	plan := g.ParsePlan(raw)
	return plan, tokens, nil
}

// CompleteFunc is the shape of a budget-wrapped completion call.
type CompleteFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, int, error)

// WrapClient adapts a resolved connector into a CompleteFunc with the
// generator's default call parameters.
func WrapClient(client aiconnectors.CompletionClient, maxTokens int, temperature float64) CompleteFunc {
	return func(ctx context.Context, systemPrompt, userPrompt string) (string, int, error) {
		return client.Complete(ctx, systemPrompt, userPrompt, maxTokens, temperature)
	}
}

func (g *Generator) BuildSystemPrompt(in PromptInput) string {
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(in.Agent.Name)
	b.WriteString(", an autonomous agent participating in a developer community feed.\n")
	b.WriteString("Evaluate the posts given by the user and respond with STRICT JSON only, shaped as:\n")
	b.WriteString(`{"decisions":[{"postId":123,"interest":0,"vote":1,"comment":"","flagSpam":false,"spamReason":""}],"newPost":null}` + "\n")
	b.WriteString(fmt.Sprintf("At most %d decisions. vote is -1, 0 or 1. newPost may be an object with title, content, summary and tags.\n", g.cfg.MaxDecisions))

	if rules := strings.TrimSpace(in.Agent.CustomRules); rules != "" {
		b.WriteString("\n## Owner rules\n")
		b.WriteString(rules)
		b.WriteString("\n")
	}

	approved, rejected := splitRules(in.Rules)
	if len(approved) > 0 {
		b.WriteString("\n## Behaviors your owner approved of\n")
		for _, r := range approved {
			b.WriteString("- " + r.Text + "\n")
		}
	}
	if len(rejected) > 0 {
		// Rejected rules are hard constraints and are never relaxed by
		// persona styling.
		b.WriteString("\n## Behaviors your owner rejected — never do these, regardless of style\n")
		for _, r := range rejected {
			b.WriteString("- " + r.Text + "\n")
		}
	}

	if p := in.Profile; p != nil {
		b.WriteString("\n## Owner context\n")
		if len(p.TechStack) > 0 {
			b.WriteString("Tech stack: " + strings.Join(p.TechStack, ", ") + "\n")
		}
		if len(p.Interests) > 0 {
			b.WriteString("Interests: " + strings.Join(p.Interests, ", ") + "\n")
		}
		if len(p.CurrentProjects) > 0 {
			b.WriteString("Current projects: " + strings.Join(p.CurrentProjects, ", ") + "\n")
		}
		if p.WritingStyle != "" {
			b.WriteString("Writing style: " + p.WritingStyle + "\n")
		}
		if len(p.Teammates) > 0 {
			b.WriteString("Posts marked [teammate] come from your owner's team; engage with extra warmth.\n")
		}
	}

	if in.WithPersona {
		b.WriteString(personaContract(in.Agent.Persona))
	}

	return b.String()
}

// personaContract renders the five style dimensions as soft constraints.
func personaContract(p store.Persona) string {
	var b strings.Builder
	b.WriteString("\n## Persona Contract (soft constraints; style only, never overrides the rules above)\n")
	fmt.Fprintf(&b, "- warmth %d/100: %s\n", p.Warmth, dimensionHint(p.Warmth, "reserved and factual", "friendly and encouraging"))
	fmt.Fprintf(&b, "- humor %d/100: %s\n", p.Humor, dimensionHint(p.Humor, "keep it straight", "light humor is welcome"))
	fmt.Fprintf(&b, "- directness %d/100: %s\n", p.Directness, dimensionHint(p.Directness, "hedge and qualify", "state conclusions plainly"))
	fmt.Fprintf(&b, "- depth %d/100: %s\n", p.Depth, dimensionHint(p.Depth, "stay brief and high-level", "go into technical detail"))
	fmt.Fprintf(&b, "- challenge %d/100: %s\n", p.Challenge, dimensionHint(p.Challenge, "agree where reasonable", "push back on weak arguments"))
	return b.String()
}

func dimensionHint(value int, low, high string) string {
	if value >= 50 {
		return high
	}
	return low
}

func splitRules(rules []*store.MemoryRule) (approved, rejected []*store.MemoryRule) {
	for _, r := range rules {
		switch r.Polarity {
		case store.RuleApproved:
			if len(approved) < maxRulesPerSide {
				approved = append(approved, r)
			}
		case store.RuleRejected:
			if len(rejected) < maxRulesPerSide {
				rejected = append(rejected, r)
			}
		}
	}
	return approved, rejected
}

func (g *Generator) BuildUserPrompt(in PromptInput) string {
	teammates := make(map[string]bool)
	if in.Profile != nil {
		for _, name := range in.Profile.Teammates {
			teammates[name] = true
		}
	}

	var b strings.Builder
	b.WriteString("Unseen posts to evaluate:\n")
	for _, p := range in.Candidates {
		fmt.Fprintf(&b, "\n### Post %d\n", p.ID)
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
		if p.Language != "" {
			fmt.Fprintf(&b, "Language: %s\n", p.Language)
		}
		author := p.AuthorName
		if teammates[p.AuthorName] {
			author += " [teammate]"
		}
		fmt.Fprintf(&b, "Author: %s\n", author)
		fmt.Fprintf(&b, "Votes: +%d/-%d, reviews so far: %d\n", p.Upvotes, p.Downvotes, p.AIReviewCount)
		if p.Summary != "" {
			fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
		}
		if len(p.Tags) > 0 {
			fmt.Fprintf(&b, "Tags: %s\n", strings.Join(p.Tags, ", "))
		}
		fmt.Fprintf(&b, "Excerpt: %s\n", truncate(p.Content, 800))
	}
	return b.String()
}

// ParsePlan validates raw model output into a Plan. Anything unparseable
// degrades to an empty plan; the cycle must not abort on model noise.
func (g *Generator) ParsePlan(raw string) Plan {
	var parsed Plan
	if err := llm.DecodeModelJSON(raw, &parsed); err != nil {
		log.Warn().Err(err).Msg("Model plan did not parse; using empty plan")
		return Plan{}
	}

	plan := Plan{}
	for _, d := range parsed.Decisions {
		if len(plan.Decisions) >= g.cfg.MaxDecisions {
			break
		}
		d.Vote = clampVote(d.Vote)
		d.Comment = truncate(strings.TrimSpace(d.Comment), maxCommentLen)
		d.SpamReason = truncate(strings.TrimSpace(d.SpamReason), maxSpamReasonLen)
		plan.Decisions = append(plan.Decisions, d)
	}

	if np := parsed.NewPost; np != nil {
		title := truncate(strings.TrimSpace(np.Title), maxTitleLen)
		content := truncate(strings.TrimSpace(np.Content), maxContentLen)
		if title != "" && content != "" {
			tags := np.Tags
			if len(tags) > maxTags {
				tags = tags[:maxTags]
			}
			plan.NewPost = &NewPost{
				Title:   title,
				Content: content,
				Summary: truncate(strings.TrimSpace(np.Summary), maxTitleLen),
				Tags:    tags,
			}
		}
	}
	return plan
}

func clampVote(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

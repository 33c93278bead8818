package loop

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfeed/internal/store"
)

func newTestGenerator() *Generator {
	return NewGenerator(testConfig().Loop)
}

func TestParsePlanCapsDecisions(t *testing.T) {
	g := newTestGenerator()

	var sb strings.Builder
	sb.WriteString(`{"decisions":[`)
	for i := 0; i < 10; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(`{"postId":1,"vote":1}`)
	}
	sb.WriteString(`],"newPost":null}`)

	plan := g.ParsePlan(sb.String())
	assert.Len(t, plan.Decisions, 6)
}

func TestParsePlanClampsVotes(t *testing.T) {
	g := newTestGenerator()
	plan := g.ParsePlan(`{"decisions":[{"postId":1,"vote":5},{"postId":2,"vote":-3},{"postId":3,"vote":0}],"newPost":null}`)
	require.Len(t, plan.Decisions, 3)
	assert.Equal(t, 1, plan.Decisions[0].Vote)
	assert.Equal(t, -1, plan.Decisions[1].Vote)
	assert.Equal(t, 0, plan.Decisions[2].Vote)
}

func TestParsePlanTruncatesLongFields(t *testing.T) {
	g := newTestGenerator()
	long := strings.Repeat("x", 5000)
	plan := g.ParsePlan(`{"decisions":[{"postId":1,"comment":"` + long + `","flagSpam":true,"spamReason":"` + long + `"}],"newPost":null}`)
	require.Len(t, plan.Decisions, 1)
	assert.Len(t, plan.Decisions[0].Comment, maxCommentLen)
	assert.Len(t, plan.Decisions[0].SpamReason, maxSpamReasonLen)
}

func TestParsePlanTruncatesOnRuneBoundary(t *testing.T) {
	g := newTestGenerator()
	// One ASCII byte shifts every following 3-byte rune off the cap, so a
	// naive byte slice would cut mid-rune.
	long := "a" + strings.Repeat("世", 600)
	plan := g.ParsePlan(`{"decisions":[{"postId":1,"comment":"` + long + `"}],"newPost":null}`)
	require.Len(t, plan.Decisions, 1)

	got := plan.Decisions[0].Comment
	assert.True(t, utf8.ValidString(got), "truncation must not split a rune")
	assert.LessOrEqual(t, len(got), maxCommentLen)
	assert.Equal(t, "a"+strings.Repeat("世", 399), got)
}

func TestParsePlanDropsIncompleteNewPost(t *testing.T) {
	g := newTestGenerator()
	plan := g.ParsePlan(`{"decisions":[],"newPost":{"title":"Only a title"}}`)
	assert.Nil(t, plan.NewPost)

	plan = g.ParsePlan(`{"decisions":[],"newPost":{"title":"T","content":"C","tags":["a","b","c","d","e","f","g","h","i","j"]}}`)
	require.NotNil(t, plan.NewPost)
	assert.Len(t, plan.NewPost.Tags, maxTags)
}

func TestParsePlanSurvivesModelNoise(t *testing.T) {
	g := newTestGenerator()
	plan := g.ParsePlan("Sure! Here is the plan:\n```json\n{\"decisions\":[{\"postId\":7,\"vote\":1}],\"newPost\":null}\n```")
	require.Len(t, plan.Decisions, 1)
	assert.Equal(t, int64(7), plan.Decisions[0].PostID)

	plan = g.ParsePlan("I could not decide anything.")
	assert.Empty(t, plan.Decisions)
	assert.Nil(t, plan.NewPost)
}

func TestBuildSystemPromptIncludesRules(t *testing.T) {
	g := newTestGenerator()
	a := testAgent(1, 10)
	a.CustomRules = "Never discuss pricing."

	in := PromptInput{
		Agent: a,
		Rules: []*store.MemoryRule{
			{AgentID: 1, Polarity: store.RuleApproved, Text: "Cite sources when correcting someone"},
			{AgentID: 1, Polarity: store.RuleRejected, Text: "Tag the owner's manager"},
		},
	}

	prompt := g.BuildSystemPrompt(in)
	assert.Contains(t, prompt, "Never discuss pricing.")
	assert.Contains(t, prompt, "Cite sources when correcting someone")
	assert.Contains(t, prompt, "Tag the owner's manager")
	assert.Contains(t, prompt, "never do these")
	assert.NotContains(t, prompt, "Persona Contract")
}

func TestBuildSystemPromptPersonaContract(t *testing.T) {
	g := newTestGenerator()
	a := testAgent(1, 10)
	a.Persona.Warmth = 90
	a.Persona.Challenge = 10

	in := PromptInput{Agent: a, WithPersona: true}
	prompt := g.BuildSystemPrompt(in)
	assert.Contains(t, prompt, "Persona Contract")
	assert.Contains(t, prompt, "warmth 90/100: friendly and encouraging")
	assert.Contains(t, prompt, "challenge 10/100: agree where reasonable")
}

func TestBuildSystemPromptCapsMemoryRules(t *testing.T) {
	g := newTestGenerator()
	var rules []*store.MemoryRule
	for i := 0; i < 12; i++ {
		rules = append(rules, &store.MemoryRule{AgentID: 1, Polarity: store.RuleApproved, Text: "rule"})
	}
	prompt := g.BuildSystemPrompt(PromptInput{Agent: testAgent(1, 10), Rules: rules})
	assert.Equal(t, maxRulesPerSide, strings.Count(prompt, "- rule"))
}

func TestBuildUserPromptMarksTeammates(t *testing.T) {
	g := newTestGenerator()
	in := PromptInput{
		Agent:   testAgent(1, 10),
		Profile: &store.OwnerProfile{UserID: 10, Teammates: []string{"alice"}},
		Candidates: []*store.Post{
			{ID: 1, AuthorName: "alice", Title: "Team post", Content: "hi"},
			{ID: 2, AuthorName: "bob", Title: "Other post", Content: "hi"},
		},
	}
	prompt := g.BuildUserPrompt(in)
	assert.Contains(t, prompt, "alice [teammate]")
	assert.NotContains(t, prompt, "bob [teammate]")
}

package conversation

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		chars int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{400, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EstimateTokens(tt.chars), "chars=%d", tt.chars)
	}
}

func TestAddMessageWithinBudget(t *testing.T) {
	c := New("llama3.1", "be brief", 100)

	assert.False(t, c.AddMessage(RoleUser, "hello"))
	assert.False(t, c.AddMessage(RoleAssistant, "hi there"))

	history := c.History()
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "hi there", history[1].Content)
	assert.Equal(t, EstimateTokens(len("hello")+len("hi there")), c.EstimatedTokens())
}

func TestEstimateCountsRunes(t *testing.T) {
	c := New("m", "", 100)
	c.AddMessage(RoleUser, "héllo wörld")
	assert.Equal(t, EstimateTokens(11), c.EstimatedTokens())
}

func TestResetKeepsSystemMessagesAndRecentTail(t *testing.T) {
	c := New("m", "", 50) // 200 characters

	c.AddMessage(RoleSystem, "pinned instructions")
	for i := 0; i < 14; i++ {
		c.AddMessage(RoleUser, fmt.Sprintf("msg-%02d", i))
	}
	reset := c.AddMessage(RoleAssistant, strings.Repeat("x", 200))
	require.True(t, reset)

	history := c.History()
	require.Len(t, history, 1+1+KeepRecent)
	assert.Equal(t, Message{Role: RoleSystem, Content: "pinned instructions"}, history[0])
	assert.Equal(t, ResetNotice, history[1].Content)
	assert.Equal(t, "msg-05", history[2].Content)
	assert.Equal(t, strings.Repeat("x", 200), history[len(history)-1].Content)
}

func TestRepeatedResetKeepsSingleNotice(t *testing.T) {
	c := New("m", "", 10) // 40 characters, every long append resets

	for i := 0; i < 30; i++ {
		c.AddMessage(RoleUser, strings.Repeat("y", 30))
	}

	notices := 0
	for _, m := range c.History() {
		if m.Content == ResetNotice {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
	assert.Len(t, c.History(), 1+KeepRecent)
}

// For any sequence of appends, once the accumulated length passes 4x the budget
// the result holds every earlier system message, one notice and the last 10
// messages before the reset.
func TestResetProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	roles := []Role{RoleSystem, RoleUser, RoleAssistant}

	for iter := 0; iter < 200; iter++ {
		budget := 20 + rng.Intn(200)
		c := New("m", "", budget)

		var all []Message
		total := 0
		for {
			m := Message{
				Role:    roles[rng.Intn(len(roles))],
				Content: strings.Repeat("a", 1+rng.Intn(60)) + fmt.Sprint(len(all)),
			}
			total += len(m.Content)
			all = append(all, m)
			reset := c.AddMessage(m.Role, m.Content)

			if total <= CharsPerToken*budget {
				require.False(t, reset, "iter %d: reset before budget exceeded", iter)
				continue
			}
			require.True(t, reset, "iter %d: no reset after budget exceeded", iter)
			break
		}

		history := c.History()
		tailStart := len(all) - KeepRecent
		if tailStart < 0 {
			tailStart = 0
		}
		wantTail := all[tailStart:]

		var wantSystems []Message
		for _, m := range all[:tailStart] {
			if m.Role == RoleSystem {
				wantSystems = append(wantSystems, m)
			}
		}

		require.Len(t, history, len(wantSystems)+1+len(wantTail), "iter %d", iter)
		assert.Equal(t, wantSystems, history[:len(wantSystems)])
		assert.Equal(t, ResetNotice, history[len(wantSystems)].Content)
		assert.Equal(t, RoleSystem, history[len(wantSystems)].Role)

		got := history[len(wantSystems)+1:]
		require.Len(t, got, len(wantTail))
		for i := range wantTail {
			assert.Equal(t, wantTail[i].Role, got[i].Role)
			assert.Equal(t, wantTail[i].Content, got[i].Content)
		}
	}
}

func TestClearKeepsSystemPrompt(t *testing.T) {
	c := New("m", "stay", 100)
	c.AddMessage(RoleUser, "one")
	c.Clear()

	assert.Empty(t, c.History())
	assert.Equal(t, 0, c.EstimatedTokens())
	assert.Equal(t, "stay", c.SystemPrompt())
}

func TestHistoryIsACopy(t *testing.T) {
	c := New("m", "", 100)
	c.AddMessage(RoleUser, "original")

	h := c.History()
	h[0].Content = "mutated"

	assert.Equal(t, "original", c.History()[0].Content)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := New("llama3.1:latest", "You are terse.", 1000)
	src.AddMessage(RoleSystem, "extra rules")
	src.AddMessage(RoleUser, "list files in .")
	src.AddMessage(RoleAssistant, "README.md\nmain.go")

	blob, err := src.Export()
	require.NoError(t, err)

	dst := New("other", "", 1000)
	require.NoError(t, dst.Import(blob))

	type triple struct {
		Model        string
		SystemPrompt string
		History      []Message
	}
	want := triple{src.Model(), src.SystemPrompt(), src.History()}
	got := triple{dst.Model(), dst.SystemPrompt(), dst.History()}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(Message{})); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, src.EstimatedTokens(), dst.EstimatedTokens())
}

func TestExportImportEmptyModel(t *testing.T) {
	src := New("", "", 1000)
	src.AddMessage(RoleUser, "hi")

	blob, err := src.Export()
	require.NoError(t, err)

	dst := New("other", "p", 1000)
	require.NoError(t, dst.Import(blob))
	assert.Equal(t, "", dst.Model())
	assert.Equal(t, "", dst.SystemPrompt())
	assert.Equal(t, src.History(), dst.History())
}

func TestImportedNoticeIsReplacedOnReset(t *testing.T) {
	src := New("m", "", 10)
	for i := 0; i < 15; i++ {
		src.AddMessage(RoleUser, strings.Repeat("y", 30))
	}
	blob, err := src.Export()
	require.NoError(t, err)

	dst := New("m", "", 10)
	require.NoError(t, dst.Import(blob))
	require.True(t, dst.AddMessage(RoleUser, strings.Repeat("z", 30)))

	notices := 0
	for _, m := range dst.History() {
		if m.Content == ResetNotice {
			notices++
		}
	}
	assert.Equal(t, 1, notices)
	assert.Len(t, dst.History(), 1+KeepRecent)
}

func TestImportFailureLeavesStateUntouched(t *testing.T) {
	tests := []struct {
		name string
		blob string
	}{
		{"not json", "model: x"},
		{"truncated", `{"model":"new","systemPrompt":"p","history":[{"role":"user"`},
		{"unknown role", `{"model":"new","systemPrompt":"p","history":[{"role":"user","content":"a"},{"role":"tool","content":"b"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New("old", "old prompt", 100)
			c.AddMessage(RoleUser, "keep me")

			err := c.Import([]byte(tt.blob))
			require.Error(t, err)

			assert.Equal(t, "old", c.Model())
			assert.Equal(t, "old prompt", c.SystemPrompt())
			require.Len(t, c.History(), 1)
			assert.Equal(t, "keep me", c.History()[0].Content)
		})
	}
}

func TestParseRole(t *testing.T) {
	for _, s := range []string{"system", "user", "assistant"} {
		r, err := ParseRole(s)
		require.NoError(t, err)
		assert.Equal(t, Role(s), r)
	}
	_, err := ParseRole("tool")
	assert.Error(t, err)
}

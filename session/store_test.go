package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ochat/agent"
	"ochat/executor"
	"ochat/tools"
)

func testFactory(id string) (*agent.Agent, error) {
	return agent.New(nil, tools.NewRegistry(executor.New()), agent.Settings{
		Model:       "llama3.1:latest",
		TokenBudget: 4096,
	}), nil
}

func TestCreateGeneratesID(t *testing.T) {
	s := NewStore(testFactory)

	sess, err := s.Create("")
	require.NoError(t, err)
	_, err = uuid.Parse(sess.ID)
	assert.NoError(t, err)

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
}

func TestCreateReturnsExisting(t *testing.T) {
	s := NewStore(testFactory)

	first, err := s.Create("abc")
	require.NoError(t, err)
	first.Agent.Conversation().SetSystemPrompt("kept")

	second, err := s.Create("abc")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Len())
}

func TestSessionsAreIndependent(t *testing.T) {
	s := NewStore(testFactory)
	a, _ := s.Create("a")
	b, _ := s.Create("b")

	a.Agent.Conversation().SetModel("qwen2.5")
	assert.Equal(t, "llama3.1:latest", b.Agent.Conversation().Model())
	assert.Equal(t, []string{"a", "b"}, s.List())
}

func TestGetUnknown(t *testing.T) {
	_, err := NewStore(testFactory).Get("missing")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestClose(t *testing.T) {
	s := NewStore(testFactory)
	_, _ = s.Create("x")

	require.NoError(t, s.Close("x"))
	_, err := s.Get("x")
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
	assert.ErrorAs(t, s.Close("x"), &nf)
}

func TestFactoryError(t *testing.T) {
	s := NewStore(func(string) (*agent.Agent, error) { return nil, errors.New("no model") })
	_, err := s.Create("x")
	assert.ErrorContains(t, err, "no model")
	assert.Zero(t, s.Len())
}

func TestSweepIdleSessions(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	s := NewStore(testFactory, WithIdleTTL(time.Minute), withClock(clock))

	_, _ = s.Create("old")
	now = now.Add(50 * time.Second)
	_, _ = s.Create("fresh")
	now = now.Add(20 * time.Second)

	assert.Equal(t, []string{"old"}, s.Sweep(now))
	assert.Equal(t, []string{"fresh"}, s.List())

	// A lookup keeps a session alive.
	now = now.Add(50 * time.Second)
	_, err := s.Get("fresh")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	assert.Empty(t, s.Sweep(now))
}

func TestNoTTLNeverExpires(t *testing.T) {
	s := NewStore(testFactory)
	_, _ = s.Create("a")
	assert.Empty(t, s.Sweep(time.Now().Add(24*365*time.Hour)))
	assert.NoError(t, s.Run(context.Background()))
}

func TestConcurrentCreate(t *testing.T) {
	s := NewStore(testFactory)

	var wg sync.WaitGroup
	results := make([]*Session, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = s.Create("shared")
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Same(t, results[0], r)
	}
	assert.Equal(t, 1, s.Len())
}

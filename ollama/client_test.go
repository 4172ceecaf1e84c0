package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL)
	require.NoError(t, err)
	return c
}

func collect(t *testing.T, c *Client) ([]api.ChatResponse, error) {
	t.Helper()
	var got []api.ChatResponse
	req := NewChatRequest("llama3.1:latest", []api.Message{{Role: "user", Content: "hi"}}, ChatOptions{Temperature: 0.7, TopP: 0.9})
	err := c.ChatStream(context.Background(), req, func(resp api.ChatResponse) error {
		got = append(got, resp)
		return nil
	})
	return got, err
}

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("")
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, c.BaseURL())

	_, err = NewClient("not a url")
	assert.Error(t, err)
}

func TestChatStreamSendsRequest(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, `{"message":{"role":"assistant","content":"ok"},"done":true,"prompt_eval_count":3,"eval_count":2}`+"\n")
	})

	frags, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, 5, UsageOf(frags[0]).Total())

	assert.Equal(t, "llama3.1:latest", got["model"])
	assert.Equal(t, true, got["stream"])
	opts, ok := got["options"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.7, opts["temperature"], 1e-9)
	assert.InDelta(t, 0.9, opts["top_p"], 1e-9)
}

func TestChatStreamBuffersSplitLinesAndSkipsGarbage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		parts := []string{
			`{"message":{"role":"assistant","content":"Hel`,
			`lo"},"done":false}` + "\n" + `not json at all` + "\n",
			"\n",
			`{"message":{"role":"assistant","content":", world"},"done":false}` + "\n" + `{"mess`,
			`age":{"role":"assistant","content":""},"done":true,"prompt_eval_count":10,"eval_count":4}`,
		}
		for _, p := range parts {
			io.WriteString(w, p)
			flusher.Flush()
		}
	})

	frags, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	var text strings.Builder
	for _, f := range frags {
		text.WriteString(f.Message.Content)
	}
	assert.Equal(t, "Hello, world", text.String())
	assert.True(t, frags[2].Done)
	assert.Equal(t, Usage{PromptEvalCount: 10, EvalCount: 4}, UsageOf(frags[2]))
}

func TestChatStreamDropMidResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, s := range []string{"one ", "two ", "three "} {
			io.WriteString(w, `{"message":{"role":"assistant","content":"`+s+`"},"done":false}`+"\n")
			flusher.Flush()
		}
		conn, _, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		conn.Close()
	})

	frags, err := collect(t, c)
	assert.Len(t, frags, 3)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 3, streamErr.Fragments)
}

func TestChatStreamEndsWithoutDone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`+"\n")
	})

	frags, err := collect(t, c)
	assert.Len(t, frags, 1)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.ErrorIs(t, err, errStreamEnded)
}

func TestChatStreamErrorFragment(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"model runner crashed"}`+"\n")
	})

	_, err := collect(t, c)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Contains(t, err.Error(), "model runner crashed")
}

func TestChatStreamStatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":"model 'nope' not found"}`)
	})

	_, err := collect(t, c)
	var statusErr api.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "model 'nope' not found", statusErr.ErrorMessage)
}

func TestChatStreamConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url)
	require.NoError(t, err)

	_, err = collect(t, c)
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, url, connErr.Host)
}

func TestChatStreamCallbackErrorStops(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 3; i++ {
			io.WriteString(w, `{"message":{"content":"x"},"done":false}`+"\n")
		}
		io.WriteString(w, `{"done":true}`+"\n")
	})

	stop := errors.New("stop")
	calls := 0
	req := NewChatRequest("m", nil, ChatOptions{})
	err := c.ChatStream(context.Background(), req, func(api.ChatResponse) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestListModelsAndPing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		io.WriteString(w, `{"models":[{"name":"llama3.1:latest","size":4920753328},{"name":"qwen2.5-coder:7b","size":4683087332}]}`)
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.1:latest", models[0].Name)
	assert.Equal(t, int64(4683087332), models[1].Size)

	assert.NoError(t, c.Ping(context.Background()))
}

func TestPingUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(url)
	require.NoError(t, err)

	var connErr *ConnectionError
	assert.ErrorAs(t, c.Ping(context.Background()), &connErr)
}

func TestHeaderTimeoutDoesNotCapStreamedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"message":{"content":"slow"},"done":false}`+"\n")
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		io.WriteString(w, `{"message":{"content":" model"},"done":true}`+"\n")
	}))
	t.Cleanup(srv.Close)

	c, err := NewClientWithHTTP(srv.URL, NewHTTPClient(100*time.Millisecond))
	require.NoError(t, err)

	got, err := collect(t, c)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[1].Done)
}

func TestHeaderTimeoutFailsSilentServer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c, err := NewClientWithHTTP(srv.URL, NewHTTPClient(50*time.Millisecond))
	require.NoError(t, err)

	_, err = collect(t, c)
	assert.Error(t, err)
}

package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ochat/agent"
	"ochat/conversation"
	"ochat/executor"
	"ochat/ollama"
	"ochat/session"
	"ochat/storage"
	"ochat/tools"
)

type fakeBackend struct {
	models  []ollama.ModelInfo
	pingErr error
	reply   []string
	started chan struct{}
	release chan struct{}
}

func (f *fakeBackend) ListModels(context.Context) ([]ollama.ModelInfo, error) {
	return f.models, nil
}

func (f *fakeBackend) Ping(context.Context) error { return f.pingErr }

func (f *fakeBackend) ChatStream(ctx context.Context, _ *api.ChatRequest, fn ollama.FragmentFunc) error {
	if f.started != nil {
		f.started <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, part := range f.reply {
		if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: part}}); err != nil {
			return err
		}
	}
	done := api.ChatResponse{Done: true}
	done.PromptEvalCount = 20
	done.EvalCount = 4
	return fn(done)
}

type testEnv struct {
	srv     *httptest.Server
	store   *session.Store
	backend *fakeBackend
}

func newTestEnv(t *testing.T, backend *fakeBackend, opts ...Option) *testEnv {
	t.Helper()
	store := session.NewStore(func(string) (*agent.Agent, error) {
		return agent.New(backend, tools.NewRegistry(executor.New()), agent.Settings{
			Model:        "llama3.1:latest",
			TokenBudget:  4096,
			ToolsEnabled: true,
		}), nil
	})
	srv := httptest.NewServer(NewServer(store, backend, opts...).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, backend: backend}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readEvents(t *testing.T, resp *http.Response) []Event {
	t.Helper()
	var events []Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func (e *testEnv) createSession(t *testing.T, body string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/sessions", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[sessionResponse](t, resp).SessionID
}

func TestCreateSessionAppliesSettings(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})

	resp := env.do(t, http.MethodPost, "/api/sessions", `{"sessionId":"abc","model":"qwen2.5","tokenBudget":8192}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[sessionResponse](t, resp)
	assert.Equal(t, "abc", got.SessionID)
	assert.Equal(t, "qwen2.5", got.Settings.Model)
	assert.Equal(t, 8192, got.Settings.TokenBudget)
	assert.True(t, got.Settings.ToolsEnabled)

	// empty body generates an id
	id := env.createSession(t, "")
	assert.NotEmpty(t, id)

	list := decode[map[string][]string](t, env.do(t, http.MethodGet, "/api/sessions", ""))
	assert.Len(t, list["sessions"], 2)
}

func TestSendStreamsEvents(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"Hello", " world"}})
	id := env.createSession(t, "")

	resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	events := readEvents(t, resp)
	require.NotEmpty(t, events)

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == EventChunk {
			text.WriteString(ev.Content)
		}
	}
	assert.Equal(t, "Hello world", text.String())
	assert.Equal(t, EventState, events[0].Type)
	assert.Equal(t, "sending_initial_request", events[0].State)

	last := events[len(events)-1]
	assert.Equal(t, EventDone, last.Type)
	assert.Equal(t, 24, last.TokenCount)
	assert.Equal(t, "Hello world", last.Content)

	hist := decode[historyResponse](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/history", ""))
	require.Len(t, hist.History, 2)
	assert.Equal(t, conversation.RoleUser, hist.History[0].Role)
	assert.Equal(t, "Hello world", hist.History[1].Content)
}

func TestSendValidation(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	id := env.createSession(t, "")

	resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", `{"content":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/sessions/missing/messages", `{"content":"hi"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConcurrentSendConflict(t *testing.T) {
	backend := &fakeBackend{
		reply:   []string{"done"},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	env := newTestEnv(t, backend)
	id := env.createSession(t, "")

	first := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(env.srv.URL+"/api/sessions/"+id+"/messages", "application/json", strings.NewReader(`{"content":"one"}`))
		if err != nil {
			first <- nil
			return
		}
		first <- resp
	}()
	<-backend.started

	resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", `{"content":"two"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[errorResponse](t, resp)
	assert.Contains(t, body.Error, "already in progress")

	close(backend.release)
	firstResp := <-first
	require.NotNil(t, firstResp)
	defer firstResp.Body.Close()
	events := readEvents(t, firstResp)
	require.NotEmpty(t, events)
	assert.Equal(t, EventDone, events[len(events)-1].Type)
}

func TestHistoryClearExportImport(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{reply: []string{"README.md"}})
	id := env.createSession(t, `{"systemPrompt":"be brief"}`)

	readEvents(t, env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", `{"content":"list files"}`))

	resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "ochat-"+id+".json")
	blob, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	resp = env.do(t, http.MethodDelete, "/api/sessions/"+id+"/history", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	hist := decode[historyResponse](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/history", ""))
	assert.Empty(t, hist.History)
	assert.Equal(t, "be brief", hist.SystemPrompt)

	other := env.createSession(t, "")
	resp = env.do(t, http.MethodPost, "/api/sessions/"+other+"/import", string(blob))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist = decode[historyResponse](t, resp)
	require.Len(t, hist.History, 2)
	assert.Equal(t, "README.md", hist.History[1].Content)
	assert.Equal(t, "be brief", hist.SystemPrompt)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+other+"/import", `{"model":"x","history":[{"role":"robot","content":"?"}]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	hist = decode[historyResponse](t, env.do(t, http.MethodGet, "/api/sessions/"+other+"/history", ""))
	assert.Len(t, hist.History, 2)
}

func TestToggleTools(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	id := env.createSession(t, "")

	got := decode[toolsResponse](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/tools", ""))
	assert.True(t, got.Enabled)
	assert.Len(t, got.Tools, 6)

	got = decode[toolsResponse](t, env.do(t, http.MethodPut, "/api/sessions/"+id+"/tools", `{"enabled":false}`))
	assert.False(t, got.Enabled)
	assert.Empty(t, got.Tools)

	got = decode[toolsResponse](t, env.do(t, http.MethodPut, "/api/sessions/"+id+"/tools", ""))
	assert.True(t, got.Enabled)
}

func TestExecuteTool(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	id := env.createSession(t, "")

	resp := env.do(t, http.MethodPost, "/api/sessions/"+id+"/tools/execute_command", `{"command":"echo web"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Tool   string           `json:"tool"`
		Result executor.Result `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "execute_command", body.Tool)
	assert.Equal(t, "web\n", body.Result.Stdout)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+id+"/tools/execute_command", `{"command":"rm -rf /"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+id+"/tools/list_dir", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "list_directory", decode[errorResponse](t, resp).Suggestion)

	resp = env.do(t, http.MethodPost, "/api/sessions/"+id+"/tools/read_file", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	calls := decode[map[string][]tools.CallRecord](t, env.do(t, http.MethodGet, "/api/sessions/"+id+"/tool-calls", ""))
	require.Len(t, calls["toolCalls"], 3)
	assert.True(t, calls["toolCalls"][0].Success)
	assert.False(t, calls["toolCalls"][1].Success)
}

func TestCommandsFromAuditLog(t *testing.T) {
	audit, err := storage.OpenAuditLog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { audit.Close() })

	backend := &fakeBackend{}
	store := session.NewStore(func(id string) (*agent.Agent, error) {
		rec := audit.ForSession(id)
		exec := executor.New(executor.WithRecorder(rec))
		return agent.New(backend, tools.NewRegistry(exec, tools.WithRecorder(rec)), agent.Settings{
			Model:        "llama3.1:latest",
			ToolsEnabled: true,
		}), nil
	})
	srv := httptest.NewServer(NewServer(store, backend, WithAuditLog(audit)).Handler())
	t.Cleanup(srv.Close)
	env := &testEnv{srv: srv, store: store, backend: backend}

	id := env.createSession(t, "")
	env.do(t, http.MethodPost, "/api/sessions/"+id+"/tools/execute_command", `{"command":"echo audited"}`)

	resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/commands?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string][]storage.CommandEntry](t, resp)
	require.Len(t, got["commands"], 1)
	assert.Equal(t, "echo audited", got["commands"][0].Command)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+id+"/commands?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+id+"/tool-calls?source=audit&limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	calls := decode[map[string][]storage.ToolCallEntry](t, resp)
	require.Len(t, calls["toolCalls"], 1)
	assert.Equal(t, "execute_command", calls["toolCalls"][0].Name)
	assert.Equal(t, id, calls["toolCalls"][0].SessionID)
	assert.True(t, calls["toolCalls"][0].Success)

	resp = env.do(t, http.MethodGet, "/api/sessions/"+id+"/tool-calls?source=disk", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandsWithoutAuditLog(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	id := env.createSession(t, "")
	resp := env.do(t, http.MethodGet, "/api/sessions/"+id+"/commands", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/sessions/"+id+"/tool-calls?source=audit", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t, &fakeBackend{})
	id := env.createSession(t, "")

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/sessions/"+id, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/sessions/"+id, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/sessions/"+id+"/history", "").StatusCode)
}

func TestModelsAndHealth(t *testing.T) {
	backend := &fakeBackend{models: []ollama.ModelInfo{{Name: "llama3.1:latest", Size: 42}}}
	env := newTestEnv(t, backend)

	got := decode[map[string][]ollama.ModelInfo](t, env.do(t, http.MethodGet, "/api/models", ""))
	require.Len(t, got["models"], 1)
	assert.Equal(t, "llama3.1:latest", got["models"][0].Name)

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/health", "").StatusCode)
	backend.pingErr = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/api/health", "").StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&session.NotFoundError{ID: "x"}, http.StatusNotFound},
		{agent.ErrTurnInProgress, http.StatusConflict},
		{&tools.ExecutionError{Tool: "execute_command", Err: &executor.SecurityDeniedError{Command: "rm -rf /"}}, http.StatusForbidden},
		{&tools.ExecutionError{Tool: "read_file", Err: errors.New("missing")}, http.StatusUnprocessableEntity},
		{&ollama.ConnectionError{Host: "localhost:11434", Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	store := session.NewStore(func(string) (*agent.Agent, error) { return nil, errors.New("unused") })
	srv := NewServer(store, &fakeBackend{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}

package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ollama/ollama/api"

	"ochat/config"
)

var errStreamEnded = errors.New("stream ended before done")

// Usage holds the evaluation counters of a done fragment.
type Usage struct {
	PromptEvalCount int `json:"promptEvalCount"`
	EvalCount       int `json:"evalCount"`
}

func (u Usage) Total() int {
	return u.PromptEvalCount + u.EvalCount
}

func UsageOf(resp api.ChatResponse) Usage {
	return Usage{PromptEvalCount: resp.PromptEvalCount, EvalCount: resp.EvalCount}
}

type ChatOptions struct {
	Temperature float64
	TopP        float64
}

// NewChatRequest builds a streamed chat request.
func NewChatRequest(model string, messages []api.Message, opts ChatOptions) *api.ChatRequest {
	stream := true
	return &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"top_p":       opts.TopP,
		},
	}
}

// FragmentFunc receives every parsed fragment in order. Returning an error
// stops the stream and ChatStream returns it unchanged.
type FragmentFunc func(api.ChatResponse) error

// envelope matches a stream line, which is either a chat fragment or an error
// object.
type envelope struct {
	api.ChatResponse
	Error string `json:"error,omitempty"`
}

// ChatStream posts req to /api/chat and feeds the newline-delimited response to
// fn. Lines that do not parse are skipped; a line split across reads is
// buffered until its newline arrives. It returns nil once a done fragment has
// been delivered.
func (c *Client) ChatStream(ctx context.Context, req *api.ChatRequest, fn FragmentFunc) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("api", "chat").String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("chat request cancelled: %w", ctx.Err())
		}
		return &ConnectionError{Host: c.BaseURL(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}

	config.DebugLog.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Msg("chat stream opened")
	return readStream(resp.Body, fn)
}

func readStream(r io.Reader, fn FragmentFunc) error {
	br := bufio.NewReader(r)
	fragments := 0

	for {
		line, readErr := br.ReadBytes('\n')

		if len(bytes.TrimSpace(line)) > 0 {
			var frag envelope
			if err := json.Unmarshal(line, &frag); err != nil {
				perr := &ParseError{Line: string(bytes.TrimSpace(line)), Err: err}
				config.DebugLog.Debug().Err(perr).Msg("skipping stream line")
			} else {
				if frag.Error != "" {
					return &StreamError{Fragments: fragments, Err: errors.New(frag.Error)}
				}
				fragments++
				if err := fn(frag.ChatResponse); err != nil {
					return err
				}
				if frag.Done {
					return nil
				}
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				readErr = errStreamEnded
			}
			return &StreamError{Fragments: fragments, Err: readErr}
		}
	}
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	se := api.StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		se.ErrorMessage = body.Error
	} else {
		se.ErrorMessage = string(bytes.TrimSpace(data))
	}
	return fmt.Errorf("chat request failed: %w", se)
}

package ollama

import "fmt"

// ConnectionError means the inference server could not be reached. The turn
// is aborted and nothing is retried.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to Ollama at %s: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamError means a chat stream broke after the response started: the
// connection dropped, the server reported an error fragment, or the body ended
// without a done fragment.
type StreamError struct {
	Fragments int
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("chat stream failed after %d fragments: %v", e.Fragments, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// ParseError describes a stream line that was not a valid fragment. It is
// logged and skipped, never returned from ChatStream.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse stream fragment %q: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

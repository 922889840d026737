package llmprovider

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Provider used by pkg/toolresolver and
// pkg/orchestrator tests: a hand-written fake behind the real interface
// rather than a mocking library.
type Fake struct {
	mu        sync.Mutex
	Responses map[string]Response // prompt -> canned response
	Default   Response
	Err       error
	Calls     []string
}

func NewFake() *Fake {
	return &Fake{Responses: map[string]Response{}}
}

func (f *Fake) Call(ctx context.Context, model, prompt string, maxTokens int, temperature float64, deadline time.Time) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, prompt)
	select {
	case <-ctx.Done():
		return Response{}, Transient(ctx.Err())
	default:
	}
	if f.Err != nil {
		return Response{}, f.Err
	}
	if r, ok := f.Responses[prompt]; ok {
		return r, nil
	}
	if f.Default.Text != "" {
		return f.Default, nil
	}
	return Response{}, Permanent(fmt.Errorf("llmprovider fake: no canned response for prompt %q", prompt))
}

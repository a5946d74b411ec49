// Package llmtest provides deterministic llm.Client implementations for tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"TaskPilot/internal/llm"
)

// Turn configures one model turn in a scripted sequence.
type Turn struct {
	Response llm.Response
	Err      error
	// Hang blocks the call until the caller's context is done.
	Hang bool
}

// Text returns a turn that answers with plain text.
func Text(text string) Turn {
	return Turn{Response: llm.Response{Text: text, FinishReason: llm.FinishStop}}
}

// Call returns a turn that requests a single tool invocation.
func Call(name string, args any) Turn {
	encoded, _ := json.Marshal(args)
	return Turn{Response: llm.Response{
		ToolCalls:    []llm.ToolCall{{ID: fmt.Sprintf("call-%s", name), Name: name, Arguments: encoded}},
		FinishReason: llm.FinishToolCalls,
	}}
}

// Fail returns a turn that fails with err.
func Fail(err error) Turn { return Turn{Err: err} }

// Hang returns a turn that never answers on its own.
func Hang() Turn { return Turn{Hang: true} }

// ScriptedClient replays turns in order and records every request.
type ScriptedClient struct {
	mu       sync.Mutex
	index    int
	turns    []Turn
	requests []llm.Request
}

// NewScripted builds a client from the given turns.
func NewScripted(turns ...Turn) *ScriptedClient {
	cloned := make([]Turn, len(turns))
	copy(cloned, turns)
	return &ScriptedClient{turns: cloned}
}

var _ llm.Client = (*ScriptedClient)(nil)

// Generate implements llm.Client.
func (c *ScriptedClient) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if c.index >= len(c.turns) {
		c.mu.Unlock()
		return nil, fmt.Errorf("script exhausted at call %d", c.index+1)
	}
	current := c.turns[c.index]
	c.index++
	c.mu.Unlock()

	if current.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if current.Err != nil {
		return nil, current.Err
	}
	resp := current.Response
	resp.ToolCalls = append([]llm.ToolCall(nil), current.Response.ToolCalls...)
	if resp.FinishReason == "" {
		resp.FinishReason = llm.NormalizeFinishReason("", len(resp.ToolCalls) > 0)
	}
	return &resp, nil
}

// Calls returns how many times Generate has been invoked.
func (c *ScriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns a copy of the recorded requests.
func (c *ScriptedClient) Requests() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.requests...)
}

// Func adapts a function to llm.Client.
type Func func(ctx context.Context, req llm.Request) (*llm.Response, error)

// Generate implements llm.Client.
func (f Func) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return f(ctx, req)
}

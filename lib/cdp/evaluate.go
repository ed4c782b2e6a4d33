package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EvalOption adjusts a single Evaluate call.
type EvalOption func(*evalOptions)

type evalOptions struct {
	awaitPromise   bool
	requireContext bool
	callOpts       []CallOption
}

// AwaitPromise resolves a promise-valued expression before returning.
func AwaitPromise() EvalOption {
	return func(o *evalOptions) { o.awaitPromise = true }
}

// RequireContext fails with ErrNoContext instead of falling back to the
// page's default context when no primary context is registered.
func RequireContext() EvalOption {
	return func(o *evalOptions) { o.requireContext = true }
}

// WithEvalTimeout overrides the per-call deadline for this evaluation.
func WithEvalTimeout(d time.Duration) EvalOption {
	return func(o *evalOptions) {
		o.callOpts = append(o.callOpts, WithTimeout(d))
	}
}

// Evaluate runs expression in the primary execution context with
// returnByValue and returns the JSON-encoded result value. A thrown
// exception comes back as *ScriptError.
func (c *Client) Evaluate(ctx context.Context, expression string, opts ...EvalOption) (json.RawMessage, error) {
	var options evalOptions
	for _, opt := range opts {
		opt(&options)
	}

	params := map[string]any{
		"expression":    expression,
		"returnByValue": true,
		"awaitPromise":  options.awaitPromise,
	}
	if id, ok := c.contexts.primary(); ok {
		params["contextId"] = id
	} else if options.requireContext {
		return nil, ErrNoContext
	}

	result, err := c.Call(ctx, "Runtime.evaluate", params, options.callOpts...)
	if err != nil {
		return nil, err
	}

	var evalResult struct {
		Result struct {
			Type        string          `json:"type"`
			Subtype     string          `json:"subtype"`
			Value       json.RawMessage `json:"value"`
			Description string          `json:"description"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &evalResult); err != nil {
		return nil, fmt.Errorf("unmarshal eval result: %w", err)
	}

	if evalResult.ExceptionDetails != nil {
		text := evalResult.ExceptionDetails.Text
		if evalResult.ExceptionDetails.Exception.Description != "" {
			text = evalResult.ExceptionDetails.Exception.Description
		}
		return nil, &ScriptError{Text: text}
	}
	if evalResult.Result.Subtype == "error" {
		return nil, &ScriptError{Text: evalResult.Result.Description}
	}

	return evalResult.Result.Value, nil
}

// EvaluateInto evaluates expression and unmarshals the value into out.
// A null or undefined result leaves out untouched and returns false.
func (c *Client) EvaluateInto(ctx context.Context, expression string, out any, opts ...EvalOption) (bool, error) {
	raw, err := c.Evaluate(ctx, expression, opts...)
	if err != nil {
		return false, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal eval value: %w", err)
	}
	return true, nil
}

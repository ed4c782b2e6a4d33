package cdp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agbridge/agbridge/lib/domscripts"
)

// InjectMessage focuses the chat input, types text through the Input domain
// and submits it with Enter. Typing through Input (rather than setting the
// DOM value) keeps the workbench's own input handlers in the loop.
func (c *Client) InjectMessage(ctx context.Context, text string) error {
	var focus struct {
		OK bool `json:"ok"`
	}
	if _, err := c.EvaluateInto(ctx, domscripts.FocusInput, &focus); err != nil {
		return fmt.Errorf("focus input: %w", err)
	}
	if !focus.OK {
		return fmt.Errorf("focus input: %w", ErrNoContext)
	}

	if _, err := c.Call(ctx, "Input.insertText", map[string]any{"text": text}); err != nil {
		return fmt.Errorf("insert text: %w", err)
	}
	return c.pressEnter(ctx)
}

func (c *Client) pressEnter(ctx context.Context) error {
	down := map[string]any{
		"type":                  "rawKeyDown",
		"key":                   "Enter",
		"code":                  "Enter",
		"windowsVirtualKeyCode": 13,
		"nativeVirtualKeyCode":  13,
	}
	if _, err := c.Call(ctx, "Input.dispatchKeyEvent", down); err != nil {
		return fmt.Errorf("key down: %w", err)
	}
	char := map[string]any{
		"type": "char",
		"text": "\r",
		"key":  "Enter",
	}
	if _, err := c.Call(ctx, "Input.dispatchKeyEvent", char); err != nil {
		return fmt.Errorf("key char: %w", err)
	}
	up := map[string]any{
		"type":                  "keyUp",
		"key":                   "Enter",
		"code":                  "Enter",
		"windowsVirtualKeyCode": 13,
		"nativeVirtualKeyCode":  13,
	}
	if _, err := c.Call(ctx, "Input.dispatchKeyEvent", up); err != nil {
		return fmt.Errorf("key up: %w", err)
	}
	return nil
}

// SetFileInput attaches local files to the workbench's upload input via the
// DOM domain. Paths must be absolute and readable by the browser process.
func (c *Client) SetFileInput(ctx context.Context, files []string) error {
	var probe struct {
		Selector string `json:"selector"`
	}
	found, err := c.EvaluateInto(ctx, domscripts.AttachmentInputProbe, &probe)
	if err != nil {
		return fmt.Errorf("probe attachment input: %w", err)
	}
	if !found || probe.Selector == "" {
		return fmt.Errorf("attachment input: %w", ErrNoContext)
	}

	doc, err := c.Call(ctx, "DOM.getDocument", map[string]any{"depth": 0})
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	var docResp struct {
		Root struct {
			NodeID int64 `json:"nodeId"`
		} `json:"root"`
	}
	if err := json.Unmarshal(doc, &docResp); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}

	node, err := c.Call(ctx, "DOM.querySelector", map[string]any{
		"nodeId":   docResp.Root.NodeID,
		"selector": probe.Selector,
	})
	if err != nil {
		return fmt.Errorf("query selector: %w", err)
	}
	var nodeResp struct {
		NodeID int64 `json:"nodeId"`
	}
	if err := json.Unmarshal(node, &nodeResp); err != nil {
		return fmt.Errorf("unmarshal node: %w", err)
	}
	if nodeResp.NodeID == 0 {
		return fmt.Errorf("attachment input vanished: %w", ErrNoContext)
	}

	_, err = c.Call(ctx, "DOM.setFileInputFiles", map[string]any{
		"nodeId": nodeResp.NodeID,
		"files":  files,
	})
	if err != nil {
		return fmt.Errorf("set file input: %w", err)
	}
	return nil
}

// CaptureScreenshot grabs the page as PNG bytes.
func (c *Client) CaptureScreenshot(ctx context.Context) ([]byte, error) {
	result, err := c.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal screenshot: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return decoded, nil
}

// WaitForReady polls until a primary execution context exists and a trivial
// evaluation round-trips, or the deadline passes.
func (c *Client) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, ok := c.contexts.primary(); ok {
			var two int
			if _, err := c.EvaluateInto(ctx, "1+1", &two); err == nil && two == 2 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("target not ready after %s: %w", timeout, ErrNoContext)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return ErrDisconnected
		case <-ticker.C:
		}
	}
}

// ReadClipboard reads the page clipboard. A permission denial is not an
// error: it returns ok=false and is never retried.
func (c *Client) ReadClipboard(ctx context.Context) (string, bool, error) {
	var text string
	ok, err := c.EvaluateInto(ctx, domscripts.ReadClipboard, &text, AwaitPromise())
	if err != nil {
		return "", false, err
	}
	return text, ok, nil
}

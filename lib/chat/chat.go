// Package chat defines the transport capability the bridge talks through.
// Any front-end (Discord bot, console, HTTP webhook) that can send, edit and
// receive messages satisfies Transport; the core never depends on a concrete
// chat system.
package chat

import (
	"context"
	"errors"
)

// ErrClosed is returned by transport operations after Close.
var ErrClosed = errors.New("chat: transport closed")

// MessageRef identifies one sent message for later edits.
type MessageRef struct {
	ChannelID string
	MessageID string
}

// Attachment is an inbound file carried with a message.
type Attachment struct {
	Name string
	Data []byte
}

// Inbound is a message from a chat user.
type Inbound struct {
	ChannelID   string
	UserID      string
	Username    string
	Text        string
	Attachments []Attachment
}

// ButtonPress is a click on an action button previously sent via SendEvent.
type ButtonPress struct {
	ChannelID string
	MessageID string
	ActionID  string
	UserID    string
}

// UiEventKind is the closed set of workbench dialogs surfaced to chat.
type UiEventKind string

const (
	UiEventApproval UiEventKind = "approval"
	UiEventPlanning UiEventKind = "planning"
	UiEventError    UiEventKind = "error"
)

// UiAction is one button on a rendered event.
type UiAction struct {
	ID    string
	Label string
}

// UiEvent is a transport-neutral dialog descriptor: the bridge fills it from
// a workbench dialog, the transport renders it however it can (rich embed
// with buttons, or plain text with numbered replies).
type UiEvent struct {
	Kind    UiEventKind
	Title   string
	Body    string
	Actions []UiAction
}

// Transport is the chat capability consumed by the bridge and the daemon
// loop. Implementations own their delivery guarantees; callers treat every
// method as potentially slow and pass a context.
type Transport interface {
	// Send posts a new message and returns its ref for later edits.
	Send(ctx context.Context, channelID, content string) (MessageRef, error)
	// Edit replaces the content of a previously sent message.
	Edit(ctx context.Context, ref MessageRef, content string) error
	// SendEvent renders a dialog descriptor, with buttons where supported.
	SendEvent(ctx context.Context, channelID string, ev UiEvent) (MessageRef, error)
	// SendFile uploads a file (screenshots, transcripts).
	SendFile(ctx context.Context, channelID, name string, data []byte) error
	// Incoming streams user messages. Closed when the transport closes.
	Incoming() <-chan Inbound
	// Actions streams button presses. Closed when the transport closes.
	Actions() <-chan ButtonPress
	Close() error
}

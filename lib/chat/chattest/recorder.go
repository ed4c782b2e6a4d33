// Package chattest provides an in-memory chat.Transport for tests.
package chattest

import (
	"context"
	"fmt"
	"sync"

	"github.com/agbridge/agbridge/lib/chat"
)

// Message is one outbound message captured by the recorder.
type Message struct {
	ChannelID string
	ID        string
	Content   string
	Edits     int
	Event     *chat.UiEvent
	FileName  string
	FileData  []byte
}

// Recorder implements chat.Transport in memory. Tests inspect what was sent
// and push inbound traffic through PushIncoming / PushAction.
type Recorder struct {
	mu       sync.Mutex
	nextID   int
	byID     map[string]*Message
	order    []string
	sendErr  error
	editErr  error
	incoming chan chat.Inbound
	actions  chan chat.ButtonPress
	closed   bool
}

func NewRecorder() *Recorder {
	return &Recorder{
		byID:     make(map[string]*Message),
		incoming: make(chan chat.Inbound, 16),
		actions:  make(chan chat.ButtonPress, 16),
	}
}

// SetSendErr makes subsequent Send/SendEvent/SendFile calls fail with err.
func (r *Recorder) SetSendErr(err error) {
	r.mu.Lock()
	r.sendErr = err
	r.mu.Unlock()
}

// SetEditErr makes subsequent Edit calls fail with err.
func (r *Recorder) SetEditErr(err error) {
	r.mu.Lock()
	r.editErr = err
	r.mu.Unlock()
}

func (r *Recorder) Send(_ context.Context, channelID, content string) (chat.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return chat.MessageRef{}, r.sendErr
	}
	msg := r.record(channelID, content)
	return chat.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (r *Recorder) Edit(_ context.Context, ref chat.MessageRef, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.editErr != nil {
		return r.editErr
	}
	msg, ok := r.byID[ref.MessageID]
	if !ok {
		return fmt.Errorf("chattest: edit of unknown message %s", ref.MessageID)
	}
	msg.Content = content
	msg.Edits++
	return nil
}

func (r *Recorder) SendEvent(_ context.Context, channelID string, ev chat.UiEvent) (chat.MessageRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return chat.MessageRef{}, r.sendErr
	}
	msg := r.record(channelID, ev.Title)
	evCopy := ev
	msg.Event = &evCopy
	return chat.MessageRef{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (r *Recorder) SendFile(_ context.Context, channelID, name string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	msg := r.record(channelID, "")
	msg.FileName = name
	msg.FileData = append([]byte(nil), data...)
	return nil
}

func (r *Recorder) Incoming() <-chan chat.Inbound {
	return r.incoming
}

func (r *Recorder) Actions() <-chan chat.ButtonPress {
	return r.actions
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.incoming)
	close(r.actions)
	return nil
}

// PushIncoming delivers a user message to the consumer side.
func (r *Recorder) PushIncoming(msg chat.Inbound) {
	r.incoming <- msg
}

// PushAction delivers a button press to the consumer side.
func (r *Recorder) PushAction(press chat.ButtonPress) {
	r.actions <- press
}

// record must be called with the lock held.
func (r *Recorder) record(channelID, content string) *Message {
	r.nextID++
	msg := &Message{
		ChannelID: channelID,
		ID:        fmt.Sprintf("m%d", r.nextID),
		Content:   content,
	}
	r.byID[msg.ID] = msg
	r.order = append(r.order, msg.ID)
	return msg
}

// Messages returns copies of every captured message in send order.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.byID[id])
	}
	return out
}

// Message returns a copy of one message by id.
func (r *Recorder) Message(id string) (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Contents returns the current content of every message on one channel.
func (r *Recorder) Contents(channelID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.order {
		if r.byID[id].ChannelID == channelID {
			out = append(out, r.byID[id].Content)
		}
	}
	return out
}

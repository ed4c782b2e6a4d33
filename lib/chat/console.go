package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
)

// ConsoleChannelID is the single channel a console transport serves.
const ConsoleChannelID = "console"

// Console is a line-based Transport over a reader/writer pair, normally
// stdin/stdout. It exists so the daemon runs end to end without a chat bot
// attached, and it doubles as the transport used in tests. Edits re-print
// the message with its id; a bare number typed after a rendered event is
// interpreted as pressing that action button.
type Console struct {
	logger  *slog.Logger
	out     io.Writer
	fileDir string

	incoming chan Inbound
	actions  chan ButtonPress
	stopCh   chan struct{}
	closed   atomic.Bool
	chOnce   sync.Once

	mu          sync.Mutex
	nextID      int64
	lastActions []UiAction
	lastEventID string
}

// NewConsole starts a console transport reading lines from in. fileDir
// receives uploaded files; empty means the OS temp dir.
func NewConsole(in io.Reader, out io.Writer, fileDir string, logger *slog.Logger) *Console {
	if fileDir == "" {
		fileDir = os.TempDir()
	}
	c := &Console{
		logger:   logger.With("component", "chat"),
		out:      out,
		fileDir:  fileDir,
		incoming: make(chan Inbound, 16),
		actions:  make(chan ButtonPress, 16),
		stopCh:   make(chan struct{}),
	}
	go c.readLoop(in)
	return c
}

// readLoop is the only sender on incoming/actions, so it alone closes them.
func (c *Console) readLoop(in io.Reader) {
	defer c.closeChannels()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if press, ok := c.asButtonPress(line); ok {
			select {
			case c.actions <- press:
			case <-c.stopCh:
				return
			}
			continue
		}

		select {
		case c.incoming <- Inbound{ChannelID: ConsoleChannelID, UserID: "local", Username: "local", Text: line}:
		case <-c.stopCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("console read ended", "err", err)
	}
}

func (c *Console) closeChannels() {
	c.chOnce.Do(func() {
		close(c.incoming)
		close(c.actions)
	})
}

// asButtonPress maps a bare index reply onto the most recent event's actions.
func (c *Console) asButtonPress(line string) (ButtonPress, bool) {
	n, err := strconv.Atoi(line)
	if err != nil {
		return ButtonPress{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 || n > len(c.lastActions) {
		return ButtonPress{}, false
	}
	action := c.lastActions[n-1]
	return ButtonPress{
		ChannelID: ConsoleChannelID,
		MessageID: c.lastEventID,
		ActionID:  action.ID,
		UserID:    "local",
	}, true
}

func (c *Console) Send(_ context.Context, channelID, content string) (MessageRef, error) {
	if c.closed.Load() {
		return MessageRef{}, ErrClosed
	}
	id := c.allocID()
	fmt.Fprintf(c.out, "[%s #%s] %s\n", channelID, id, content)
	return MessageRef{ChannelID: channelID, MessageID: id}, nil
}

func (c *Console) Edit(_ context.Context, ref MessageRef, content string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	fmt.Fprintf(c.out, "[%s #%s edit] %s\n", ref.ChannelID, ref.MessageID, content)
	return nil
}

func (c *Console) SendEvent(_ context.Context, channelID string, ev UiEvent) (MessageRef, error) {
	if c.closed.Load() {
		return MessageRef{}, ErrClosed
	}
	id := c.allocID()
	fmt.Fprintf(c.out, "[%s #%s %s] %s\n", channelID, id, ev.Kind, ev.Title)
	if ev.Body != "" {
		fmt.Fprintf(c.out, "  %s\n", ev.Body)
	}
	for i, action := range ev.Actions {
		fmt.Fprintf(c.out, "  (%d) %s\n", i+1, action.Label)
	}

	c.mu.Lock()
	c.lastActions = append([]UiAction(nil), ev.Actions...)
	c.lastEventID = id
	c.mu.Unlock()
	return MessageRef{ChannelID: channelID, MessageID: id}, nil
}

func (c *Console) SendFile(_ context.Context, channelID, name string, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	path := filepath.Join(c.fileDir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	fmt.Fprintf(c.out, "[%s file] %s (%d bytes)\n", channelID, path, len(data))
	return nil
}

func (c *Console) Incoming() <-chan Inbound {
	return c.incoming
}

func (c *Console) Actions() <-chan ButtonPress {
	return c.actions
}

// Close stops accepting sends. The message channels close once the read
// loop unwinds; a reader blocked on an interactive stdin keeps them open
// until EOF, so consumers also watch their own context.
func (c *Console) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	return nil
}

func (c *Console) allocID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return strconv.FormatInt(c.nextID, 10)
}

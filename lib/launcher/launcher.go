// Package launcher starts the Antigravity assistant under a pty and
// watches its output for the DevTools banner that carries the debugger
// websocket URL.
//
// The assistant is an Electron build and withholds the banner from plain
// pipes, so a pty is not optional. Reads are driven by poll(2) with a
// short timeout so Stop is noticed promptly even while the assistant is
// quiet.
package launcher

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

var bannerRe = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

// pollTimeoutMs bounds each readability poll so the read loop can check
// for Stop without busy-waiting.
const pollTimeoutMs = 100

// Options configure one launch.
type Options struct {
	// Path is the assistant binary. Bare names resolve on $PATH.
	Path string
	// DebugPort is forced onto the command line as
	// --remote-debugging-port even when ExtraFlags carries its own value.
	DebugPort int
	// ExtraFlags are appended verbatim, usually from Parse.
	ExtraFlags []string
	Logger     *slog.Logger
}

// Process is a running assistant.
type Process struct {
	path    string
	cmd     *exec.Cmd
	ptyFile *os.File
	logger  *slog.Logger

	bannerCh chan string
	exitCh   chan error
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Start launches the assistant and begins scanning its output. The caller
// must Stop the process, or receive from Exited, before discarding it.
func Start(opts Options) (*Process, error) {
	if opts.Path == "" {
		return nil, errors.New("launcher: path is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	args := Merge(opts.ExtraFlags, []string{fmt.Sprintf("--remote-debugging-port=%d", opts.DebugPort)})
	cmd := exec.Command(opts.Path, args...)
	cmd.Env = os.Environ()
	hasTerm := false
	for _, e := range cmd.Env {
		if strings.HasPrefix(e, "TERM=") {
			hasTerm = true
			break
		}
	}
	if !hasTerm {
		cmd.Env = append(cmd.Env, "TERM=xterm-256color")
	}

	ptyFile, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Path, err)
	}

	p := &Process{
		path:     opts.Path,
		cmd:      cmd,
		ptyFile:  ptyFile,
		logger:   logger,
		bannerCh: make(chan string, 1),
		exitCh:   make(chan error, 1),
		stopCh:   make(chan struct{}),
	}
	logger.Debug("assistant launched", "path", opts.Path, "pid", cmd.Process.Pid, "args", args)

	go p.readLoop()
	go func() {
		p.exitCh <- cmd.Wait()
	}()
	return p, nil
}

// Pid returns the assistant's process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Banner delivers the DevTools websocket URL once the assistant prints
// its banner. The channel never closes; a process that exits without a
// banner simply never sends.
func (p *Process) Banner() <-chan string {
	return p.bannerCh
}

// Exited delivers the assistant's exit status exactly once.
func (p *Process) Exited() <-chan error {
	return p.exitCh
}

// Stop kills the assistant and releases the pty. It is safe to call more
// than once and after the process has already exited.
func (p *Process) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		_ = p.cmd.Process.Kill()
		_ = p.ptyFile.Close()
	})
}

// readLoop drains the pty master until the child side closes. A pty
// reports the closing child as EIO rather than io.EOF, and signal
// delivery can interrupt the poll, so both are treated as routine.
func (p *Process) readLoop() {
	fd := int32(p.ptyFile.Fd())
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		pfds := []unix.PollFd{{Fd: fd, Events: unix.POLLIN}}
		if _, err := unix.Poll(pfds, pollTimeoutMs); err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return
		}
		if pfds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err := p.ptyFile.Read(buf)
		if n > 0 {
			pending = p.scanLines(append(pending, buf[:n]...))
		}
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR) {
				continue
			}
			return
		}
	}
}

// scanLines consumes complete lines from pending, forwarding the first
// banner match, and returns the unterminated tail.
func (p *Process) scanLines(pending []byte) []byte {
	for {
		i := bytes.IndexByte(pending, '\n')
		if i < 0 {
			return pending
		}
		line := string(bytes.TrimRight(pending[:i], "\r"))
		pending = pending[i+1:]
		if m := bannerRe.FindStringSubmatch(line); len(m) == 2 {
			select {
			case p.bannerCh <- m[1]:
				p.logger.Debug("devtools banner seen", "url", m[1])
			default:
			}
		}
	}
}

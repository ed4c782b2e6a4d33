package app

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/term"

	"github.com/agbridge/agbridge/lib/cdp"
)

// SetupOptions configure the interactive wizard.
type SetupOptions struct {
	In      io.Reader // prompt answers; defaults to os.Stdin
	Out     io.Writer // prompt text; defaults to os.Stdout
	EnvPath string    // where the env file lands; defaults to agbridge.env

	// ReadSecret reads one value without echoing it. Nil picks a terminal
	// no-echo read when In is a terminal, a plain line read otherwise.
	ReadSecret func(label string) (string, error)
}

// envEntry is one KEY=value line in the generated environment file.
type envEntry struct {
	Key, Value string
}

// RunSetup asks the handful of questions a fresh install needs and writes
// the answers as an env file the daemon is started under. Empty answers
// keep the defaults shown in brackets.
func RunSetup(opts SetupOptions) error {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.EnvPath == "" {
		opts.EnvPath = "agbridge.env"
	}
	in := bufio.NewReader(opts.In)
	readSecret := opts.ReadSecret
	if readSecret == nil {
		readSecret = func(label string) (string, error) {
			fmt.Fprintf(opts.Out, "%s: ", label)
			if f, ok := opts.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
				b, err := term.ReadPassword(int(f.Fd()))
				fmt.Fprintln(opts.Out)
				if err != nil {
					return "", err
				}
				return strings.TrimSpace(string(b)), nil
			}
			return readLine(in)
		}
	}

	fmt.Fprintf(opts.Out, "agbridge setup. Answers land in %s; rerun any time.\n\n", opts.EnvPath)

	token, err := readSecret("Chat transport token (empty for the console transport)")
	if err != nil {
		return err
	}
	users, err := prompt(in, opts.Out, "Allowed chat users, comma separated (empty allows everyone)", "")
	if err != nil {
		return err
	}
	portAns, err := prompt(in, opts.Out, "Assistant debug port", "9222")
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portAns)
	if err != nil {
		return fmt.Errorf("setup: debug port %q is not a number", portAns)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("setup: debug port %d is out of range", port)
	}
	assistant, err := prompt(in, opts.Out, "Assistant executable", "antigravity")
	if err != nil {
		return err
	}

	var entries []envEntry
	if token != "" {
		entries = append(entries, envEntry{"AGBRIDGE_CHAT_TOKEN", token})
	}
	if list := splitUsers(users); len(list) > 0 {
		entries = append(entries, envEntry{"AGBRIDGE_ALLOWED_USERS", strings.Join(list, ",")})
	}
	entries = append(entries, envEntry{"AGBRIDGE_DEBUG_PORT", strconv.Itoa(port)})
	if !lo.Contains(cdp.DefaultPorts, port) {
		// A custom port has to join the discovery scan or the daemon will
		// never find the workbench it opened.
		entries = append(entries, envEntry{"AGBRIDGE_CDP_PORTS", strconv.Itoa(port)})
	}
	entries = append(entries, envEntry{"AGBRIDGE_ASSISTANT_PATH", assistant})

	if err := writeEnvFile(opts.EnvPath, entries); err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "\nWrote %s. Start the daemon with:\n  set -a; . %s; set +a\n  agbridge start\n",
		opts.EnvPath, opts.EnvPath)
	return nil
}

func prompt(in *bufio.Reader, out io.Writer, label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	ans, err := readLine(in)
	if err != nil {
		return "", err
	}
	if ans == "" {
		return def, nil
	}
	return ans, nil
}

// readLine treats EOF as an empty answer so piped input can stop early and
// leave the remaining questions on their defaults.
func readLine(in *bufio.Reader) (string, error) {
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func splitUsers(ans string) []string {
	parts := lo.Map(strings.Split(ans, ","), func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Filter(parts, func(s string, _ int) bool { return s != "" })
}

// writeEnvFile holds a token, so the file is not group or world readable.
func writeEnvFile(path string, entries []envEntry) error {
	var b strings.Builder
	b.WriteString("# agbridge environment, written by agbridge setup.\n")
	b.WriteString("# Load it before starting the daemon:\n")
	fmt.Fprintf(&b, "#   set -a; . %s; set +a; agbridge start\n", path)
	for _, e := range entries {
		fmt.Fprintf(&b, "%s=%s\n", e.Key, e.Value)
	}
	return os.WriteFile(path, []byte(b.String()), 0o600)
}

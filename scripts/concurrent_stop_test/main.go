// Tool to reproduce concurrent Stop behavior against a live workbench: submit
// a prompt, fire several stop calls at once, then verify the channel settles
// back to idle and accepts new work.
// Usage: go run main.go -workspace /path/to/project -concurrency 4
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v5"
	"github.com/nrednav/cuid2"

	"github.com/agbridge/agbridge/lib/bridge"
	"github.com/agbridge/agbridge/lib/cdp"
	"github.com/agbridge/agbridge/lib/chat"
	"github.com/agbridge/agbridge/lib/pool"
)

func main() {
	host := flag.String("host", "127.0.0.1", "DevTools host")
	portsArg := flag.String("ports", "", "Comma-separated DevTools ports (empty scans the defaults)")
	workspace := flag.String("workspace", "", "Workspace path open in the workbench")
	prompt := flag.String("prompt", "List every file in this workspace with a one-line summary.", "Prompt that starts the reply to stop")
	concurrency := flag.Int("concurrency", 4, "Number of concurrent stop calls")
	iterations := flag.Int("iterations", 3, "Number of test iterations")
	delay := flag.Duration("delay", 2*time.Second, "How long the reply runs before stopping")
	settle := flag.Duration("settle", 45*time.Second, "How long the channel may take to accept a new prompt")
	flag.Parse()

	if *workspace == "" {
		fmt.Fprintln(os.Stderr, "usage: -workspace /path/to/project is required")
		os.Exit(2)
	}
	ports, err := parsePorts(*portsArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -ports: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Testing concurrent stop against a live workbench\n")
	fmt.Printf("  Host: %s\n", *host)
	fmt.Printf("  Ports: %v\n", ports)
	fmt.Printf("  Workspace: %s\n", *workspace)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Iterations: %d\n", *iterations)

	passed := 0
	failed := 0

	for i := 0; i < *iterations; i++ {
		runID := fmt.Sprintf("stop-race-%s", cuid2.Generate())

		fmt.Printf("=== Iteration %d/%d (id=%s) ===\n", i+1, *iterations, runID)

		err := runTest(context.Background(), runOptions{
			host:        *host,
			ports:       ports,
			workspace:   *workspace,
			prompt:      *prompt,
			runID:       runID,
			concurrency: *concurrency,
			delay:       *delay,
			settle:      *settle,
		})
		if err != nil {
			fmt.Printf("FAILED: %v\n\n", err)
			failed++
		} else {
			fmt.Printf("PASSED\n\n")
			passed++
		}
	}

	fmt.Printf("=== RESULTS: %d passed, %d failed ===\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

type runOptions struct {
	host        string
	ports       []int
	workspace   string
	prompt      string
	runID       string
	concurrency int
	delay       time.Duration
	settle      time.Duration
}

func runTest(ctx context.Context, opts runOptions) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	// The console transport streams the reply to stdout, so the operator sees
	// what the stop interrupted.
	transport := chat.NewConsole(strings.NewReader(""), os.Stdout, "", logger)
	defer transport.Close()

	p := pool.New(pool.Config{
		CDP:          cdp.Config{Host: opts.host, Ports: opts.ports, Logger: logger},
		Transport:    transport,
		ReadyTimeout: 30 * time.Second,
		Logger:       logger,
	})
	defer p.Close()

	fmt.Printf("  Connecting to the workbench...\n")
	br, err := p.GetOrConnect(ctx, opts.workspace, bridge.Config{
		ChannelID: opts.runID,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("connect workbench: %w", err)
	}

	fmt.Printf("  Submitting prompt...\n")
	if err := br.SubmitPrompt(ctx, opts.prompt, nil); err != nil {
		return fmt.Errorf("submit prompt: %w", err)
	}

	fmt.Printf("  Letting the reply run for %s...\n", opts.delay)
	time.Sleep(opts.delay)

	fmt.Printf("  Calling stop %d times concurrently...\n", opts.concurrency)
	stopResults := make(chan error, opts.concurrency)
	hits := make(chan bool, opts.concurrency)
	var wg sync.WaitGroup

	for i := 0; i < opts.concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()
			ok, err := br.Stop(ctx)
			if err != nil {
				stopResults <- fmt.Errorf("goroutine %d: %w", goroutineID, err)
				return
			}
			hits <- ok
			stopResults <- nil
		}(i)
	}

	wg.Wait()
	close(stopResults)
	close(hits)

	var stopErrors []error
	for err := range stopResults {
		if err != nil {
			stopErrors = append(stopErrors, err)
		}
	}
	clicked := 0
	for ok := range hits {
		if ok {
			clicked++
		}
	}
	fmt.Printf("  %d of %d stop calls reported a hit\n", clicked, opts.concurrency)
	if len(stopErrors) > 0 {
		return fmt.Errorf("stop calls failed: %v", stopErrors)
	}

	// The regression this tool exists for is a channel stuck busy after
	// racing stops. Recovery means a fresh prompt goes through.
	fmt.Printf("  Waiting for the channel to accept a new prompt...\n")
	attempts := uint(opts.settle / time.Second)
	if attempts == 0 {
		attempts = 1
	}
	err = retry.New(
		retry.Attempts(attempts),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		err := br.SubmitPrompt(ctx, "Reply with the single word OK.", nil)
		if err != nil && !errors.Is(err, bridge.ErrBusy) {
			return retry.Unrecoverable(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("channel did not recover: %w", err)
	}

	// Best effort: do not leave the probe reply generating.
	fmt.Printf("  Cleaning up...\n")
	time.Sleep(time.Second)
	_, _ = br.Stop(ctx)

	return nil
}

func parsePorts(arg string) ([]int, error) {
	if strings.TrimSpace(arg) == "" {
		return cdp.DefaultPorts, nil
	}
	var ports []int
	for _, part := range strings.Split(arg, ",") {
		port, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", part, err)
		}
		ports = append(ports, port)
	}
	return ports, nil
}

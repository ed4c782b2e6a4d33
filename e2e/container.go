package e2e

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// chromiumImage runs headless Chromium with its DevTools port on 9222,
// bound to all interfaces. It stands in for an Antigravity build in tests
// that need a real protocol endpoint rather than a scripted fake.
const chromiumImage = "chromedp/headless-shell:stable"

// ChromiumContainer manages one throwaway headless Chromium. Each test gets
// its own dynamically allocated host port, so tests can run in parallel.
type ChromiumContainer struct {
	CDPPort int // host port mapped to the container's 9222
	ctr     testcontainers.Container
}

// StartChromium starts the container and waits until the DevTools HTTP
// endpoint answers.
func StartChromium(ctx context.Context, tb testing.TB) (*ChromiumContainer, error) {
	tb.Helper()

	ctr, err := testcontainers.Run(ctx, chromiumImage,
		testcontainers.WithExposedPorts("9222/tcp"),
		// Chromium crashes on the Docker default 64MB of shared memory.
		testcontainers.WithHostConfigModifier(func(hc *container.HostConfig) {
			hc.ShmSize = 2 << 30
		}),
		testcontainers.WithWaitStrategy(wait.ForAll(
			wait.ForListeningPort(nat.Port("9222/tcp")),
			wait.ForHTTP("/json/version").
				WithPort("9222/tcp").
				WithStartupTimeout(2*time.Minute),
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("start chromium container: %w", err)
	}
	c := &ChromiumContainer{ctr: ctr}

	port, err := ctr.MappedPort(ctx, "9222/tcp")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		return nil, fmt.Errorf("map devtools port: %w", err)
	}
	c.CDPPort = port.Int()
	return c, nil
}

// Stop terminates and removes the container.
func (c *ChromiumContainer) Stop(ctx context.Context) error {
	if c.ctr == nil {
		return nil
	}
	return testcontainers.TerminateContainer(c.ctr)
}

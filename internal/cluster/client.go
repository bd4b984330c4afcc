package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/client"
)

// DefaultNetwork is the overlay network shared by all product services.
const DefaultNetwork = "insurance-network"

// Client drives product services on a swarm-mode docker engine.
// A single Client is created at startup and shared by every caller.
type Client struct {
	engine  engine
	inner   *client.Client
	network string
	logger  *slog.Logger
}

// New connects to the engine at host and ensures the overlay network exists.
func New(ctx context.Context, host, networkName string, logger *slog.Logger) (*Client, error) {
	eng, err := newDockerEngine(host)
	if err != nil {
		return nil, err
	}
	c, err := newClient(ctx, eng, networkName, logger)
	if err != nil {
		_ = eng.Close()
		return nil, err
	}
	c.inner = eng.cli
	return c, nil
}

func newClient(ctx context.Context, eng engine, networkName string, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(networkName) == "" {
		networkName = DefaultNetwork
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{engine: eng, network: networkName, logger: logger.With("component", "cluster")}
	if err := eng.Ping(ctx); err != nil {
		return nil, err
	}
	if err := c.ensureNetwork(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureNetwork creates the overlay network when absent. A conflicting
// concurrent create is accepted once the network is observable.
func (c *Client) ensureNetwork(ctx context.Context) error {
	exists, err := c.engine.NetworkExists(ctx, c.network)
	if err != nil {
		return apiError("inspect network", err)
	}
	if exists {
		return nil
	}
	c.logger.Info("creating overlay network", "network", c.network)
	if err := c.engine.CreateOverlayNetwork(ctx, c.network); err != nil {
		if !errors.Is(err, errConflict) {
			return apiError("create network", err)
		}
		exists, inspectErr := c.engine.NetworkExists(ctx, c.network)
		if inspectErr != nil || !exists {
			return apiError("create network", err)
		}
		c.logger.Info("overlay network created concurrently", "network", c.network)
	}
	return nil
}

// Network returns the overlay network name.
func (c *Client) Network() string {
	return c.network
}

// Health reports an error unless the engine is reachable and swarm mode is active.
func (c *Client) Health(ctx context.Context) error {
	active, err := c.engine.SwarmActive(ctx)
	if err != nil {
		return apiError("info", err)
	}
	if !active {
		return fmt.Errorf("swarm mode is not active")
	}
	return nil
}

// Inner exposes the underlying docker client for image operations.
func (c *Client) Inner() *client.Client {
	return c.inner
}

// Close releases resources held by the docker client.
func (c *Client) Close() error {
	if c == nil || c.engine == nil {
		return nil
	}
	return c.engine.Close()
}

package client

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/devrev/bynar/internal/config"
	apperrors "github.com/devrev/bynar/internal/errors"
	"github.com/devrev/bynar/internal/wire"
)

// ArbiterClient handles communication with the arbiter. Every call runs
// under its own deadline and is retried with exponential backoff while the
// failure is transient.
type ArbiterClient struct {
	address        string
	conn           *grpc.ClientConn
	rpc            wire.ArbiterClient
	requestTimeout time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	maxRetries     int
	logger         *zap.Logger
}

// NewArbiterClient creates a new arbiter client
func NewArbiterClient(cfg config.ArbiterClientConfig, logger *zap.Logger) (*ArbiterClient, error) {
	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to arbiter at %s: %w", cfg.Address, err)
	}

	c := newArbiterClient(wire.NewArbiterClient(conn), cfg, logger)
	c.conn = conn
	return c, nil
}

func newArbiterClient(rpc wire.ArbiterClient, cfg config.ArbiterClientConfig, logger *zap.Logger) *ArbiterClient {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &ArbiterClient{
		address:        cfg.Address,
		rpc:            rpc,
		requestTimeout: cfg.RequestTimeout,
		baseBackoff:    cfg.RetryBackoff(),
		maxBackoff:     cfg.MaxBackoff,
		maxRetries:     maxRetries,
		logger:         logger,
	}
}

// BackoffDelay returns the wait before retry number attempt (1-based):
// base doubled per attempt, capped at ceiling when ceiling is positive.
func BackoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

// invoke runs call with retries. Only transient failures are retried; every
// other error is returned immediately in the arbiter error taxonomy.
func invoke[T any](ctx context.Context, c *ArbiterClient, method string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *apperrors.ArbiterError

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		reqCtx := ctx
		cancel := context.CancelFunc(func() {})
		if c.requestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		}
		resp, err := call(reqCtx)
		cancel()
		if err == nil {
			return resp, nil
		}

		lastErr = apperrors.FromGRPC(err)
		if lastErr.Code != apperrors.ErrCodeTransientTransport || ctx.Err() != nil {
			return zero, lastErr
		}

		c.logger.Warn("Arbiter call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.maxRetries),
			zap.Error(err))

		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return zero, apperrors.TransientTransport("context cancelled during retry", ctx.Err())
			case <-time.After(BackoffDelay(c.baseBackoff, c.maxBackoff, attempt)):
			}
		}
	}

	return zero, apperrors.TransientTransport(
		fmt.Sprintf("%s failed after %d attempts", method, c.maxRetries), lastErr)
}

// Propose submits a remediation request and returns the arbiter's decision
func (c *ArbiterClient) Propose(ctx context.Context, req *wire.ProposeRequest) (*wire.DecisionReply, error) {
	return invoke(ctx, c, "Propose", func(ctx context.Context) (*wire.DecisionReply, error) {
		return c.rpc.Propose(ctx, req)
	})
}

// Cancel withdraws an undecided request
func (c *ArbiterClient) Cancel(ctx context.Context, req *wire.CancelRequest) (*wire.Ack, error) {
	return invoke(ctx, c, "Cancel", func(ctx context.Context) (*wire.Ack, error) {
		return c.rpc.Cancel(ctx, req)
	})
}

// ReportOutcome reports progress or completion of an approved operation
func (c *ArbiterClient) ReportOutcome(ctx context.Context, req *wire.OutcomeReport) (*wire.Ack, error) {
	return invoke(ctx, c, "ReportOutcome", func(ctx context.Context) (*wire.Ack, error) {
		return c.rpc.ReportOutcome(ctx, req)
	})
}

// Heartbeat reports local disks and returns reconciliation directives
func (c *ArbiterClient) Heartbeat(ctx context.Context, req *wire.Heartbeat) (*wire.HeartbeatReply, error) {
	return invoke(ctx, c, "Heartbeat", func(ctx context.Context) (*wire.HeartbeatReply, error) {
		return c.rpc.Heartbeat(ctx, req)
	})
}

// Status lists disks, operations and tickets
func (c *ArbiterClient) Status(ctx context.Context, req *wire.StatusQuery) (*wire.StatusReply, error) {
	return invoke(ctx, c, "Status", func(ctx context.Context) (*wire.StatusReply, error) {
		return c.rpc.Status(ctx, req)
	})
}

// Override applies an operator decision
func (c *ArbiterClient) Override(ctx context.Context, req *wire.OverrideRequest) (*wire.DecisionReply, error) {
	return invoke(ctx, c, "Override", func(ctx context.Context) (*wire.DecisionReply, error) {
		return c.rpc.Override(ctx, req)
	})
}

// ResolveTicket closes a disk's ticket and resets the disk
func (c *ArbiterClient) ResolveTicket(ctx context.Context, req *wire.ResolveRequest) (*wire.Ack, error) {
	return invoke(ctx, c, "ResolveTicket", func(ctx context.Context) (*wire.Ack, error) {
		return c.rpc.ResolveTicket(ctx, req)
	})
}

// Close closes the arbiter client connection
func (c *ArbiterClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

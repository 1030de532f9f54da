// Package grpcarchive is a memory.Archive client for a Mnemosyne endpoint
// speaking gRPC. Messages travel as JSON through a registered codec, and
// availability is probed with the standard grpc.health.v1 service.
//
// The package also provides the matching service descriptor so an aletheia
// process can serve as the archive for another.
package grpcarchive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/becomeliminal/aletheia/memory"
)

// Client calls the archive service over a gRPC connection.
type Client struct {
	conn          *grpc.ClientConn
	health        healthpb.HealthClient
	healthService string
	owned         bool
}

// Dial connects to target without transport security. Extra dial options
// are appended. healthService is the name probed by Ping ("" for the
// server as a whole).
func Dial(target, healthService string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial archive %s: %w", target, err)
	}
	c := New(conn, healthService)
	c.owned = true
	return c, nil
}

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn *grpc.ClientConn, healthService string) *Client {
	return &Client{
		conn:          conn,
		health:        healthpb.NewHealthClient(conn),
		healthService: healthService,
	}
}

// Close closes the connection if Dial created it.
func (c *Client) Close() error {
	if !c.owned {
		return nil
	}
	return c.conn.Close()
}

// Query asks the archive for context on a topic.
func (c *Client) Query(ctx context.Context, req memory.QueryRequest, timeout time.Duration) (*memory.QueryResponse, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	resp := new(memory.QueryResponse)
	if err := c.conn.Invoke(ctx, queryMethod, &req, resp, grpc.CallContentSubtype(codecName)); err != nil {
		return nil, fmt.Errorf("archive query %q: %w", req.Topic, mapError(err))
	}
	return resp, nil
}

// Push delivers one update.
func (c *Client) Push(ctx context.Context, update memory.ContextUpdate, timeout time.Duration) (memory.Ack, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	ack := new(memory.Ack)
	if err := c.conn.Invoke(ctx, pushMethod, &update, ack, grpc.CallContentSubtype(codecName)); err != nil {
		return memory.Ack{}, fmt.Errorf("archive push %s: %w", update.ID, mapError(err))
	}
	if ack.UpdateID == "" {
		ack.UpdateID = update.ID
	}
	return *ack, nil
}

// Ping probes the archive with grpc.health.v1. A server without the health
// service answered the call, so it counts as reachable.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: c.healthService})
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			log.Debug().Msg("archive_health_unimplemented")
			return nil
		}
		return fmt.Errorf("archive health: %w", mapError(err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: archive health %s", memory.ErrUnavailable, resp.GetStatus())
	}
	return nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// mapError folds gRPC status codes into the archive error taxonomy.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.AlreadyExists,
		codes.PermissionDenied, codes.Unauthenticated, codes.OutOfRange, codes.NotFound:
		return fmt.Errorf("%w: %s", memory.ErrRejected, st.Message())
	default:
		return fmt.Errorf("%w: %s: %w", memory.ErrUnavailable, st.Code(), err)
	}
}

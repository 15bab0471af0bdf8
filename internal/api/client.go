package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, in *structpb.Struct) (*structpb.Struct, error) {
	if in == nil {
		in = &structpb.Struct{}
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Query asks a question.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*structpb.Struct, error) {
	in, err := req.Struct()
	if err != nil {
		return nil, err
	}
	return c.call(ctx, MethodQuery, in)
}

// ExpansionStats returns expansion coverage.
func (c *Client) ExpansionStats(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, MethodExpansionStats, nil)
}

// RunExpansion runs one expansion pass; batchSize 0 uses the daemon default.
func (c *Client) RunExpansion(ctx context.Context, batchSize int, reindex bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"batch_size": batchSize, "reindex": reindex})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, MethodRunExpansion, in)
}

// ExpandMessage expands one message by id.
func (c *Client) ExpandMessage(ctx context.Context, id string, reindex bool) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"message_id": id, "reindex": reindex})
	if err != nil {
		return nil, err
	}
	return c.call(ctx, MethodRunExpansion, in)
}

// Reindex rebuilds the vector index.
func (c *Client) Reindex(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, MethodReindex, nil)
}

// Status returns daemon state and counts.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	return c.call(ctx, MethodStatus, nil)
}

// Healthy reports whether the query service is SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

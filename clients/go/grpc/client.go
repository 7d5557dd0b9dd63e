// Package grpc provides a gRPC client for the decidez decision service.
//
// decidez.v1.DecisionService carries google.protobuf.Struct messages with
// the same fields as the JSON API, so no generated stubs are needed.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	decidez "github.com/matt-riley/decidez/clients/go"
)

// Full method names of decidez.v1.DecisionService.
const (
	ServiceName        = "decidez.v1.DecisionService"
	DecideMethod       = "/" + ServiceName + "/Decide"
	DecideBatchMethod  = "/" + ServiceName + "/DecideBatch"
	RecordSampleMethod = "/" + ServiceName + "/RecordSample"
	WatchEventsMethod  = "/" + ServiceName + "/WatchEvents"
)

var watchEventsDesc = grpc.StreamDesc{StreamName: "WatchEvents", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the decidez gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements decidez.Decider and decidez.Streamer over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var (
	_ decidez.Decider  = (*Client)(nil)
	_ decidez.Streamer = (*Client)(nil)
)

// NewGRPCClient creates a client for the decidez gRPC server. Call Close()
// when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("decidez: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("decidez: marshal request: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decidez: encode struct: %w", err)
	}
	return out, nil
}

func fromStruct(in *structpb.Struct, dst any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decidez: decode struct: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decidez: decode response: %w", err)
	}
	return nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(c.authCtx(ctx), method, req, resp); err != nil {
		return fmt.Errorf("decidez: %s: %w", method, err)
	}
	return fromStruct(resp, out)
}

// Decide evaluates one decision. On errors the result carries req.Default
// with reason "error".
func (c *Client) Decide(ctx context.Context, req decidez.DecideRequest) (decidez.DecideResult, error) {
	var out decidez.DecideResult
	if err := c.invoke(ctx, DecideMethod, req, &out); err != nil {
		return decidez.DecideResult{Key: req.Key, Value: req.Default, Reason: "error"}, err
	}
	return out, nil
}

func (c *Client) DecideBatch(ctx context.Context, req decidez.BatchRequest) ([]decidez.DecideResult, error) {
	var out struct {
		Results []decidez.DecideResult `json:"results"`
	}
	if err := c.invoke(ctx, DecideBatchMethod, req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) RecordSample(ctx context.Context, s decidez.Sample) (decidez.Sample, error) {
	s.ID = 0
	var out decidez.Sample
	err := c.invoke(ctx, RecordSampleMethod, s, &out)
	return out, err
}

type wireEvent struct {
	EventID  int64             `json:"event_id"`
	Key      string            `json:"key"`
	Type     string            `json:"type"`
	Decision *decidez.Decision `json:"decision,omitempty"`
}

// Stream watches every decision.
func (c *Client) Stream(ctx context.Context, lastEventID int64) (<-chan decidez.DecisionEvent, error) {
	return c.Watch(ctx, "", lastEventID)
}

// Watch opens WatchEvents filtered to key (all decisions when empty). The
// channel is closed when ctx is cancelled or the stream ends; a stream
// failure is delivered as a final "error" event.
func (c *Client) Watch(ctx context.Context, key string, lastEventID int64) (<-chan decidez.DecisionEvent, error) {
	req, err := toStruct(map[string]any{"key": key, "last_event_id": lastEventID})
	if err != nil {
		return nil, err
	}

	stream, err := c.conn.NewStream(c.authCtx(ctx), &watchEventsDesc, WatchEventsMethod)
	if err != nil {
		return nil, fmt.Errorf("decidez: watch events: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("decidez: watch events: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("decidez: watch events: %w", err)
	}

	ch := make(chan decidez.DecisionEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg := &structpb.Struct{}
			err := stream.RecvMsg(msg)
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					select {
					case ch <- decidez.DecisionEvent{Type: "error"}:
					case <-ctx.Done():
					}
				}
				return
			}

			var w wireEvent
			if fromStruct(msg, &w) != nil {
				continue
			}
			select {
			case ch <- decidez.DecisionEvent{Type: w.Type, Key: w.Key, Decision: w.Decision, EventID: w.EventID}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// DecisionServiceClient calls decidez.v1.DecisionService.
type DecisionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewDecisionServiceClient wraps an established connection.
func NewDecisionServiceClient(cc grpc.ClientConnInterface) *DecisionServiceClient {
	return &DecisionServiceClient{cc: cc}
}

func (c *DecisionServiceClient) Decide(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, DecideFullMethod, in, opts)
}

func (c *DecisionServiceClient) DecideBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, DecideBatchFullMethod, in, opts)
}

func (c *DecisionServiceClient) RecordSample(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, RecordSampleFullMethod, in, opts)
}

func (c *DecisionServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchEvents opens the event stream. The request is sent before returning.
func (c *DecisionServiceClient) WatchEvents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	stream, err := c.cc.NewStream(ctx, &DecisionServiceDesc.Streams[0], WatchEventsFullMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

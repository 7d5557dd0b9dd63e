package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/decidez/internal/repository"
	"github.com/matt-riley/decidez/internal/service"
)

const defaultGRPCStreamPollInterval = time.Second

// Full method names of decidez.v1.DecisionService.
const (
	DecisionServiceName           = "decidez.v1.DecisionService"
	DecideFullMethod              = "/" + DecisionServiceName + "/Decide"
	DecideBatchFullMethod         = "/" + DecisionServiceName + "/DecideBatch"
	RecordSampleFullMethod        = "/" + DecisionServiceName + "/RecordSample"
	WatchEventsFullMethod         = "/" + DecisionServiceName + "/WatchEvents"
	decisionServiceProtoReference = "decidez/v1/decision.proto"
)

// DecisionServiceServer is the gRPC surface. Messages are
// google.protobuf.Struct values carrying the same fields as the JSON API.
type DecisionServiceServer interface {
	Decide(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordSample(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// DecisionServiceDesc describes decidez.v1.DecisionService for
// [grpc.Server.RegisterService].
var DecisionServiceDesc = grpc.ServiceDesc{
	ServiceName: DecisionServiceName,
	HandlerType: (*DecisionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decide", Handler: unaryHandler(DecideFullMethod, DecisionServiceServer.Decide)},
		{MethodName: "DecideBatch", Handler: unaryHandler(DecideBatchFullMethod, DecisionServiceServer.DecideBatch)},
		{MethodName: "RecordSample", Handler: unaryHandler(RecordSampleFullMethod, DecisionServiceServer.RecordSample)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchEvents", Handler: watchEventsHandler, ServerStreams: true},
	},
	Metadata: decisionServiceProtoReference,
}

// RegisterDecisionServiceServer registers srv on s.
func RegisterDecisionServiceServer(s grpc.ServiceRegistrar, srv DecisionServiceServer) {
	s.RegisterService(&DecisionServiceDesc, srv)
}

type unaryMethod func(DecisionServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, method unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(DecisionServiceServer)
		if interceptor == nil {
			return method(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DecisionServiceServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// GRPCServer implements [DecisionServiceServer] on top of a [Service].
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
}

// NewGRPCServer creates a [GRPCServer]. A non-positive poll interval falls
// back to one second.
func NewGRPCServer(svc Service, streamPollInterval time.Duration) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	if streamPollInterval <= 0 {
		streamPollInterval = defaultGRPCStreamPollInterval
	}

	return &GRPCServer{
		service:            svc,
		streamPollInterval: streamPollInterval,
	}
}

var _ DecisionServiceServer = (*GRPCServer)(nil)

func (s *GRPCServer) Decide(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request decideJSONRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if strings.TrimSpace(request.Key) == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	result, err := s.service.Decide(ctx, service.DecideRequest{
		Key:     request.Key,
		Subject: request.Subject,
		Context: request.Context,
		Default: request.Default,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(result)
}

func (s *GRPCServer) DecideBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request decideJSONRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if len(request.Keys) == 0 {
		return nil, status.Error(codes.InvalidArgument, "keys is required")
	}
	for idx, key := range request.Keys {
		if strings.TrimSpace(key) == "" {
			return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("keys[%d] is required", idx))
		}
	}

	results, err := s.service.DecideBatch(ctx, request.Keys, request.Subject, request.Context, request.Defaults)
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(decideJSONBatchResponse{Results: results})
}

func (s *GRPCServer) RecordSample(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var request sampleJSONRequest
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if request.Value == nil {
		return nil, status.Error(codes.InvalidArgument, "value is required")
	}

	recorded, err := s.service.RecordSample(ctx, repository.Sample{
		Series:     request.Series,
		Value:      *request.Value,
		RecordedAt: request.RecordedAt,
	})
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(recorded)
}

type watchEventsRequest struct {
	Key         string `json:"key,omitempty"`
	LastEventID int64  `json:"last_event_id,omitempty"`
}

type watchEvent struct {
	EventID  int64           `json:"event_id"`
	Key      string          `json:"key"`
	Type     string          `json:"type"`
	Decision json.RawMessage `json:"decision,omitempty"`
}

// WatchEvents replays events after last_event_id and then polls for new ones
// until the client goes away. A non-empty key filters to one decision.
func (s *GRPCServer) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	var request watchEventsRequest
	if err := decodeStruct(req, &request); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if request.LastEventID < 0 {
		return status.Error(codes.InvalidArgument, "last_event_id must be non-negative")
	}

	filterKey := strings.TrimSpace(request.Key)
	lastEventID := request.LastEventID

	sendEvents := func(ctx context.Context) error {
		events, err := s.service.ListEventsSince(ctx, lastEventID)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			if filterKey != "" && event.DecisionKey != filterKey {
				continue
			}
			msg, ok := repositoryEventToStruct(event)
			if !ok {
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}

		return nil
	}

	if err := sendEvents(stream.Context()); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(stream.Context()); err != nil {
				return err
			}
		}
	}
}

func repositoryEventToStruct(event repository.DecisionEvent) (*structpb.Struct, bool) {
	eventName := toSSEEventName(event.EventType)
	if eventName == "" {
		return nil, false
	}

	msg := watchEvent{EventID: event.EventID, Key: event.DecisionKey, Type: eventName}
	if len(event.Payload) > 0 && json.Valid(event.Payload) {
		msg.Decision = event.Payload
	}

	out, err := encodeStruct(msg)
	if err != nil {
		return nil, false
	}
	return out, true
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidDefinition), errors.Is(err, service.ErrInvalidSample):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrKeyRequired):
		return status.Error(codes.InvalidArgument, "key is required")
	case errors.Is(err, service.ErrDecisionNotFound):
		return status.Error(codes.NotFound, "decision not found")
	case errors.Is(err, service.ErrDecisionExists):
		return status.Error(codes.AlreadyExists, "decision already exists")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

// decodeStruct maps a Struct onto the JSON request types shared with the
// HTTP API. Unknown fields are rejected.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	payload, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}

	out := &structpb.Struct{}
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

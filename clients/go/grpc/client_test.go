package grpc_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	decidez "github.com/matt-riley/decidez/clients/go"
	decidezgrpc "github.com/matt-riley/decidez/clients/go/grpc"
)

const bufSize = 1 << 20 // 1 MiB

// testServer is a minimal in-process DecisionService.
type testServer struct {
	mu         sync.Mutex
	capturedMD metadata.MD
	requests   map[string]map[string]any
	unaryErr   error
	events     []map[string]any
}

func (s *testServer) capture(ctx context.Context, method string, in *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		s.capturedMD = md
	}
	if s.requests == nil {
		s.requests = map[string]map[string]any{}
	}
	s.requests[method] = in.AsMap()
}

func (s *testServer) request(method string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method]
}

func (s *testServer) assertAuth(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	vals := s.capturedMD.Get("authorization")
	if len(vals) == 0 || vals[0] != "Bearer test-key" {
		t.Errorf("auth metadata: got %v, want [Bearer test-key]", vals)
	}
}

func (s *testServer) unary(method string, reply map[string]any) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			s.capture(ctx, method, in)
			if s.unaryErr != nil {
				return nil, s.unaryErr
			}
			return structpb.NewStruct(reply)
		},
	}
}

func (s *testServer) watch(_ any, stream grpc.ServerStream) error {
	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	s.capture(stream.Context(), "WatchEvents", in)
	for _, event := range s.events {
		msg, err := structpb.NewStruct(event)
		if err != nil {
			return err
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func newTestClient(t *testing.T, srv *testServer) *decidezgrpc.Client {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	gs.RegisterService(&grpc.ServiceDesc{
		ServiceName: decidezgrpc.ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			srv.unary("Decide", map[string]any{"key": "checkout", "value": true, "matched": true, "reason": "matched", "strategy": "boolean"}),
			srv.unary("DecideBatch", map[string]any{"results": []any{
				map[string]any{"key": "a", "value": 1.5, "matched": true, "reason": "matched"},
				map[string]any{"key": "b", "value": "x", "matched": false, "reason": "default"},
			}}),
			srv.unary("RecordSample", map[string]any{"id": 3.0, "series": "latency", "value": 12.5, "recorded_at": "2026-01-01T00:00:00Z"}),
		},
		Streams: []grpc.StreamDesc{
			{StreamName: "WatchEvents", Handler: srv.watch, ServerStreams: true},
		},
	}, srv)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := decidezgrpc.NewGRPCClient(decidezgrpc.Config{
		Address: "passthrough:///bufnet",
		APIKey:  "test-key",
		DialOpts: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDecide(t *testing.T) {
	srv := &testServer{}
	c := newTestClient(t, srv)

	result, err := c.Decide(context.Background(), decidez.DecideRequest{
		Key:     "checkout",
		Subject: "user-1",
		Context: decidez.Context{Segments: []string{"beta"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	srv.assertAuth(t)
	if result.Value != true || !result.Matched || result.Strategy != "boolean" {
		t.Errorf("unexpected result: %+v", result)
	}

	req := srv.request("Decide")
	if req["key"] != "checkout" || req["subject"] != "user-1" {
		t.Errorf("unexpected request: %v", req)
	}
	ctxField, _ := req["context"].(map[string]any)
	if segments, _ := ctxField["segments"].([]any); len(segments) != 1 || segments[0] != "beta" {
		t.Errorf("unexpected context: %v", req["context"])
	}
}

func TestDecideErrorReturnsDefault(t *testing.T) {
	srv := &testServer{unaryErr: status.Error(codes.NotFound, "decision not found")}
	c := newTestClient(t, srv)

	result, err := c.Decide(context.Background(), decidez.DecideRequest{Key: "missing", Default: "off"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("error = %v, want NotFound", err)
	}
	if result.Value != "off" || result.Reason != "error" {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestDecideBatch(t *testing.T) {
	srv := &testServer{}
	c := newTestClient(t, srv)

	results, err := c.DecideBatch(context.Background(), decidez.BatchRequest{Keys: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 || results[0].Value != 1.5 || results[1].Reason != "default" {
		t.Errorf("unexpected results: %+v", results)
	}
	if keys, _ := srv.request("DecideBatch")["keys"].([]any); len(keys) != 2 {
		t.Errorf("unexpected keys: %v", srv.request("DecideBatch"))
	}
}

func TestRecordSample(t *testing.T) {
	srv := &testServer{}
	c := newTestClient(t, srv)

	s, err := c.RecordSample(context.Background(), decidez.Sample{ID: 99, Series: "latency", Value: 12.5})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != 3 || s.Series != "latency" || s.RecordedAt.IsZero() {
		t.Errorf("unexpected sample: %+v", s)
	}

	req := srv.request("RecordSample")
	if _, ok := req["id"]; ok {
		t.Errorf("request should not carry id: %v", req)
	}
	if _, ok := req["recorded_at"]; ok {
		t.Errorf("zero recorded_at should be omitted: %v", req)
	}
}

func TestWatch(t *testing.T) {
	srv := &testServer{events: []map[string]any{
		{"event_id": 4.0, "key": "checkout", "type": "update", "decision": map[string]any{"key": "checkout", "enabled": true}},
		{"event_id": 5.0, "key": "checkout", "type": "delete"},
	}}
	c := newTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := c.Watch(ctx, "checkout", 3)
	if err != nil {
		t.Fatal(err)
	}

	var events []decidez.DecisionEvent
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("events = %+v, want 2", events)
	}
	if events[0].EventID != 4 || events[0].Decision == nil || !events[0].Decision.Enabled {
		t.Errorf("unexpected update event: %+v", events[0])
	}
	if events[1].Type != "delete" || events[1].Decision != nil {
		t.Errorf("unexpected delete event: %+v", events[1])
	}

	req := srv.request("WatchEvents")
	if req["key"] != "checkout" || req["last_event_id"] != 3.0 {
		t.Errorf("unexpected watch request: %v", req)
	}
	srv.assertAuth(t)
}

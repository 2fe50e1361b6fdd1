package grpc_test

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	condz "github.com/matt-riley/condz/clients/go"
	condzgrpc "github.com/matt-riley/condz/clients/go/grpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufSize = 1 << 20 // 1 MiB

// testServer is a minimal in-process ConditionService.
type testServer struct {
	mu         sync.Mutex
	enabled    map[string]bool
	requests   map[string]*structpb.Struct
	capturedMD metadata.MD
	blockWatch bool
}

func newTestServer() *testServer {
	return &testServer{enabled: map[string]bool{}, requests: map[string]*structpb.Struct{}}
}

func (s *testServer) capture(ctx context.Context, method string, req *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		s.capturedMD = md
	}
	s.requests[method] = req
}

func (s *testServer) request(method string) *structpb.Struct {
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

func mustStruct(fields map[string]any) *structpb.Struct {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		panic(err)
	}
	return msg
}

func (s *testServer) decision(key string) map[string]any {
	s.mu.Lock()
	enabled := s.enabled[key]
	s.mu.Unlock()
	fields := map[string]any{"key": key, "enabled": enabled, "issues": []any{}}
	if enabled {
		fields["config_json"] = `{"title":"Listable","layout":"wide"}`
	}
	return fields
}

func (s *testServer) evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.capture(ctx, "Evaluate", req)
	key := req.GetFields()["key"].GetStringValue()
	if key == "missing" {
		return nil, status.Error(codes.NotFound, "condition not found")
	}
	return mustStruct(s.decision(key)), nil
}

func (s *testServer) evaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.capture(ctx, "EvaluateBatch", req)
	results := []any{}
	for _, key := range req.GetFields()["keys"].GetListValue().GetValues() {
		results = append(results, s.decision(key.GetStringValue()))
	}
	return mustStruct(map[string]any{"results": results}), nil
}

func (s *testServer) evaluateGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.capture(ctx, "EvaluateGroup", req)
	return mustStruct(map[string]any{
		"result": true,
		"issues": []any{map[string]any{"kind": "unknown_getter", "path": "rules/0/type", "detail": "bogus"}},
	}), nil
}

func (s *testServer) resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.capture(ctx, "Resolve", req)
	value := req.GetFields()["config_json"].GetStringValue()
	if value == "" {
		value = `"D"`
	}
	return mustStruct(map[string]any{"value_json": value, "issues": []any{}}), nil
}

func (s *testServer) validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	s.capture(ctx, "Validate", req)
	return mustStruct(map[string]any{
		"valid":  false,
		"issues": []any{map[string]any{"kind": "missing_type", "path": "rules/0"}},
	}), nil
}

func (s *testServer) watch(req *structpb.Struct, stream grpc.ServerStream) error {
	s.capture(stream.Context(), "Watch", req)
	if s.blockWatch {
		<-stream.Context().Done()
		return stream.Context().Err()
	}
	// Emit two events, one of an unknown type, then return.
	events := []map[string]any{
		{"event_id": float64(1), "type": "update", "key": "hero", "payload_json": `{"key":"hero","enabled":true,"conditions":{"rules":[]}}`},
		{"event_id": float64(2), "type": "rename", "key": "hero"},
		{"event_id": float64(3), "type": "delete", "key": "promo", "payload_json": `{}`},
	}
	for _, ev := range events {
		if err := stream.SendMsg(mustStruct(ev)); err != nil {
			return err
		}
	}
	return nil
}

type unaryCall func(*testServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(call unaryCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		return call(srv.(*testServer), ctx, in)
	}
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: condzgrpc.ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unary((*testServer).evaluate)},
		{MethodName: "EvaluateBatch", Handler: unary((*testServer).evaluateBatch)},
		{MethodName: "EvaluateGroup", Handler: unary((*testServer).evaluateGroup)},
		{MethodName: "Resolve", Handler: unary((*testServer).resolve)},
		{MethodName: "Validate", Handler: unary((*testServer).validate)},
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Watch",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(*testServer).watch(in, stream)
		},
	}},
}

// -- test harness ------------------------------------------------------------

func startTestServer(t *testing.T, ts *testServer) *condzgrpc.Client {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer()
	gs.RegisterService(&testServiceDesc, ts)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(func() { gs.Stop(); lis.Close() })

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	c, err := condzgrpc.NewGRPCClient(condzgrpc.Config{
		Address:  "passthrough:///bufnet",
		APIKey:   "test-key",
		DialOpts: dialOpts,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// -- Evaluator tests ---------------------------------------------------------

func TestGRPCEvaluate(t *testing.T) {
	ts := newTestServer()
	ts.enabled["hero"] = true
	c := startTestServer(t, ts)

	d, err := c.Evaluate(context.Background(), "hero", "listable")
	if err != nil {
		t.Fatal(err)
	}
	want := condz.Decision{Key: "hero", Enabled: true, Config: json.RawMessage(`{"title":"Listable","layout":"wide"}`)}
	if diff := cmp.Diff(want, d); diff != "" {
		t.Errorf("Evaluate() mismatch (-want +got):\n%s", diff)
	}
	if got := ts.request("Evaluate").GetFields()["site_id"].GetStringValue(); got != "listable" {
		t.Errorf("site_id = %q, want listable", got)
	}
	ts.assertAuth(t)
}

func TestGRPCEvaluateNotFound(t *testing.T) {
	c := startTestServer(t, newTestServer())

	_, err := c.Evaluate(context.Background(), "missing", "listable")
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Evaluate(missing) error = %v, want NotFound", err)
	}
}

func TestGRPCEvaluateBatch(t *testing.T) {
	ts := newTestServer()
	ts.enabled["a"] = true
	c := startTestServer(t, ts)

	decisions, err := c.EvaluateBatch(context.Background(), []string{"a", "b"}, "listable")
	if err != nil {
		t.Fatal(err)
	}
	if len(decisions) != 2 {
		t.Fatalf("want 2, got %d", len(decisions))
	}
	if !decisions[0].Enabled || decisions[1].Enabled || decisions[1].Config != nil {
		t.Errorf("unexpected decisions: %+v", decisions)
	}
}

func TestGRPCEvaluateGroup(t *testing.T) {
	ts := newTestServer()
	c := startTestServer(t, ts)

	group := json.RawMessage(`{"relation":"OR","rules":[{"type":"bogus","value":1}]}`)
	result, issues, err := c.EvaluateGroup(context.Background(), "listable", group)
	if err != nil {
		t.Fatal(err)
	}
	if !result {
		t.Error("expected true")
	}
	if diff := cmp.Diff([]condz.Issue{{Kind: "unknown_getter", Path: "rules/0/type", Detail: "bogus"}}, issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
	if got := ts.request("EvaluateGroup").GetFields()["group_json"].GetStringValue(); got != string(group) {
		t.Errorf("group_json = %s, want key order kept as %s", got, group)
	}
}

func TestGRPCValidate(t *testing.T) {
	c := startTestServer(t, newTestServer())

	issues, err := c.Validate(context.Background(), json.RawMessage(`{"rules":[{"value":1}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]condz.Issue{{Kind: "missing_type", Path: "rules/0"}}, issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
}

// -- Resolver tests ----------------------------------------------------------

func TestGRPCResolve(t *testing.T) {
	ts := newTestServer()
	c := startTestServer(t, ts)
	ctx := context.Background()

	config := json.RawMessage(`{"z":1,"a":2}`)
	got, _, err := c.ResolveConfig(ctx, "listable", config)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(config) {
		t.Errorf("ResolveConfig() = %s, want %s", got, config)
	}

	got, _, err = c.ResolveValue(ctx, "listable", json.RawMessage(`{"type":"dynamicValue","source":"option","option":"k","default":"D"}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"D"` {
		t.Errorf("ResolveValue() = %s, want \"D\"", got)
	}
	fields := ts.request("Resolve").GetFields()
	if _, ok := fields["config_json"]; ok {
		t.Error("ResolveValue sent config_json")
	}
	if fields["descriptor_json"].GetStringValue() == "" {
		t.Error("ResolveValue did not send descriptor_json")
	}
}

// -- Streamer tests ----------------------------------------------------------

func TestGRPCStream(t *testing.T) {
	ts := newTestServer()
	c := startTestServer(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := c.Stream(ctx, 7, "hero")
	if err != nil {
		t.Fatal(err)
	}

	var received []condz.ConditionEvent
	for ev := range ch {
		received = append(received, ev)
	}

	if len(received) != 2 {
		t.Fatalf("want 2 events, got %d: %+v", len(received), received)
	}
	if received[0].Type != "update" || received[0].EventID != 1 || received[0].Condition == nil || !received[0].Condition.Enabled {
		t.Errorf("event 0: %+v", received[0])
	}
	if received[1].Type != "delete" || received[1].EventID != 3 || received[1].Key != "promo" {
		t.Errorf("event 1: %+v", received[1])
	}

	req := ts.request("Watch").GetFields()
	if req["last_event_id"].GetNumberValue() != 7 || req["key"].GetStringValue() != "hero" {
		t.Errorf("watch request = %v", req)
	}
	ts.assertAuth(t)
}

func TestGRPCStreamContextCancel(t *testing.T) {
	ts := newTestServer()
	ts.blockWatch = true
	c := startTestServer(t, ts)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.Stream(ctx, 0, "")
	if err != nil {
		t.Fatal(err)
	}

	time.AfterFunc(100*time.Millisecond, cancel)

	timeout := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
		}
	}
}

// -- compile-time interface checks -------------------------------------------

var _ condz.Evaluator = (*condzgrpc.Client)(nil)
var _ condz.Resolver = (*condzgrpc.Client)(nil)
var _ condz.Streamer = (*condzgrpc.Client)(nil)

package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/condz/internal/core"
	"github.com/matt-riley/condz/internal/middleware"
	"github.com/matt-riley/condz/internal/repository"
	"github.com/matt-riley/condz/internal/service"
)

const defaultGRPCStreamPollInterval = time.Second

// GRPCServer implements condz.v1.ConditionService: evaluation, resolution,
// validation, and a server-streaming watch of condition changes.
type GRPCServer struct {
	service            Service
	streamPollInterval time.Duration
	metrics            StreamMetrics
}

var _ ConditionServiceServer = (*GRPCServer)(nil)

// GRPCOption configures a [GRPCServer].
type GRPCOption func(*GRPCServer)

// WithGRPCStreamPollInterval sets how often Watch polls for new events.
func WithGRPCStreamPollInterval(interval time.Duration) GRPCOption {
	return func(s *GRPCServer) {
		if interval > 0 {
			s.streamPollInterval = interval
		}
	}
}

// WithGRPCStreamMetrics reports open Watch streams.
func WithGRPCStreamMetrics(m StreamMetrics) GRPCOption {
	return func(s *GRPCServer) { s.metrics = m }
}

// NewGRPCServer creates a [GRPCServer]. It panics if svc is nil.
func NewGRPCServer(svc Service, opts ...GRPCOption) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	s := &GRPCServer{
		service:            svc,
		streamPollInterval: defaultGRPCStreamPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	key := stringField(req, "key")
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "key is required")
	}

	decision, err := s.service.Evaluate(ctx, projectID, key, stringField(req, "site_id"))
	if err != nil {
		return nil, toGRPCError(err)
	}

	fields, err := decisionFields(decision)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return newStruct(fields)
}

func (s *GRPCServer) EvaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}

	keysValue := req.GetFields()["keys"].GetListValue()
	if keysValue == nil || len(keysValue.GetValues()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "keys are required")
	}
	keys := make([]string, 0, len(keysValue.GetValues()))
	for idx, value := range keysValue.GetValues() {
		key := strings.TrimSpace(value.GetStringValue())
		if key == "" {
			return nil, status.Errorf(codes.InvalidArgument, "keys[%d] is required", idx)
		}
		keys = append(keys, key)
	}

	decisions, err := s.service.EvaluateBatch(ctx, projectID, keys, stringField(req, "site_id"))
	if err != nil {
		return nil, toGRPCError(err)
	}

	results := make([]any, 0, len(decisions))
	for _, decision := range decisions {
		fields, err := decisionFields(decision)
		if err != nil {
			return nil, toGRPCError(err)
		}
		results = append(results, fields)
	}
	return newStruct(map[string]any{"results": results})
}

func (s *GRPCServer) EvaluateGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	group, err := jsonField(req, "group_json")
	if err != nil {
		return nil, err
	}

	result, issues, err := s.service.EvaluateGroup(ctx, projectID, stringField(req, "site_id"), group)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return newStruct(map[string]any{"result": result, "issues": issueValues(issues)})
}

// Resolve resolves either a configuration tree (config_json) or a single
// descriptor (descriptor_json).
func (s *GRPCServer) Resolve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return nil, err
	}
	siteID := stringField(req, "site_id")

	var (
		value  any
		issues []core.Issue
	)
	switch {
	case stringField(req, "config_json") != "" && stringField(req, "descriptor_json") != "":
		return nil, status.Error(codes.InvalidArgument, "use either config_json or descriptor_json")
	case stringField(req, "descriptor_json") != "":
		descriptor, err := jsonField(req, "descriptor_json")
		if err != nil {
			return nil, err
		}
		value, issues, err = s.service.ResolveValue(ctx, projectID, siteID, descriptor)
		if err != nil {
			return nil, toGRPCError(err)
		}
	default:
		tree, err := jsonField(req, "config_json")
		if err != nil {
			return nil, err
		}
		value, issues, err = s.service.ResolveConfig(ctx, projectID, siteID, tree)
		if err != nil {
			return nil, toGRPCError(err)
		}
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return newStruct(map[string]any{"value_json": string(encoded), "issues": issueValues(issues)})
}

func (s *GRPCServer) Validate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := grpcProjectID(ctx); err != nil {
		return nil, err
	}
	group, err := jsonField(req, "group_json")
	if err != nil {
		return nil, err
	}

	issues := s.service.Validate(group)
	return newStruct(map[string]any{"valid": len(issues) == 0, "issues": issueValues(issues)})
}

// Watch replays events after last_event_id and then polls for new ones
// until the client goes away.
func (s *GRPCServer) Watch(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	projectID, err := grpcProjectID(ctx)
	if err != nil {
		return err
	}

	filterKey := stringField(req, "key")
	lastEventID, err := eventIDField(req, "last_event_id")
	if err != nil {
		return err
	}

	if s.metrics != nil {
		defer s.metrics.StreamOpened("grpc_watch")()
	}

	sendEvents := func() error {
		events, err := s.service.ListEventsSince(ctx, projectID, lastEventID, filterKey)
		if err != nil {
			return toGRPCError(err)
		}

		for _, event := range events {
			lastEventID = event.EventID
			msg, ok, err := eventMessage(event)
			if err != nil {
				return toGRPCError(err)
			}
			if !ok {
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
		return nil
	}

	if err := sendEvents(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.streamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := sendEvents(); err != nil {
				return err
			}
		}
	}
}

func grpcProjectID(ctx context.Context) (string, error) {
	projectID, ok := middleware.ProjectIDFromContext(ctx)
	if !ok {
		return "", status.Error(codes.Unauthenticated, "unauthorized")
	}
	return projectID, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, service.ErrInvalidConditions):
		return status.Error(codes.InvalidArgument, "invalid conditions")
	case errors.Is(err, service.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, "invalid config")
	case errors.Is(err, service.ErrInvalidSnapshot):
		return status.Error(codes.InvalidArgument, "invalid snapshot")
	case errors.Is(err, service.ErrProjectIDRequired):
		return status.Error(codes.InvalidArgument, "project ID is required")
	case errors.Is(err, service.ErrConditionNotFound):
		return status.Error(codes.NotFound, "condition not found")
	case errors.Is(err, service.ErrEnvironmentNotFound):
		return status.Error(codes.NotFound, "environment not found")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return msg, nil
}

func stringField(msg *structpb.Struct, name string) string {
	return strings.TrimSpace(msg.GetFields()[name].GetStringValue())
}

// jsonField decodes a required JSON string field, keeping key order.
func jsonField(msg *structpb.Struct, name string) (any, error) {
	raw := stringField(msg, name)
	if raw == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	value, err := core.DecodeJSON([]byte(raw))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid %s", name)
	}
	return value, nil
}

func eventIDField(msg *structpb.Struct, name string) (int64, error) {
	value, ok := msg.GetFields()[name]
	if !ok {
		return 0, nil
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NumberValue:
		n := kind.NumberValue
		if n < 0 || n != math.Trunc(n) || n >= math.MaxInt64 {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
		}
		return int64(n), nil
	case *structpb.Value_StringValue:
		id, err := parseLastEventID(kind.StringValue)
		if err != nil {
			return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
		}
		return id, nil
	case *structpb.Value_NullValue:
		return 0, nil
	default:
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a non-negative integer", name)
	}
}

func issueValues(issues []core.Issue) []any {
	values := make([]any, 0, len(issues))
	for _, issue := range issues {
		entry := map[string]any{
			"kind": string(issue.Kind),
			"path": issue.Path,
		}
		if issue.Detail != "" {
			entry["detail"] = issue.Detail
		}
		values = append(values, entry)
	}
	return values
}

func decisionFields(decision service.Decision) (map[string]any, error) {
	fields := map[string]any{
		"key":     decision.Key,
		"enabled": decision.Enabled,
		"issues":  issueValues(decision.Issues),
	}
	if decision.Config != nil {
		encoded, err := json.Marshal(decision.Config)
		if err != nil {
			return nil, err
		}
		fields["config_json"] = string(encoded)
	}
	return fields, nil
}

func eventMessage(event repository.ConditionEvent) (*structpb.Struct, bool, error) {
	eventType := toEventName(event.EventType)
	if eventType == "" {
		return nil, false, nil
	}

	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	msg, err := structpb.NewStruct(map[string]any{
		"event_id":     float64(event.EventID),
		"type":         eventType,
		"key":          event.ConditionKey,
		"payload_json": string(payload),
	})
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Package grpc provides a gRPC client for the condz condition service.
//
// The service exchanges structpb.Struct messages; condition groups,
// configuration trees and descriptors travel as JSON strings so their key
// order survives the trip.
package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	condz "github.com/matt-riley/condz/clients/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the condition service.
const ServiceName = "condz.v1.ConditionService"

const (
	evaluateMethod      = "/" + ServiceName + "/Evaluate"
	evaluateBatchMethod = "/" + ServiceName + "/EvaluateBatch"
	evaluateGroupMethod = "/" + ServiceName + "/EvaluateGroup"
	resolveMethod       = "/" + ServiceName + "/Resolve"
	validateMethod      = "/" + ServiceName + "/Validate"
	watchMethod         = "/" + ServiceName + "/Watch"
)

var watchStreamDesc = grpc.StreamDesc{StreamName: "Watch", ServerStreams: true}

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the condz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements condz.Evaluator, condz.Resolver, and condz.Streamer over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

// NewGRPCClient creates a client for the condz gRPC server.
// Call Close() when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("condz: grpc dial: %w", err)
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

func (c *Client) invoke(ctx context.Context, method, name string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("condz: encode %s request: %w", name, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), method, in, out); err != nil {
		return nil, fmt.Errorf("condz: %s: %w", name, err)
	}
	return out, nil
}

// -- wire helpers ------------------------------------------------------------

func stringField(msg *structpb.Struct, name string) string {
	return msg.GetFields()[name].GetStringValue()
}

// rawJSONField returns a JSON string field as raw JSON. An absent or empty
// field yields nil.
func rawJSONField(msg *structpb.Struct, name string) (json.RawMessage, error) {
	raw := stringField(msg, name)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("condz: decode %s: invalid JSON", name)
	}
	return json.RawMessage(raw), nil
}

func issuesFromValue(value *structpb.Value) []condz.Issue {
	list := value.GetListValue().GetValues()
	if len(list) == 0 {
		return nil
	}
	issues := make([]condz.Issue, 0, len(list))
	for _, item := range list {
		entry := item.GetStructValue()
		if entry == nil {
			continue
		}
		issues = append(issues, condz.Issue{
			Kind:   stringField(entry, "kind"),
			Path:   stringField(entry, "path"),
			Detail: stringField(entry, "detail"),
		})
	}
	return issues
}

func decisionFromStruct(msg *structpb.Struct) (condz.Decision, error) {
	d := condz.Decision{
		Key:     stringField(msg, "key"),
		Enabled: msg.GetFields()["enabled"].GetBoolValue(),
		Issues:  issuesFromValue(msg.GetFields()["issues"]),
	}
	config, err := rawJSONField(msg, "config_json")
	if err != nil {
		return d, err
	}
	d.Config = config
	return d, nil
}

// eventFromStruct maps a Watch message. ok is false for event types the
// client does not know.
func eventFromStruct(msg *structpb.Struct) (ev condz.ConditionEvent, ok bool) {
	ev = condz.ConditionEvent{
		Type: stringField(msg, "type"),
		Key:  stringField(msg, "key"),
	}
	if ev.Type != "update" && ev.Type != "delete" {
		return ev, false
	}
	if id := msg.GetFields()["event_id"].GetNumberValue(); id > 0 && id < math.MaxInt64 {
		ev.EventID = int64(id)
	}
	if payload := stringField(msg, "payload_json"); payload != "" {
		var cond condz.Condition
		if json.Unmarshal([]byte(payload), &cond) == nil {
			if cond.Key == "" {
				cond.Key = ev.Key
			}
			ev.Condition = &cond
		}
	}
	return ev, true
}

// -- Evaluator ---------------------------------------------------------------

func (c *Client) Evaluate(ctx context.Context, key, siteID string) (condz.Decision, error) {
	resp, err := c.invoke(ctx, evaluateMethod, "Evaluate", map[string]any{"key": key, "site_id": siteID})
	if err != nil {
		return condz.Decision{}, err
	}
	return decisionFromStruct(resp)
}

func (c *Client) EvaluateBatch(ctx context.Context, keys []string, siteID string) ([]condz.Decision, error) {
	keyValues := make([]any, len(keys))
	for i, key := range keys {
		keyValues[i] = key
	}
	resp, err := c.invoke(ctx, evaluateBatchMethod, "EvaluateBatch", map[string]any{"keys": keyValues, "site_id": siteID})
	if err != nil {
		return nil, err
	}

	results := resp.GetFields()["results"].GetListValue().GetValues()
	decisions := make([]condz.Decision, 0, len(results))
	for _, result := range results {
		d, err := decisionFromStruct(result.GetStructValue())
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

func (c *Client) EvaluateGroup(ctx context.Context, siteID string, group json.RawMessage) (bool, []condz.Issue, error) {
	resp, err := c.invoke(ctx, evaluateGroupMethod, "EvaluateGroup", map[string]any{"site_id": siteID, "group_json": string(group)})
	if err != nil {
		return false, nil, err
	}
	return resp.GetFields()["result"].GetBoolValue(), issuesFromValue(resp.GetFields()["issues"]), nil
}

// Validate reports structural issues in a condition group.
func (c *Client) Validate(ctx context.Context, group json.RawMessage) ([]condz.Issue, error) {
	resp, err := c.invoke(ctx, validateMethod, "Validate", map[string]any{"group_json": string(group)})
	if err != nil {
		return nil, err
	}
	return issuesFromValue(resp.GetFields()["issues"]), nil
}

// -- Resolver ----------------------------------------------------------------

func (c *Client) ResolveConfig(ctx context.Context, siteID string, config json.RawMessage) (json.RawMessage, []condz.Issue, error) {
	return c.resolve(ctx, map[string]any{"site_id": siteID, "config_json": string(config)})
}

func (c *Client) ResolveValue(ctx context.Context, siteID string, descriptor json.RawMessage) (json.RawMessage, []condz.Issue, error) {
	return c.resolve(ctx, map[string]any{"site_id": siteID, "descriptor_json": string(descriptor)})
}

func (c *Client) resolve(ctx context.Context, fields map[string]any) (json.RawMessage, []condz.Issue, error) {
	resp, err := c.invoke(ctx, resolveMethod, "Resolve", fields)
	if err != nil {
		return nil, nil, err
	}
	value, err := rawJSONField(resp, "value_json")
	if err != nil {
		return nil, nil, err
	}
	return value, issuesFromValue(resp.GetFields()["issues"]), nil
}

// -- Streamer ----------------------------------------------------------------

// Stream opens the Watch stream and emits ConditionEvents on the returned
// channel. A non-empty key limits the stream to that condition. The channel
// is closed when ctx is cancelled or the stream ends.
func (c *Client) Stream(ctx context.Context, lastEventID int64, key string) (<-chan condz.ConditionEvent, error) {
	fields := map[string]any{"last_event_id": float64(lastEventID)}
	if key != "" {
		fields["key"] = key
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("condz: encode Watch request: %w", err)
	}

	stream, err := c.conn.NewStream(c.authCtx(ctx), &watchStreamDesc, watchMethod)
	if err != nil {
		return nil, fmt.Errorf("condz: Watch: %w", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, fmt.Errorf("condz: Watch: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("condz: Watch: %w", err)
	}

	ch := make(chan condz.ConditionEvent, 16)
	go func() {
		defer close(ch)
		for {
			msg := new(structpb.Struct)
			if err := stream.RecvMsg(msg); err != nil {
				return
			}
			ev, ok := eventFromStruct(msg)
			if !ok {
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

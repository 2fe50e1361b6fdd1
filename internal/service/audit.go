package service

import (
	"context"
	"encoding/json"

	"github.com/matt-riley/condz/internal/repository"
)

const systemActor = "system"

type actorKey struct{}

// WithActor returns a context carrying the identity recorded in the audit
// log for mutations made with it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the actor set by [WithActor], or "system".
func ActorFromContext(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return systemActor
}

// auditBestEffort records a mutation when the repository keeps an audit
// log. Failures are logged and otherwise ignored.
func (s *Service) auditBestEffort(ctx context.Context, projectID, action, target string, details any) {
	writer, ok := s.repo.(auditLogWriter)
	if !ok {
		return
	}

	var payload json.RawMessage
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			s.log.WarnContext(ctx, "marshal audit details", "action", action, "error", err)
		} else {
			payload = encoded
		}
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	err := writer.InsertAuditLog(auditCtx, repository.AuditLogEntry{
		ProjectID: projectID,
		Actor:     ActorFromContext(ctx),
		Action:    action,
		Target:    target,
		Details:   payload,
	})
	if err != nil {
		s.log.WarnContext(ctx, "write audit log", "action", action, "target", target, "error", err)
	}
}

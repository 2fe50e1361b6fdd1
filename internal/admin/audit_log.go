package admin

import (
	"encoding/json"
	"fmt"

	"github.com/matt-riley/condz/internal/repository"
)

// buildAuditEntry constructs an audit entry for an operator action,
// marshalling the optional details to JSON.
func buildAuditEntry(operator, projectID, action, target string, details any) (repository.AuditLogEntry, error) {
	entry := repository.AuditLogEntry{
		ProjectID: projectID,
		Actor:     "operator:" + operator,
		Action:    action,
		Target:    target,
	}

	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return repository.AuditLogEntry{}, fmt.Errorf("marshal audit details: %w", err)
		}
		entry.Details = raw
	}

	return entry, nil
}

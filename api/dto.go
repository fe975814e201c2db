package api

import (
	"encoding/json"

	"github.com/warp/quarry-ledger/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// AuditEntryRequest is an audit entry submitted by an external collaborator.
type AuditEntryRequest struct {
	Action     string          `json:"action"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	OldValues  json.RawMessage `json:"old_values,omitempty"`
	NewValues  json.RawMessage `json:"new_values,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// RecordResponse wraps a created, updated, deleted or restored row.
type RecordResponse struct {
	EntityType ledger.EntityType `json:"entity_type"`
	Record     ledger.Record     `json:"record"`
}

// RecycleBinResponse lists soft-deleted rows of one entity type.
type RecycleBinResponse struct {
	EntityType ledger.EntityType `json:"entity_type"`
	Count      int               `json:"count"`
	Records    []ledger.Record   `json:"records"`
}

// AuditLogResponse lists audit entries, newest first.
type AuditLogResponse struct {
	Count   int                 `json:"count"`
	Entries []ledger.AuditEntry `json:"entries"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func newRecordResponse(rec ledger.Record) RecordResponse {
	return RecordResponse{EntityType: rec.Ref().Type, Record: rec}
}

package validate

import (
	"strings"
	"testing"
)

func TestRegistryDocumentValid(t *testing.T) {
	data := []byte(`{
		"schema_id": "agentguard.registry.document",
		"schema_version": "1.0.0",
		"updated_at": "2026-03-01T10:00:00Z",
		"agents": [
			{
				"agent_id": "bot1",
				"uuid": "5f9c9d1e-55f4-4b36-9a55-0f6f1b1f2a3b",
				"owner": "ops",
				"status": "active",
				"created_at": "2026-03-01T10:00:00Z",
				"updated_at": "2026-03-01T10:00:00Z",
				"permissions": {"level": "write", "dangerous_policy": "require-approval"},
				"stats": {"operations": 3, "approvals": 1, "denials": 0}
			}
		]
	}`)
	if err := RegistryDocument(data); err != nil {
		t.Fatalf("expected valid document: %v", err)
	}
}

func TestRegistryDocumentRejectsBadLevel(t *testing.T) {
	data := []byte(`{
		"schema_id": "agentguard.registry.document",
		"schema_version": "1.0.0",
		"agents": [
			{
				"agent_id": "bot1",
				"uuid": "u",
				"status": "active",
				"created_at": "2026-03-01T10:00:00Z",
				"updated_at": "2026-03-01T10:00:00Z",
				"permissions": {"level": "root", "dangerous_policy": "require-approval"},
				"stats": {}
			}
		]
	}`)
	err := RegistryDocument(data)
	if err == nil {
		t.Fatalf("expected validation failure for unknown level")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApprovalRequestValid(t *testing.T) {
	data := []byte(`{
		"schema_id": "agentguard.gate.approval_request",
		"schema_version": "1.0.0",
		"request_id": "7f8e2f4a-1111-4222-8333-444455556666",
		"agent_id": "bot1",
		"operation": "send_email",
		"details": {"to": "ops@example.com"},
		"status": "pending",
		"created_at": "2026-03-01T10:00:00Z",
		"expires_at": "2026-03-01T10:05:00Z"
	}`)
	if err := ApprovalRequest(data); err != nil {
		t.Fatalf("expected valid request: %v", err)
	}
}

func TestApprovalRequestRejectsUnknownStatus(t *testing.T) {
	data := []byte(`{
		"schema_id": "agentguard.gate.approval_request",
		"schema_version": "1.0.0",
		"request_id": "r1",
		"agent_id": "bot1",
		"operation": "send_email",
		"status": "maybe",
		"created_at": "2026-03-01T10:00:00Z",
		"expires_at": "2026-03-01T10:05:00Z"
	}`)
	if ApprovalRequest(data) == nil {
		t.Fatalf("expected validation failure for unknown status")
	}
}

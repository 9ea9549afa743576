package guardian

import "time"

// Permission levels, ordered weakest to strongest.
const (
	LevelRead      = "read"
	LevelWrite     = "write"
	LevelAdmin     = "admin"
	LevelDangerous = "dangerous"
)

// Dangerous-operation policies.
const (
	PolicyRequireApproval = "require-approval"
	PolicyAutoApprove     = "auto-approve"
	PolicyNeverAllow      = "never-allow"
)

// Agent lifecycle states. Removal is soft so audit joins keep resolving.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusRemoved   = "removed"
)

// Approval request states. Pending is the only non-terminal state.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalDenied   = "denied"
	ApprovalExpired  = "expired"
)

type AgentPermissions struct {
	Level           string `json:"level"`
	DangerousPolicy string `json:"dangerous_policy"`
}

type AgentStats struct {
	Operations int64 `json:"operations"`
	Approvals  int64 `json:"approvals"`
	Denials    int64 `json:"denials"`
}

type AgentRecord struct {
	AgentID     string           `json:"agent_id"`
	UUID        string           `json:"uuid"`
	Owner       string           `json:"owner,omitempty"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Permissions AgentPermissions `json:"permissions"`
	Stats       AgentStats       `json:"stats"`
}

type RegistryDocument struct {
	SchemaID      string        `json:"schema_id"`
	SchemaVersion string        `json:"schema_version"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Agents        []AgentRecord `json:"agents"`
}

type ApprovalResponse struct {
	By         string    `json:"by"`
	Reason     string    `json:"reason,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

type ApprovalRequest struct {
	SchemaID      string            `json:"schema_id"`
	SchemaVersion string            `json:"schema_version"`
	RequestID     string            `json:"request_id"`
	AgentID       string            `json:"agent_id"`
	Operation     string            `json:"operation"`
	Details       map[string]any    `json:"details,omitempty"`
	Status        string            `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
	Response      *ApprovalResponse `json:"response,omitempty"`
}

// AuditEntry is one line of a hash-chained ledger partition. Hash covers the
// JCS canonical form of the entry with the hash field itself cleared.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
	Operation string         `json:"operation"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash,omitempty"`
}

type NotificationAction struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

type NotificationPayload struct {
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	RequestID string               `json:"request_id"`
	ExpiresAt time.Time            `json:"expires_at"`
	Actions   []NotificationAction `json:"actions,omitempty"`
}

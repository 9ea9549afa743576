package scope

import (
	"strings"

	"github.com/sendwealth/agentguard/core/registry"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

// OperationKind is the closed classification every requested operation maps to.
type OperationKind int

const (
	KindRead OperationKind = iota
	KindWrite
	KindDangerous
)

func (kind OperationKind) String() string {
	switch kind {
	case KindRead:
		return "read"
	case KindDangerous:
		return "dangerous"
	default:
		return "write"
	}
}

// The fixed dangerous set. Context can extend it per call but never shrink it.
var dangerousOperations = map[string]struct{}{
	"send_message":      {},
	"send_email":        {},
	"transfer_funds":    {},
	"delete_data":       {},
	"access_credential": {},
	"write_file":        {},
	"execute_command":   {},
}

var readPrefixes = []string{"get_", "list_", "read_", "query_"}

// Context carries per-call reclassification flags.
type Context struct {
	Dangerous bool
	Read      bool
}

// Classify maps an operation name to its kind. The dangerous flag wins over
// the read flag so context can only escalate, never launder, a dangerous call.
func Classify(operation string, callContext Context) OperationKind {
	operation = strings.TrimSpace(operation)
	if callContext.Dangerous {
		return KindDangerous
	}
	if _, ok := dangerousOperations[operation]; ok {
		return KindDangerous
	}
	if callContext.Read {
		return KindRead
	}
	for _, prefix := range readPrefixes {
		if strings.HasPrefix(operation, prefix) {
			return KindRead
		}
	}
	return KindWrite
}

type Verdict struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason"`
	Kind             string `json:"kind"`
}

var levelRanks = map[string]int{
	schemaguardian.LevelRead:      1,
	schemaguardian.LevelWrite:     2,
	schemaguardian.LevelAdmin:     3,
	schemaguardian.LevelDangerous: 4,
}

// Decide is the pure decision table. Rows are checked in priority order; for
// dangerous operations the policy is consulted before the level.
func Decide(level, policy string, kind OperationKind) Verdict {
	rank := levelRanks[level]
	verdict := Verdict{Kind: kind.String()}
	switch {
	case kind == KindRead && rank >= levelRanks[schemaguardian.LevelRead]:
		verdict.Allowed = true
		verdict.Reason = "read operation allowed"
	case kind == KindDangerous && policy == schemaguardian.PolicyNeverAllow:
		verdict.Reason = "dangerous operations are never allowed for this agent"
	case kind == KindDangerous && policy == schemaguardian.PolicyRequireApproval:
		verdict.Allowed = true
		verdict.RequiresApproval = true
		verdict.Reason = "dangerous operation requires human approval"
	case kind == KindDangerous && policy == schemaguardian.PolicyAutoApprove && rank >= levelRanks[schemaguardian.LevelDangerous]:
		verdict.Allowed = true
		verdict.Reason = "dangerous operation auto-approved"
	case kind != KindDangerous && rank >= levelRanks[schemaguardian.LevelWrite]:
		verdict.Allowed = true
		verdict.Reason = "write operation allowed"
	default:
		verdict.Reason = "insufficient permission level"
	}
	return verdict
}

// Scope evaluates permission checks against the agent registry.
type Scope struct {
	registry *registry.Store
}

func New(store *registry.Store) *Scope {
	return &Scope{registry: store}
}

// Check returns the verdict for one requested operation. Unknown agents
// propagate the registry not-found error; suspended agents deny without error.
func (scope *Scope) Check(agentID, operation string, callContext Context) (Verdict, error) {
	record, err := scope.registry.Get(agentID)
	if err != nil {
		return Verdict{}, err
	}
	kind := Classify(operation, callContext)
	if record.Status != schemaguardian.StatusActive {
		return Verdict{
			Kind:   kind.String(),
			Reason: "agent is " + record.Status,
		}, nil
	}
	return Decide(record.Permissions.Level, record.Permissions.DangerousPolicy, kind), nil
}

// SetLevel is an administrative mutation with no effect on in-flight requests.
func (scope *Scope) SetLevel(agentID, level string) (schemaguardian.AgentRecord, error) {
	return scope.registry.Update(agentID, registry.Update{Level: level})
}

// SetDangerousPolicy is an administrative mutation with no effect on in-flight requests.
func (scope *Scope) SetDangerousPolicy(agentID, policy string) (schemaguardian.AgentRecord, error) {
	return scope.registry.Update(agentID, registry.Update{DangerousPolicy: policy})
}

package guardian

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/sendwealth/agentguard/core/audit"
	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/gate"
	"github.com/sendwealth/agentguard/core/notify"
	"github.com/sendwealth/agentguard/core/registry"
	"github.com/sendwealth/agentguard/core/report"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
	"github.com/sendwealth/agentguard/core/scope"
	"github.com/sendwealth/agentguard/core/vault"
)

// Guardian wires the vault, registry, scope checker, approval gate, audit
// ledger, and reporting into one front door. Every guarded operation writes an
// audit entry; if that write fails the operation fails with it.
type Guardian struct {
	vault      *vault.Vault
	registry   *registry.Store
	scope      *scope.Scope
	ledger     *audit.Ledger
	gate       *gate.Gate
	notifier   notify.Notifier
	credit     *report.CreditScorer
	compliance *report.ComplianceReporter
	logger     *slog.Logger
	now        func() time.Time
}

type Options struct {
	BasePath        string
	MasterPassword  string
	KDFIterations   int
	ApprovalTimeout time.Duration
	PollInterval    time.Duration
	Provider        vault.ExternalProvider
	Notifier        notify.Notifier
	Logger          *slog.Logger
	Now             func() time.Time
}

func New(options Options) (*Guardian, error) {
	if options.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	// The vault stays unconfigured without a master passphrase so commands
	// that never touch credentials still work.
	var credentialVault *vault.Vault
	if options.MasterPassword != "" {
		var err error
		credentialVault, err = vault.New(vault.Options{
			Dir:            filepath.Join(options.BasePath, "vault"),
			MasterPassword: options.MasterPassword,
			KDFIterations:  options.KDFIterations,
			Provider:       options.Provider,
			Logger:         logger,
			Now:            now,
		})
		if err != nil {
			return nil, err
		}
	}
	store, err := registry.NewStore(registry.StoreOptions{
		Path: filepath.Join(options.BasePath, "registry.json"),
		Now:  now,
	})
	if err != nil {
		return nil, err
	}
	ledger, err := audit.New(audit.Options{
		Dir: filepath.Join(options.BasePath, "audit"),
		Now: now,
	})
	if err != nil {
		return nil, err
	}
	approvalGate, err := gate.New(gate.Options{
		Dir:             filepath.Join(options.BasePath, "gate"),
		ApprovalTimeout: options.ApprovalTimeout,
		PollInterval:    options.PollInterval,
		Now:             now,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	notifier := options.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	return &Guardian{
		vault:      credentialVault,
		registry:   store,
		scope:      scope.New(store),
		ledger:     ledger,
		gate:       approvalGate,
		notifier:   notifier,
		credit:     report.NewCreditScorer(ledger, store, now),
		compliance: report.NewComplianceReporter(ledger, store, now),
		logger:     logger,
		now:        now,
	}, nil
}

func (guardian *Guardian) Close() error {
	return guardian.gate.Close()
}

// RegisterAgent creates the agent record and audits the registration.
func (guardian *Guardian) RegisterAgent(agentID string, options registry.RegisterOptions) (schemaguardian.AgentRecord, error) {
	record, err := guardian.registry.Register(agentID, options)
	if err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	if _, err := guardian.ledger.Log(agentID, "agent_registered", map[string]any{
		"uuid":             record.UUID,
		"owner":            record.Owner,
		"level":            record.Permissions.Level,
		"dangerous_policy": record.Permissions.DangerousPolicy,
	}); err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	return record, nil
}

func (guardian *Guardian) GetAgent(agentID string) (schemaguardian.AgentRecord, error) {
	return guardian.registry.Get(agentID)
}

func (guardian *Guardian) ListAgents(filter registry.Filter) ([]schemaguardian.AgentRecord, error) {
	return guardian.registry.List(filter)
}

// UnregisterAgent soft-removes the agent so past audit entries keep resolving.
func (guardian *Guardian) UnregisterAgent(agentID string) error {
	if err := guardian.registry.Unregister(agentID); err != nil {
		return err
	}
	_, err := guardian.ledger.Log(agentID, "agent_removed", nil)
	return err
}

// StoreCredential stores a secret after an access_credential permission check.
func (guardian *Guardian) StoreCredential(agentID, key, value string) error {
	if err := guardian.requireCredentialAccess(agentID); err != nil {
		return err
	}
	if err := guardian.vault.Store(agentID, key, value); err != nil {
		return err
	}
	_, err := guardian.ledger.Log(agentID, "credential_stored", map[string]any{"key": key})
	return err
}

// GetCredential returns a secret after an access_credential permission check.
// The value is withheld when the audit write fails.
func (guardian *Guardian) GetCredential(agentID, key string) (string, error) {
	if err := guardian.requireCredentialAccess(agentID); err != nil {
		return "", err
	}
	value, err := guardian.vault.Get(agentID, key)
	if err != nil {
		return "", err
	}
	if _, err := guardian.ledger.Log(agentID, "credential_accessed", map[string]any{"key": key}); err != nil {
		return "", err
	}
	return value, nil
}

func (guardian *Guardian) DeleteCredential(agentID, key string) (bool, error) {
	if err := guardian.requireCredentialAccess(agentID); err != nil {
		return false, err
	}
	existed, err := guardian.vault.Delete(agentID, key)
	if err != nil {
		return false, err
	}
	if _, err := guardian.ledger.Log(agentID, "credential_deleted", map[string]any{"key": key, "existed": existed}); err != nil {
		return false, err
	}
	return existed, nil
}

func (guardian *Guardian) ListCredentialKeys(agentID string) ([]vault.KeyInfo, error) {
	if err := guardian.requireCredentialAccess(agentID); err != nil {
		return nil, err
	}
	return guardian.vault.ListKeys(agentID)
}

func (guardian *Guardian) requireVault() error {
	if guardian.vault == nil {
		return coreerrors.Wrap(
			fmt.Errorf("credential vault is not configured"),
			coreerrors.CategoryAuthenticationFailure, "vault_unconfigured", "set the master passphrase environment variable", false)
	}
	return nil
}

func (guardian *Guardian) requireCredentialAccess(agentID string) error {
	if err := guardian.requireVault(); err != nil {
		return err
	}
	verdict, err := guardian.scope.Check(agentID, "access_credential", scope.Context{})
	if err != nil {
		return err
	}
	if !verdict.Allowed {
		return coreerrors.Wrap(
			fmt.Errorf("permission denied: %s", verdict.Reason),
			coreerrors.CategoryPermissionDenied, "credential_access_denied", "raise the agent's level or policy", false)
	}
	return nil
}

// Decision is the outcome of a successful permission check, with the approval
// request id when a human signed off.
type Decision struct {
	Allowed          bool   `json:"allowed"`
	RequiresApproval bool   `json:"requires_approval"`
	RequestID        string `json:"request_id,omitempty"`
}

// CheckOrApprove evaluates the permission table, files an approval request when
// the verdict demands one, and blocks until the request resolves. Denial and
// expiry surface as classified errors; a plain deny files no request at all.
func (guardian *Guardian) CheckOrApprove(ctx context.Context, agentID, operation string, details map[string]any, callContext scope.Context) (Decision, error) {
	verdict, err := guardian.scope.Check(agentID, operation, callContext)
	if err != nil {
		return Decision{}, err
	}
	if _, err := guardian.ledger.Log(agentID, "permission_check", map[string]any{
		"operation":         operation,
		"allowed":           verdict.Allowed,
		"requires_approval": verdict.RequiresApproval,
		"kind":              verdict.Kind,
		"reason":            verdict.Reason,
	}); err != nil {
		return Decision{}, err
	}

	if !verdict.Allowed {
		return Decision{}, coreerrors.Wrap(
			fmt.Errorf("permission denied: %s", verdict.Reason),
			coreerrors.CategoryPermissionDenied, "permission_denied", "adjust the agent's level or policy", false)
	}
	if !verdict.RequiresApproval {
		return Decision{Allowed: true}, nil
	}

	request, err := guardian.gate.Request(agentID, operation, details)
	if err != nil {
		return Decision{}, err
	}
	if _, err := guardian.ledger.Log(agentID, "approval_requested", map[string]any{
		"operation":  operation,
		"request_id": request.RequestID,
	}); err != nil {
		return Decision{}, err
	}
	notify.Deliver(ctx, guardian.notifier, guardian.logger, notify.BuildPayload(request))

	resolved, err := guardian.gate.WaitForApproval(ctx, request.RequestID)
	if err != nil {
		return Decision{}, err
	}
	if _, err := guardian.ledger.Log(agentID, "approval_result", map[string]any{
		"operation":  operation,
		"request_id": resolved.RequestID,
		"status":     resolved.Status,
	}); err != nil {
		return Decision{}, err
	}

	switch resolved.Status {
	case schemaguardian.ApprovalApproved:
		return Decision{Allowed: true, RequiresApproval: true, RequestID: resolved.RequestID}, nil
	case schemaguardian.ApprovalExpired:
		return Decision{}, coreerrors.Wrap(
			fmt.Errorf("approval request %s expired", resolved.RequestID),
			coreerrors.CategoryApprovalExpired, "approval_expired", "file a new request and respond before it expires", false)
	default:
		reason := "human denied"
		if resolved.Response != nil && resolved.Response.Reason != "" {
			reason = resolved.Response.Reason
		}
		return Decision{}, coreerrors.Wrap(
			fmt.Errorf("operation denied: %s", reason),
			coreerrors.CategoryApprovalDenied, "approval_denied", "the human reviewer declined this operation", false)
	}
}

// Execute runs fn under a permission check, counting the operation and
// auditing its outcome.
func (guardian *Guardian) Execute(ctx context.Context, agentID, operation string, details map[string]any, callContext scope.Context, fn func() (any, error)) (any, error) {
	decision, err := guardian.CheckOrApprove(ctx, agentID, operation, details, callContext)
	if err != nil {
		return nil, err
	}
	if _, err := guardian.registry.IncrementStats(agentID, registry.StatOperations); err != nil {
		return nil, err
	}

	result, runErr := fn()
	entryDetails := map[string]any{
		"operation": operation,
		"success":   runErr == nil,
	}
	if decision.RequestID != "" {
		entryDetails["request_id"] = decision.RequestID
	}
	if _, err := guardian.ledger.Log(agentID, "operation_executed", entryDetails); err != nil {
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

func (guardian *Guardian) SetPermissionLevel(agentID, level string) (schemaguardian.AgentRecord, error) {
	return guardian.scope.SetLevel(agentID, level)
}

func (guardian *Guardian) SetDangerousPolicy(agentID, policy string) (schemaguardian.AgentRecord, error) {
	return guardian.scope.SetDangerousPolicy(agentID, policy)
}

// ApproveRequest resolves a pending approval and counts it for the agent.
func (guardian *Guardian) ApproveRequest(requestID, approvedBy, reason string) (schemaguardian.ApprovalRequest, error) {
	request, err := guardian.gate.Approve(requestID, approvedBy, reason)
	if err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	if _, err := guardian.registry.IncrementStats(request.AgentID, registry.StatApprovals); err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	return request, nil
}

// DenyRequest resolves a pending approval with a denial and counts it.
func (guardian *Guardian) DenyRequest(requestID, deniedBy, reason string) (schemaguardian.ApprovalRequest, error) {
	request, err := guardian.gate.Deny(requestID, deniedBy, reason)
	if err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	if _, err := guardian.registry.IncrementStats(request.AgentID, registry.StatDenials); err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	return request, nil
}

// ListPendingRequests returns pending approvals, optionally for one agent.
func (guardian *Guardian) ListPendingRequests(agentID string) ([]schemaguardian.ApprovalRequest, error) {
	pending, err := guardian.gate.ListPending()
	if err != nil {
		return nil, err
	}
	if agentID == "" {
		return pending, nil
	}
	filtered := pending[:0]
	for _, request := range pending {
		if request.AgentID == agentID {
			filtered = append(filtered, request)
		}
	}
	return filtered, nil
}

func (guardian *Guardian) CleanupApprovals() (int, error) {
	return guardian.gate.Cleanup()
}

func (guardian *Guardian) GetAuditLogs(agentID string, query audit.Query) ([]schemaguardian.AuditEntry, error) {
	return guardian.ledger.GetLogs(agentID, query)
}

func (guardian *Guardian) VerifyAudit(agentID, date string) (audit.VerifyResult, error) {
	return guardian.ledger.Verify(agentID, date)
}

func (guardian *Guardian) GetStats(agentID string, days int) (audit.Stats, error) {
	return guardian.ledger.Stats(agentID, days)
}

func (guardian *Guardian) CreditScore(agentID string, days int) (report.CreditScore, error) {
	return guardian.credit.Calculate(agentID, days)
}

func (guardian *Guardian) CompareCreditScores(agentIDs []string, days int) (report.Rankings, error) {
	return guardian.credit.Compare(agentIDs, days)
}

func (guardian *Guardian) AgentRankings(days int) (report.Rankings, error) {
	return guardian.credit.Rank(days)
}

func (guardian *Guardian) GDPRReport(agentID string, days int) (report.GDPRReport, error) {
	return guardian.compliance.GDPR(agentID, days)
}

func (guardian *Guardian) CCPAReport(agentID string, days int) (report.CCPAReport, error) {
	return guardian.compliance.CCPA(agentID, days)
}

// FullComplianceReport merges the GDPR and CCPA views with an averaged score.
type FullComplianceReport struct {
	AgentID            string                  `json:"agent_id"`
	GeneratedAt        time.Time               `json:"generated_at"`
	GDPR               report.GDPRReport       `json:"gdpr"`
	CCPA               report.CCPAReport       `json:"ccpa"`
	OverallScore       int                     `json:"overall_score"`
	AllRisks           []report.Risk           `json:"all_risks"`
	AllRecommendations []report.Recommendation `json:"all_recommendations"`
}

func (guardian *Guardian) FullComplianceReport(agentID string, days int) (FullComplianceReport, error) {
	gdprReport, err := guardian.compliance.GDPR(agentID, days)
	if err != nil {
		return FullComplianceReport{}, err
	}
	ccpaReport, err := guardian.compliance.CCPA(agentID, days)
	if err != nil {
		return FullComplianceReport{}, err
	}

	severity := map[string]int{"high": 0, "medium": 1, "low": 2}
	risks := append(append([]report.Risk{}, gdprReport.Risks...), ccpaReport.Risks...)
	sort.SliceStable(risks, func(left, right int) bool {
		return severity[risks[left].Level] < severity[risks[right].Level]
	})
	recommendations := append(append([]report.Recommendation{}, gdprReport.Recommendations...), ccpaReport.Recommendations...)
	sort.SliceStable(recommendations, func(left, right int) bool {
		return severity[recommendations[left].Priority] < severity[recommendations[right].Priority]
	})

	return FullComplianceReport{
		AgentID:            agentID,
		GeneratedAt:        guardian.now(),
		GDPR:               gdprReport,
		CCPA:               ccpaReport,
		OverallScore:       (gdprReport.Summary.ComplianceScore + ccpaReport.Summary.ComplianceScore) / 2,
		AllRisks:           risks,
		AllRecommendations: recommendations,
	}, nil
}

package guardian

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sendwealth/agentguard/core/audit"
	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/registry"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
	"github.com/sendwealth/agentguard/core/scope"
)

func newTestGuardian(t *testing.T, timeout time.Duration) *Guardian {
	t.Helper()
	guardianUnderTest, err := New(Options{
		BasePath:        t.TempDir(),
		MasterPassword:  "master secret",
		ApprovalTimeout: timeout,
		PollInterval:    20 * time.Millisecond,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new guardian: %v", err)
	}
	t.Cleanup(func() { _ = guardianUnderTest.Close() })
	return guardianUnderTest
}

func register(t *testing.T, guardianUnderTest *Guardian, agentID, level, policy string) {
	t.Helper()
	if _, err := guardianUnderTest.RegisterAgent(agentID, registry.RegisterOptions{
		Owner:           "alice",
		Level:           level,
		DangerousPolicy: policy,
	}); err != nil {
		t.Fatalf("register %s: %v", agentID, err)
	}
}

func operations(entries []schemaguardian.AuditEntry) []string {
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Operation)
	}
	return names
}

// resolveFirstPending polls for the next pending request and resolves it.
func resolveFirstPending(t *testing.T, guardianUnderTest *Guardian, approve bool, by, reason string) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			pending, err := guardianUnderTest.ListPendingRequests("")
			if err == nil && len(pending) > 0 {
				if approve {
					_, _ = guardianUnderTest.ApproveRequest(pending[0].RequestID, by, reason)
				} else {
					_, _ = guardianUnderTest.DenyRequest(pending[0].RequestID, by, reason)
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
}

func TestRegisterAgentAuditsRegistration(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	entries, err := guardianUnderTest.GetAuditLogs("bot1", audit.Query{})
	if err != nil {
		t.Fatalf("get audit logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation != "agent_registered" {
		t.Fatalf("expected one agent_registered entry, got %v", operations(entries))
	}
}

func TestApprovalFlowApproved(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	resolveFirstPending(t, guardianUnderTest, true, "alice", "looks fine")
	decision, err := guardianUnderTest.CheckOrApprove(context.Background(), "bot1", "send_email",
		map[string]any{"to": "user@example.com"}, scope.Context{})
	if err != nil {
		t.Fatalf("check or approve: %v", err)
	}
	if !decision.Allowed || !decision.RequiresApproval || decision.RequestID == "" {
		t.Fatalf("unexpected decision: %#v", decision)
	}

	entries, err := guardianUnderTest.GetAuditLogs("bot1", audit.Query{})
	if err != nil {
		t.Fatalf("get audit logs: %v", err)
	}
	want := []string{"agent_registered", "permission_check", "approval_requested", "approval_result"}
	got := operations(entries)
	if len(got) != len(want) {
		t.Fatalf("expected trail %v, got %v", want, got)
	}
	for index := range want {
		if got[index] != want[index] {
			t.Fatalf("expected trail %v, got %v", want, got)
		}
	}

	record, err := guardianUnderTest.GetAgent("bot1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if record.Stats.Approvals != 1 {
		t.Fatalf("expected approval counted, got %#v", record.Stats)
	}
}

func TestApprovalFlowDenied(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	resolveFirstPending(t, guardianUnderTest, false, "alice", "not today")
	_, err := guardianUnderTest.CheckOrApprove(context.Background(), "bot1", "transfer_funds", nil, scope.Context{})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryApprovalDenied {
		t.Fatalf("expected approval denied, got %v", err)
	}

	record, err := guardianUnderTest.GetAgent("bot1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if record.Stats.Denials != 1 {
		t.Fatalf("expected denial counted, got %#v", record.Stats)
	}
}

func TestNeverAllowDeniesWithoutRequest(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot2", schemaguardian.LevelWrite, schemaguardian.PolicyNeverAllow)

	_, err := guardianUnderTest.CheckOrApprove(context.Background(), "bot2", "delete_data", nil, scope.Context{})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryPermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}

	pending, err := guardianUnderTest.ListPendingRequests("bot2")
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("a flat deny must not file a request, got %#v", pending)
	}

	entries, err := guardianUnderTest.GetAuditLogs("bot2", audit.Query{})
	if err != nil {
		t.Fatalf("get audit logs: %v", err)
	}
	got := operations(entries)
	if len(got) != 2 || got[1] != "permission_check" {
		t.Fatalf("expected only registration and the check, got %v", got)
	}
}

func TestApprovalExpiresWhenUnattended(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 80*time.Millisecond)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := guardianUnderTest.CheckOrApprove(ctx, "bot1", "send_email", nil, scope.Context{})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryApprovalExpired {
		t.Fatalf("expected approval expired, got %v", err)
	}
}

func TestAutoApproveSkipsGate(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelDangerous, schemaguardian.PolicyAutoApprove)

	decision, err := guardianUnderTest.CheckOrApprove(context.Background(), "bot1", "send_email", nil, scope.Context{})
	if err != nil {
		t.Fatalf("check or approve: %v", err)
	}
	if !decision.Allowed || decision.RequiresApproval || decision.RequestID != "" {
		t.Fatalf("expected direct allow, got %#v", decision)
	}
}

func TestExecuteCountsAndAudits(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	result, err := guardianUnderTest.Execute(context.Background(), "bot1", "update_profile", nil, scope.Context{},
		func() (any, error) { return "done", nil })
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result != "done" {
		t.Fatalf("unexpected result: %v", result)
	}

	record, err := guardianUnderTest.GetAgent("bot1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if record.Stats.Operations != 1 {
		t.Fatalf("expected operation counted, got %#v", record.Stats)
	}

	entries, err := guardianUnderTest.GetAuditLogs("bot1", audit.Query{Operation: "operation_executed"})
	if err != nil {
		t.Fatalf("get audit logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Details["success"] != true {
		t.Fatalf("expected a successful operation_executed entry, got %#v", entries)
	}
}

func TestCredentialFlow(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	if err := guardianUnderTest.StoreCredential("bot1", "api_token", "tok-12345"); err != nil {
		t.Fatalf("store credential: %v", err)
	}
	value, err := guardianUnderTest.GetCredential("bot1", "api_token")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if value != "tok-12345" {
		t.Fatalf("unexpected value: %q", value)
	}

	keys, err := guardianUnderTest.ListCredentialKeys("bot1")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Key != "api_token" {
		t.Fatalf("unexpected key listing: %#v", keys)
	}

	existed, err := guardianUnderTest.DeleteCredential("bot1", "api_token")
	if err != nil || !existed {
		t.Fatalf("delete credential: existed=%t err=%v", existed, err)
	}

	entries, err := guardianUnderTest.GetAuditLogs("bot1", audit.Query{})
	if err != nil {
		t.Fatalf("get audit logs: %v", err)
	}
	got := operations(entries)
	want := []string{"agent_registered", "credential_stored", "credential_accessed", "credential_deleted"}
	if len(got) != len(want) {
		t.Fatalf("expected trail %v, got %v", want, got)
	}
}

func TestCredentialAccessDeniedForNeverAllow(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot2", schemaguardian.LevelWrite, schemaguardian.PolicyNeverAllow)

	err := guardianUnderTest.StoreCredential("bot2", "api_token", "tok")
	if coreerrors.CategoryOf(err) != coreerrors.CategoryPermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestSuspendedAgentDenied(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)
	if _, err := guardianUnderTest.SetPermissionLevel("bot1", schemaguardian.LevelAdmin); err != nil {
		t.Fatalf("set level: %v", err)
	}

	store := guardianUnderTest.registry
	if _, err := store.Update("bot1", registry.Update{Status: schemaguardian.StatusSuspended}); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	_, err := guardianUnderTest.CheckOrApprove(context.Background(), "bot1", "get_status", nil, scope.Context{})
	if coreerrors.CategoryOf(err) != coreerrors.CategoryPermissionDenied {
		t.Fatalf("expected permission denied for suspended agent, got %v", err)
	}
}

func TestVerifyAuditThroughFacade(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)

	result, err := guardianUnderTest.VerifyAudit("bot1", time.Now().UTC().Format("2006-01-02"))
	if err != nil {
		t.Fatalf("verify audit: %v", err)
	}
	if !result.Valid || result.Entries != 1 {
		t.Fatalf("expected a valid one-entry chain, got %#v", result)
	}
}

func TestReportsThroughFacade(t *testing.T) {
	guardianUnderTest := newTestGuardian(t, 5*time.Minute)
	register(t, guardianUnderTest, "bot1", schemaguardian.LevelWrite, schemaguardian.PolicyRequireApproval)
	if _, err := guardianUnderTest.Execute(context.Background(), "bot1", "update_profile", nil, scope.Context{},
		func() (any, error) { return nil, nil }); err != nil {
		t.Fatalf("execute: %v", err)
	}

	score, err := guardianUnderTest.CreditScore("bot1", 30)
	if err != nil {
		t.Fatalf("credit score: %v", err)
	}
	if score.Score < 0 || score.Score > 100 {
		t.Fatalf("score out of range: %d", score.Score)
	}

	full, err := guardianUnderTest.FullComplianceReport("bot1", 90)
	if err != nil {
		t.Fatalf("full compliance report: %v", err)
	}
	if full.GDPR.ReportType != "GDPR" || full.CCPA.ReportType != "CCPA" {
		t.Fatalf("unexpected report types: %#v", full)
	}
	if full.OverallScore < 0 || full.OverallScore > 100 {
		t.Fatalf("overall score out of range: %d", full.OverallScore)
	}

	rankings, err := guardianUnderTest.AgentRankings(30)
	if err != nil {
		t.Fatalf("rankings: %v", err)
	}
	if len(rankings.Ranking) != 1 || rankings.Ranking[0].AgentID != "bot1" {
		t.Fatalf("unexpected rankings: %#v", rankings)
	}
}

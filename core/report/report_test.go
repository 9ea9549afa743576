package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sendwealth/agentguard/core/audit"
	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/registry"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

func testFixtures(t *testing.T) (*audit.Ledger, *registry.Store, func() time.Time) {
	t.Helper()
	now := func() time.Time { return time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC) }
	dir := t.TempDir()
	ledger, err := audit.New(audit.Options{Dir: filepath.Join(dir, "audit"), Now: now})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	store, err := registry.NewStore(registry.StoreOptions{
		Path: filepath.Join(dir, "registry.json"),
		Now:  now,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return ledger, store, now
}

func mustRegister(t *testing.T, store *registry.Store, agentID string) {
	t.Helper()
	if _, err := store.Register(agentID, registry.RegisterOptions{
		Level:           schemaguardian.LevelWrite,
		DangerousPolicy: schemaguardian.PolicyRequireApproval,
	}); err != nil {
		t.Fatalf("register %s: %v", agentID, err)
	}
}

func mustLog(t *testing.T, ledger *audit.Ledger, agentID, operation string, details map[string]any) {
	t.Helper()
	if _, err := ledger.Log(agentID, operation, details); err != nil {
		t.Fatalf("log %s: %v", operation, err)
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{score: 95, want: TierExcellent},
		{score: 90, want: TierExcellent},
		{score: 80, want: TierGood},
		{score: 65, want: TierFair},
		{score: 45, want: TierPoor},
		{score: 10, want: TierRisky},
	}
	for _, test := range tests {
		if got := TierFor(test.score); got.Level != test.want {
			t.Fatalf("TierFor(%d) = %s, want %s", test.score, got.Level, test.want)
		}
	}
}

func TestCreditScoreRewardsGoodBehavior(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "bot1")
	for range 5 {
		mustLog(t, ledger, "bot1", "operation_executed", map[string]any{"success": true})
	}
	mustLog(t, ledger, "bot1", "approval_result", map[string]any{"status": "approved"})

	scorer := NewCreditScorer(ledger, store, now)
	score, err := scorer.Calculate("bot1", 30)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if score.Score <= baseScore {
		t.Fatalf("clean history should score above base, got %d", score.Score)
	}
	if score.Stats.TaskSuccess != 5 || score.Stats.ApprovalsGranted != 1 {
		t.Fatalf("unexpected stats: %#v", score.Stats)
	}
	if score.Period != "30d" {
		t.Fatalf("unexpected period: %s", score.Period)
	}
	if len(score.Factors) == 0 {
		t.Fatalf("expected contributing factors")
	}
}

func TestCreditScorePunishesDenials(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "bot1")
	for range 4 {
		mustLog(t, ledger, "bot1", "approval_result", map[string]any{"status": "denied"})
	}
	mustLog(t, ledger, "bot1", "operation_executed", map[string]any{"success": false})

	scorer := NewCreditScorer(ledger, store, now)
	score, err := scorer.Calculate("bot1", 30)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if score.Score >= baseScore {
		t.Fatalf("denial-heavy history should score below base, got %d", score.Score)
	}
	if score.Stats.ApprovalsDenied != 4 || score.Stats.TaskFailure != 1 {
		t.Fatalf("unexpected stats: %#v", score.Stats)
	}
}

func TestCreditScoreUnknownAgent(t *testing.T) {
	ledger, store, now := testFixtures(t)
	scorer := NewCreditScorer(ledger, store, now)
	_, err := scorer.Calculate("ghost", 30)
	if coreerrors.CategoryOf(err) != coreerrors.CategoryNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompareRanksBestFirst(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "good-bot")
	mustRegister(t, store, "bad-bot")
	for range 5 {
		mustLog(t, ledger, "good-bot", "operation_executed", map[string]any{"success": true})
		mustLog(t, ledger, "bad-bot", "approval_result", map[string]any{"status": "denied"})
	}

	scorer := NewCreditScorer(ledger, store, now)
	rankings, err := scorer.Compare([]string{"bad-bot", "good-bot"}, 30)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if len(rankings.Ranking) != 2 {
		t.Fatalf("expected 2 ranked agents, got %d", len(rankings.Ranking))
	}
	if rankings.Ranking[0].AgentID != "good-bot" || rankings.Ranking[0].Rank != 1 {
		t.Fatalf("expected good-bot first, got %#v", rankings.Ranking)
	}
	if rankings.Ranking[1].Rank != 2 {
		t.Fatalf("ranks must be sequential, got %#v", rankings.Ranking)
	}
}

func TestRankCoversAllRegisteredAgents(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "bot1")
	mustRegister(t, store, "bot2")

	scorer := NewCreditScorer(ledger, store, now)
	rankings, err := scorer.Rank(30)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(rankings.Ranking) != 2 {
		t.Fatalf("expected every registered agent ranked, got %#v", rankings.Ranking)
	}
}

func TestGDPRReport(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "bot1")
	mustLog(t, ledger, "bot1", "consent_given", map[string]any{"user_id": "u1", "consent": true, "purpose": "newsletter"})
	mustLog(t, ledger, "bot1", "credential_accessed", map[string]any{
		"user_id": "u1", "email": "u1@example.com", "legal_basis": "consent",
	})
	mustLog(t, ledger, "bot1", "data_read", map[string]any{"user_id": "u2", "name": "someone"})
	mustLog(t, ledger, "bot1", "subject_access_request", map[string]any{"user_id": "u2", "fulfilled": true})

	reporter := NewComplianceReporter(ledger, store, now)
	report, err := reporter.GDPR("bot1", 90)
	if err != nil {
		t.Fatalf("gdpr report: %v", err)
	}

	if report.ReportType != "GDPR" {
		t.Fatalf("unexpected report type: %s", report.ReportType)
	}
	if report.Summary.TotalProcessingActivities != 2 {
		t.Fatalf("expected 2 processing activities, got %d", report.Summary.TotalProcessingActivities)
	}
	if report.Summary.ConsentRecords != 1 {
		t.Fatalf("expected 1 consent record, got %d", report.Summary.ConsentRecords)
	}
	if report.Consent.Coverage != 50 {
		t.Fatalf("expected 50%% coverage, got %d", report.Consent.Coverage)
	}
	// 100 minus one missing legal basis (5) minus uncovered half (15).
	if report.Summary.ComplianceScore != 80 {
		t.Fatalf("expected compliance score 80, got %d", report.Summary.ComplianceScore)
	}
	if report.DataProcessing.Categories[CategoryPersonal] != 2 {
		t.Fatalf("expected personal data categories, got %#v", report.DataProcessing.Categories)
	}
	if len(report.Consent.Gaps) != 1 || report.Consent.Gaps[0].SubjectID != "u2" {
		t.Fatalf("expected consent gap for u2, got %#v", report.Consent.Gaps)
	}
	if len(report.DataSubjects.RightsExercised) != 1 {
		t.Fatalf("expected one rights exercise, got %#v", report.DataSubjects.RightsExercised)
	}
	if len(report.Recommendations) == 0 {
		t.Fatalf("expected recommendations for imperfect compliance")
	}
}

func TestCCPAReport(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "bot1")
	mustLog(t, ledger, "bot1", "data_export", map[string]any{"user_id": "u1", "sale": true, "third_party": "adnet"})
	mustLog(t, ledger, "bot1", "consumer_request_received", map[string]any{
		"request_type": "deletion", "response_days": float64(10), "fulfilled": true,
	})

	reporter := NewComplianceReporter(ledger, store, now)
	report, err := reporter.CCPA("bot1", 90)
	if err != nil {
		t.Fatalf("ccpa report: %v", err)
	}

	if report.Summary.DataSales != 1 {
		t.Fatalf("expected 1 data sale, got %d", report.Summary.DataSales)
	}
	if report.Summary.ConsumerRequests != 1 {
		t.Fatalf("expected 1 consumer request, got %d", report.Summary.ConsumerRequests)
	}
	// 100 minus the flat sale penalty.
	if report.Summary.ComplianceScore != 90 {
		t.Fatalf("expected compliance score 90, got %d", report.Summary.ComplianceScore)
	}
	if len(report.DataCollection.ThirdParties) != 1 || report.DataCollection.ThirdParties[0] != "adnet" {
		t.Fatalf("expected third party adnet, got %#v", report.DataCollection.ThirdParties)
	}
	if len(report.Risks) == 0 {
		t.Fatalf("expected a data sale risk")
	}
}

func TestCompliancePerfectScoreWhenQuiet(t *testing.T) {
	ledger, store, now := testFixtures(t)
	mustRegister(t, store, "bot1")

	reporter := NewComplianceReporter(ledger, store, now)
	report, err := reporter.GDPR("bot1", 90)
	if err != nil {
		t.Fatalf("gdpr report: %v", err)
	}
	if report.Summary.ComplianceScore != 100 {
		t.Fatalf("no activity should score 100, got %d", report.Summary.ComplianceScore)
	}
	if len(report.Risks) != 0 {
		t.Fatalf("expected no risks, got %#v", report.Risks)
	}
}

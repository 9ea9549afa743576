package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sendwealth/agentguard/core/audit"
	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/registry"
)

// Credit tiers, strongest first.
const (
	TierExcellent = "excellent"
	TierGood      = "good"
	TierFair      = "fair"
	TierPoor      = "poor"
	TierRisky     = "risky"
)

const baseScore = 60

type Tier struct {
	Name  string `json:"name"`
	Level string `json:"level"`
}

// TierFor maps a 0-100 score onto its tier.
func TierFor(score int) Tier {
	switch {
	case score >= 90:
		return Tier{Name: "Excellent", Level: TierExcellent}
	case score >= 75:
		return Tier{Name: "Good", Level: TierGood}
	case score >= 60:
		return Tier{Name: "Fair", Level: TierFair}
	case score >= 40:
		return Tier{Name: "Poor", Level: TierPoor}
	default:
		return Tier{Name: "Risky", Level: TierRisky}
	}
}

type ScoreFactor struct {
	Factor string `json:"factor"`
	Impact int    `json:"impact"`
}

type CreditStats struct {
	DaysActive       int `json:"days_active"`
	TaskSuccess      int `json:"task_success"`
	TaskFailure      int `json:"task_failure"`
	ApprovalsGranted int `json:"approvals_granted"`
	ApprovalsDenied  int `json:"approvals_denied"`
	DangerousOps     int `json:"dangerous_ops"`
}

type CreditScore struct {
	AgentID     string        `json:"agent_id"`
	Score       int           `json:"score"`
	Tier        Tier          `json:"tier"`
	Period      string        `json:"period"`
	Stats       CreditStats   `json:"stats"`
	Factors     []ScoreFactor `json:"factors"`
	GeneratedAt time.Time     `json:"generated_at"`
}

type RankedAgent struct {
	Rank    int    `json:"rank"`
	AgentID string `json:"agent_id"`
	Score   int    `json:"score"`
	Tier    string `json:"tier"`
}

type Rankings struct {
	Period      string        `json:"period"`
	Ranking     []RankedAgent `json:"ranking"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// CreditScorer derives a behavioral trust score from the audit ledger.
type CreditScorer struct {
	ledger   *audit.Ledger
	registry *registry.Store
	now      func() time.Time
}

func NewCreditScorer(ledger *audit.Ledger, store *registry.Store, now func() time.Time) *CreditScorer {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &CreditScorer{ledger: ledger, registry: store, now: now}
}

// Calculate scores one agent over a trailing window. The score starts at a
// neutral base and moves with observed behavior, clamped to 0-100.
func (scorer *CreditScorer) Calculate(agentID string, days int) (CreditScore, error) {
	if days <= 0 {
		days = 30
	}
	if _, err := scorer.registry.Get(agentID); err != nil {
		return CreditScore{}, err
	}

	stats, err := scorer.collectStats(agentID, days)
	if err != nil {
		return CreditScore{}, err
	}

	factors := make([]ScoreFactor, 0, 6)
	addFactor := func(name string, impact int) {
		if impact != 0 {
			factors = append(factors, ScoreFactor{Factor: name, Impact: impact})
		}
	}
	addFactor("consistent activity", clampInt(stats.DaysActive*2, 0, 10))
	addFactor("completed operations", clampInt(stats.TaskSuccess, 0, 20))
	addFactor("failed operations", -clampInt(stats.TaskFailure*3, 0, 20))
	addFactor("approvals granted", clampInt(stats.ApprovalsGranted*2, 0, 10))
	addFactor("approvals denied", -clampInt(stats.ApprovalsDenied*5, 0, 25))
	addFactor("dangerous operation volume", -clampInt(stats.DangerousOps, 0, 10))

	score := baseScore
	for _, factor := range factors {
		score += factor.Impact
	}
	score = clampInt(score, 0, 100)

	sort.SliceStable(factors, func(left, right int) bool {
		return absInt(factors[left].Impact) > absInt(factors[right].Impact)
	})

	return CreditScore{
		AgentID:     agentID,
		Score:       score,
		Tier:        TierFor(score),
		Period:      fmt.Sprintf("%dd", days),
		Stats:       stats,
		Factors:     factors,
		GeneratedAt: scorer.now(),
	}, nil
}

// Compare scores a set of agents and ranks them best first. Unknown agents
// fail the comparison rather than silently dropping out.
func (scorer *CreditScorer) Compare(agentIDs []string, days int) (Rankings, error) {
	if len(agentIDs) == 0 {
		return Rankings{}, coreerrors.Wrap(
			fmt.Errorf("at least one agent id is required"),
			coreerrors.CategoryInvalidInput, "credit_agents_required", "provide agent ids to compare", false)
	}
	if days <= 0 {
		days = 30
	}
	ranking := make([]RankedAgent, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		score, err := scorer.Calculate(agentID, days)
		if err != nil {
			return Rankings{}, err
		}
		ranking = append(ranking, RankedAgent{
			AgentID: score.AgentID,
			Score:   score.Score,
			Tier:    score.Tier.Level,
		})
	}
	sort.SliceStable(ranking, func(left, right int) bool {
		if ranking[left].Score != ranking[right].Score {
			return ranking[left].Score > ranking[right].Score
		}
		return ranking[left].AgentID < ranking[right].AgentID
	})
	for index := range ranking {
		ranking[index].Rank = index + 1
	}
	return Rankings{
		Period:      fmt.Sprintf("%dd", days),
		Ranking:     ranking,
		GeneratedAt: scorer.now(),
	}, nil
}

// Rank scores every registered agent, removed ones excluded.
func (scorer *CreditScorer) Rank(days int) (Rankings, error) {
	records, err := scorer.registry.List(registry.Filter{})
	if err != nil {
		return Rankings{}, err
	}
	agentIDs := make([]string, 0, len(records))
	for _, record := range records {
		agentIDs = append(agentIDs, record.AgentID)
	}
	if len(agentIDs) == 0 {
		return Rankings{Period: fmt.Sprintf("%dd", days), Ranking: []RankedAgent{}, GeneratedAt: scorer.now()}, nil
	}
	return scorer.Compare(agentIDs, days)
}

func (scorer *CreditScorer) collectStats(agentID string, days int) (CreditStats, error) {
	windowStats, err := scorer.ledger.Stats(agentID, days)
	if err != nil {
		return CreditStats{}, err
	}
	from := scorer.now().AddDate(0, 0, -days)
	entries, err := scorer.ledger.GetLogs(agentID, audit.Query{From: from})
	if err != nil {
		return CreditStats{}, err
	}

	stats := CreditStats{DaysActive: windowStats.DaysActive}
	for _, entry := range entries {
		switch entry.Operation {
		case "operation_executed":
			if boolDetail(entry.Details, "success", true) {
				stats.TaskSuccess++
			} else {
				stats.TaskFailure++
			}
		case "operation_failed":
			stats.TaskFailure++
		case "approval_result":
			switch stringDetail(entry.Details, "status") {
			case "approved":
				stats.ApprovalsGranted++
			case "denied":
				stats.ApprovalsDenied++
			}
		case "permission_check":
			if stringDetail(entry.Details, "kind") == "dangerous" {
				stats.DangerousOps++
			}
		}
	}
	return stats, nil
}

func stringDetail(details map[string]any, key string) string {
	if value, ok := details[key].(string); ok {
		return value
	}
	return ""
}

func boolDetail(details map[string]any, key string, fallback bool) bool {
	if value, ok := details[key].(bool); ok {
		return value
	}
	return fallback
}

func clampInt(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

func absInt(value int) int {
	if value < 0 {
		return -value
	}
	return value
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

package report

import (
	"math"
	"sort"
	"time"

	"github.com/sendwealth/agentguard/core/audit"
	"github.com/sendwealth/agentguard/core/registry"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

// Operations that count as data processing for compliance purposes.
var processingOperations = map[string]struct{}{
	"credential_accessed": {},
	"operation_executed":  {},
	"api_call":            {},
	"data_read":           {},
	"data_write":          {},
	"data_delete":         {},
	"data_export":         {},
}

// Data categories tracked per processed record.
const (
	CategoryPersonal   = "personal"
	CategorySensitive  = "sensitive"
	CategoryTechnical  = "technical"
	CategoryBehavioral = "behavioral"
	CategoryUnknown    = "unknown"
)

const defaultRetentionDays = 90

type ProcessingActivity struct {
	Timestamp   time.Time      `json:"timestamp"`
	Operation   string         `json:"operation"`
	DataType    string         `json:"data_type"`
	Purpose     string         `json:"purpose"`
	LegalBasis  string         `json:"legal_basis"`
	DataSubject string         `json:"data_subject"`
	Details     map[string]any `json:"details,omitempty"`
}

type ConsentRecord struct {
	Timestamp time.Time `json:"timestamp"`
	SubjectID string    `json:"subject_id"`
	Purpose   string    `json:"purpose,omitempty"`
	Granted   bool      `json:"granted"`
}

type ConsentGap struct {
	SubjectID string    `json:"subject_id"`
	Activity  string    `json:"activity"`
	Timestamp time.Time `json:"timestamp"`
}

type RetentionViolation struct {
	EntryHash  string `json:"entry_hash"`
	Category   string `json:"category"`
	AgeDays    int    `json:"age_days"`
	MaxAllowed int    `json:"max_allowed"`
	Exceeded   int    `json:"exceeded"`
}

type RetentionSummary struct {
	DefaultDays    int                  `json:"default_days"`
	Violations     []RetentionViolation `json:"violations"`
	Recommendation string               `json:"recommendation"`
}

type Risk struct {
	Level       string `json:"level"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Impact      string `json:"impact"`
}

type Recommendation struct {
	Priority string `json:"priority"`
	Action   string `json:"action"`
	Details  string `json:"details"`
}

type RightsExercise struct {
	Type      string    `json:"type"`
	SubjectID string    `json:"subject_id"`
	Timestamp time.Time `json:"timestamp"`
	Fulfilled bool      `json:"fulfilled"`
}

type agentSummary struct {
	AgentID   string    `json:"agent_id"`
	Owner     string    `json:"owner,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type GDPRReport struct {
	ReportType  string       `json:"report_type"`
	GeneratedAt time.Time    `json:"generated_at"`
	Agent       agentSummary `json:"agent"`
	Summary     struct {
		TotalProcessingActivities int `json:"total_processing_activities"`
		UniqueDataSubjects        int `json:"unique_data_subjects"`
		ConsentRecords            int `json:"consent_records"`
		RetentionViolations       int `json:"retention_violations"`
		ComplianceScore           int `json:"compliance_score"`
	} `json:"summary"`
	DataProcessing struct {
		Categories map[string]int `json:"categories"`
		Purposes   map[string]int `json:"purposes"`
		LegalBases map[string]int `json:"legal_bases"`
		DataTypes  []string       `json:"data_types"`
	} `json:"data_processing"`
	Consent struct {
		Records  []ConsentRecord `json:"records"`
		Coverage int             `json:"coverage"`
		Gaps     []ConsentGap    `json:"gaps"`
	} `json:"consent"`
	DataSubjects struct {
		Count           int              `json:"count"`
		RightsExercised []RightsExercise `json:"rights_exercised"`
	} `json:"data_subjects"`
	Retention       RetentionSummary `json:"retention"`
	Risks           []Risk           `json:"risks"`
	Recommendations []Recommendation `json:"recommendations"`
}

type ConsumerRequest struct {
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	ResponseDays int       `json:"response_days"`
	Fulfilled    bool      `json:"fulfilled"`
}

type CCPAReport struct {
	ReportType  string       `json:"report_type"`
	GeneratedAt time.Time    `json:"generated_at"`
	Agent       agentSummary `json:"agent"`
	Summary     struct {
		TotalProcessingActivities int `json:"total_processing_activities"`
		DataSales                 int `json:"data_sales"`
		ConsumerRequests          int `json:"consumer_requests"`
		ComplianceScore           int `json:"compliance_score"`
	} `json:"summary"`
	DataCollection struct {
		Categories   map[string]int `json:"categories"`
		Sources      []string       `json:"sources"`
		ThirdParties []string       `json:"third_parties"`
	} `json:"data_collection"`
	DataSales struct {
		Activities        []ProcessingActivity `json:"activities"`
		DoNotSellHonored  bool                 `json:"do_not_sell_honored"`
		AverageResponse   int                  `json:"average_response_days"`
		MaxResponse       int                  `json:"max_response_days"`
		FulfillmentRate   int                  `json:"fulfillment_rate"`
		PendingRequests   int                  `json:"pending_requests"`
	} `json:"data_sales"`
	ConsumerRights struct {
		Requests []ConsumerRequest `json:"requests"`
	} `json:"consumer_rights"`
	Risks           []Risk           `json:"risks"`
	Recommendations []Recommendation `json:"recommendations"`
}

// ComplianceReporter folds audit history into regulator-facing summaries.
type ComplianceReporter struct {
	ledger   *audit.Ledger
	registry *registry.Store
	now      func() time.Time
}

func NewComplianceReporter(ledger *audit.Ledger, store *registry.Store, now func() time.Time) *ComplianceReporter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ComplianceReporter{ledger: ledger, registry: store, now: now}
}

// GDPR builds the GDPR report over a trailing window of days.
func (reporter *ComplianceReporter) GDPR(agentID string, days int) (GDPRReport, error) {
	if days <= 0 {
		days = 90
	}
	record, entries, err := reporter.load(agentID, days)
	if err != nil {
		return GDPRReport{}, err
	}

	activities := analyzeProcessing(entries)
	consents := extractConsents(entries)
	subjects := uniqueSubjects(entries)
	retention := reporter.checkRetention(entries)
	coverage := consentCoverage(activities, consents)

	report := GDPRReport{
		ReportType:  "GDPR",
		GeneratedAt: reporter.now(),
		Agent: agentSummary{
			AgentID:   record.AgentID,
			Owner:     record.Owner,
			Status:    record.Status,
			CreatedAt: record.CreatedAt,
		},
	}
	report.Summary.TotalProcessingActivities = len(activities)
	report.Summary.UniqueDataSubjects = len(subjects)
	report.Summary.ConsentRecords = len(consents)
	report.Summary.RetentionViolations = len(retention.Violations)
	report.Summary.ComplianceScore = gdprScore(activities, coverage, retention)

	report.DataProcessing.Categories = countBy(activities, func(activity ProcessingActivity) string { return activity.DataType })
	report.DataProcessing.Purposes = countBy(activities, func(activity ProcessingActivity) string { return activity.Purpose })
	report.DataProcessing.LegalBases = countBy(activities, func(activity ProcessingActivity) string { return activity.LegalBasis })
	report.DataProcessing.DataTypes = sortedKeys(report.DataProcessing.Categories)

	report.Consent.Records = consents
	report.Consent.Coverage = coverage
	report.Consent.Gaps = consentGaps(activities, consents)

	report.DataSubjects.Count = len(subjects)
	report.DataSubjects.RightsExercised = rightsExercises(entries)

	report.Retention = retention
	report.Risks = gdprRisks(activities, coverage, retention)
	report.Recommendations = gdprRecommendations(activities, coverage, retention)
	return report, nil
}

// CCPA builds the CCPA report over a trailing window of days.
func (reporter *ComplianceReporter) CCPA(agentID string, days int) (CCPAReport, error) {
	if days <= 0 {
		days = 90
	}
	record, entries, err := reporter.load(agentID, days)
	if err != nil {
		return CCPAReport{}, err
	}

	activities := analyzeProcessing(entries)
	sales := saleActivities(activities)
	requests := consumerRequests(entries)
	averageResponse, maxResponse := responseTimes(requests)
	fulfillmentRate, pending := fulfillment(requests)

	report := CCPAReport{
		ReportType:  "CCPA",
		GeneratedAt: reporter.now(),
		Agent: agentSummary{
			AgentID:   record.AgentID,
			Owner:     record.Owner,
			Status:    record.Status,
			CreatedAt: record.CreatedAt,
		},
	}
	report.Summary.TotalProcessingActivities = len(activities)
	report.Summary.DataSales = len(sales)
	report.Summary.ConsumerRequests = len(requests)
	report.Summary.ComplianceScore = ccpaScore(sales, averageResponse, fulfillmentRate)

	report.DataCollection.Categories = countBy(activities, func(activity ProcessingActivity) string { return activity.DataType })
	report.DataCollection.Sources = collectDetailValues(activities, "source")
	report.DataCollection.ThirdParties = collectDetailValues(activities, "third_party")

	report.DataSales.Activities = sales
	report.DataSales.DoNotSellHonored = doNotSellHonored(entries)
	report.DataSales.AverageResponse = averageResponse
	report.DataSales.MaxResponse = maxResponse
	report.DataSales.FulfillmentRate = fulfillmentRate
	report.DataSales.PendingRequests = pending

	report.ConsumerRights.Requests = requests
	report.Risks = ccpaRisks(sales, averageResponse)
	report.Recommendations = ccpaRecommendations(sales, averageResponse)
	return report, nil
}

func (reporter *ComplianceReporter) load(agentID string, days int) (schemaguardian.AgentRecord, []schemaguardian.AuditEntry, error) {
	record, err := reporter.registry.Get(agentID)
	if err != nil {
		return schemaguardian.AgentRecord{}, nil, err
	}
	from := reporter.now().AddDate(0, 0, -days)
	entries, err := reporter.ledger.GetLogs(agentID, audit.Query{From: from})
	if err != nil {
		return schemaguardian.AgentRecord{}, nil, err
	}
	return record, entries, nil
}

func analyzeProcessing(entries []schemaguardian.AuditEntry) []ProcessingActivity {
	activities := make([]ProcessingActivity, 0)
	for _, entry := range entries {
		if _, ok := processingOperations[entry.Operation]; !ok {
			continue
		}
		activities = append(activities, ProcessingActivity{
			Timestamp:   entry.Timestamp,
			Operation:   entry.Operation,
			DataType:    dataType(entry.Details),
			Purpose:     firstDetail(entry.Details, "purpose", "operation", "unspecified"),
			LegalBasis:  firstDetail(entry.Details, "legal_basis", "", "unspecified"),
			DataSubject: firstDetail(entry.Details, "user_id", "subject_id", "anonymous"),
			Details:     entry.Details,
		})
	}
	return activities
}

func dataType(details map[string]any) string {
	switch {
	case hasAny(details, "email", "phone", "name", "address"):
		return CategoryPersonal
	case hasAny(details, "health", "medical", "financial", "biometric", "location"):
		return CategorySensitive
	case hasAny(details, "ip", "device_id", "user_agent", "session_id"):
		return CategoryTechnical
	case hasAny(details, "clicks", "views", "searches", "preferences"):
		return CategoryBehavioral
	default:
		return CategoryUnknown
	}
}

func extractConsents(entries []schemaguardian.AuditEntry) []ConsentRecord {
	consents := make([]ConsentRecord, 0)
	for _, entry := range entries {
		_, hasConsentDetail := entry.Details["consent"]
		if entry.Operation != "consent_given" && !hasConsentDetail {
			continue
		}
		consents = append(consents, ConsentRecord{
			Timestamp: entry.Timestamp,
			SubjectID: firstDetail(entry.Details, "user_id", "subject_id", "anonymous"),
			Purpose:   stringDetail(entry.Details, "purpose"),
			Granted:   boolDetail(entry.Details, "consent", entry.Operation == "consent_given"),
		})
	}
	return consents
}

func uniqueSubjects(entries []schemaguardian.AuditEntry) []string {
	seen := map[string]struct{}{}
	for _, entry := range entries {
		subject := firstDetail(entry.Details, "user_id", "subject_id", "anonymous")
		if subject != "anonymous" {
			seen[subject] = struct{}{}
		}
	}
	subjects := make([]string, 0, len(seen))
	for subject := range seen {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}

func (reporter *ComplianceReporter) checkRetention(entries []schemaguardian.AuditEntry) RetentionSummary {
	summary := RetentionSummary{
		DefaultDays: defaultRetentionDays,
		Violations:  []RetentionViolation{},
	}
	now := reporter.now()
	for _, entry := range entries {
		ageDays := int(math.Round(now.Sub(entry.Timestamp).Hours() / 24))
		if ageDays <= defaultRetentionDays {
			continue
		}
		summary.Violations = append(summary.Violations, RetentionViolation{
			EntryHash:  entry.Hash,
			Category:   dataType(entry.Details),
			AgeDays:    ageDays,
			MaxAllowed: defaultRetentionDays,
			Exceeded:   ageDays - defaultRetentionDays,
		})
	}
	if len(summary.Violations) > 0 {
		summary.Recommendation = "records exceed the retention window and should be purged"
	} else {
		summary.Recommendation = "retention within policy"
	}
	return summary
}

func consentCoverage(activities []ProcessingActivity, consents []ConsentRecord) int {
	if len(activities) == 0 {
		return 100
	}
	consented := map[string]struct{}{}
	for _, consent := range consents {
		if consent.Granted {
			consented[consent.SubjectID] = struct{}{}
		}
	}
	covered := 0
	for _, activity := range activities {
		if _, ok := consented[activity.DataSubject]; ok {
			covered++
		}
	}
	return int(math.Round(float64(covered) / float64(len(activities)) * 100))
}

func consentGaps(activities []ProcessingActivity, consents []ConsentRecord) []ConsentGap {
	consented := map[string]struct{}{}
	for _, consent := range consents {
		if consent.Granted {
			consented[consent.SubjectID] = struct{}{}
		}
	}
	gaps := make([]ConsentGap, 0)
	for _, activity := range activities {
		if activity.DataSubject == "anonymous" {
			continue
		}
		if _, ok := consented[activity.DataSubject]; ok {
			continue
		}
		gaps = append(gaps, ConsentGap{
			SubjectID: activity.DataSubject,
			Activity:  activity.Operation,
			Timestamp: activity.Timestamp,
		})
		if len(gaps) == 10 {
			break
		}
	}
	return gaps
}

func rightsExercises(entries []schemaguardian.AuditEntry) []RightsExercise {
	exercises := make([]RightsExercise, 0)
	for _, entry := range entries {
		switch entry.Operation {
		case "subject_access_request", "subject_deletion_request", "subject_portability_request":
			exercises = append(exercises, RightsExercise{
				Type:      entry.Operation,
				SubjectID: firstDetail(entry.Details, "user_id", "subject_id", "anonymous"),
				Timestamp: entry.Timestamp,
				Fulfilled: boolDetail(entry.Details, "fulfilled", false),
			})
		}
	}
	return exercises
}

// gdprScore starts from 100 and subtracts penalties for missing legal bases,
// consent gaps, and retention violations.
func gdprScore(activities []ProcessingActivity, coverage int, retention RetentionSummary) int {
	score := 100.0
	missingBasis := 0
	for _, activity := range activities {
		if activity.LegalBasis == "unspecified" {
			missingBasis++
		}
	}
	score -= math.Min(float64(missingBasis*5), 30)
	score -= float64(100-coverage) * 0.3
	score -= math.Min(float64(len(retention.Violations)*10), 40)
	return clampInt(int(math.Round(score)), 0, 100)
}

func gdprRisks(activities []ProcessingActivity, coverage int, retention RetentionSummary) []Risk {
	risks := make([]Risk, 0)
	missingBasis := 0
	for _, activity := range activities {
		if activity.LegalBasis == "unspecified" {
			missingBasis++
		}
	}
	if missingBasis > 0 {
		level := "medium"
		if missingBasis > 10 {
			level = "high"
		}
		risks = append(risks, Risk{
			Level:       level,
			Category:    "legal_basis",
			Description: "processing activities lack a recorded legal basis",
			Impact:      "possible GDPR Article 6 violation",
		})
	}
	if coverage < 80 {
		level := "medium"
		if coverage < 50 {
			level = "high"
		}
		risks = append(risks, Risk{
			Level:       level,
			Category:    "consent",
			Description: "consent coverage is below 80 percent",
			Impact:      "possible GDPR Article 7 violation",
		})
	}
	if len(retention.Violations) > 0 {
		level := "medium"
		if len(retention.Violations) > 10 {
			level = "high"
		}
		risks = append(risks, Risk{
			Level:       level,
			Category:    "retention",
			Description: "records held beyond the retention window",
			Impact:      "possible GDPR Article 5(1)(e) violation",
		})
	}
	sort.SliceStable(risks, func(left, right int) bool {
		order := map[string]int{"high": 0, "medium": 1, "low": 2}
		return order[risks[left].Level] < order[risks[right].Level]
	})
	return risks
}

func gdprRecommendations(activities []ProcessingActivity, coverage int, retention RetentionSummary) []Recommendation {
	recommendations := make([]Recommendation, 0)
	missingBasis := 0
	for _, activity := range activities {
		if activity.LegalBasis == "unspecified" {
			missingBasis++
		}
	}
	if missingBasis > 0 {
		recommendations = append(recommendations, Recommendation{
			Priority: "high",
			Action:   "record a legal basis for every processing activity",
			Details:  "attach legal_basis to operation details at call time",
		})
	}
	if coverage < 100 {
		recommendations = append(recommendations, Recommendation{
			Priority: "medium",
			Action:   "increase consent coverage",
			Details:  "collect consent records for every identified data subject",
		})
	}
	if len(retention.Violations) > 0 {
		recommendations = append(recommendations, Recommendation{
			Priority: "high",
			Action:   "purge records past retention",
			Details:  "delete entries older than the retention window",
		})
	}
	return recommendations
}

func saleActivities(activities []ProcessingActivity) []ProcessingActivity {
	sales := make([]ProcessingActivity, 0)
	for _, activity := range activities {
		if boolDetail(activity.Details, "sale", false) ||
			boolDetail(activity.Details, "shared", false) ||
			containsFold(activity.Purpose, "sale") {
			sales = append(sales, activity)
		}
	}
	return sales
}

func consumerRequests(entries []schemaguardian.AuditEntry) []ConsumerRequest {
	requests := make([]ConsumerRequest, 0)
	for _, entry := range entries {
		if !containsFold(entry.Operation, "consumer_request") {
			continue
		}
		requests = append(requests, ConsumerRequest{
			Type:         stringDetail(entry.Details, "request_type"),
			Timestamp:    entry.Timestamp,
			ResponseDays: intDetail(entry.Details, "response_days"),
			Fulfilled:    boolDetail(entry.Details, "fulfilled", false),
		})
	}
	return requests
}

func responseTimes(requests []ConsumerRequest) (average, max int) {
	total, counted := 0, 0
	for _, request := range requests {
		if request.ResponseDays <= 0 {
			continue
		}
		total += request.ResponseDays
		counted++
		if request.ResponseDays > max {
			max = request.ResponseDays
		}
	}
	if counted > 0 {
		average = int(math.Round(float64(total) / float64(counted)))
	}
	return average, max
}

func fulfillment(requests []ConsumerRequest) (rate, pending int) {
	if len(requests) == 0 {
		return 100, 0
	}
	fulfilled := 0
	for _, request := range requests {
		if request.Fulfilled {
			fulfilled++
		}
	}
	rate = int(math.Round(float64(fulfilled) / float64(len(requests)) * 100))
	return rate, len(requests) - fulfilled
}

func doNotSellHonored(entries []schemaguardian.AuditEntry) bool {
	for _, entry := range entries {
		if entry.Operation == "do_not_sell_honored" {
			return true
		}
	}
	return false
}

// ccpaScore penalizes sales without an opt-out path, responses past the 45
// day statutory window, and unfulfilled consumer requests.
func ccpaScore(sales []ProcessingActivity, averageResponse, fulfillmentRate int) int {
	score := 100.0
	if len(sales) > 0 {
		score -= 10
	}
	if averageResponse > 45 {
		score -= 20
	}
	score -= float64(100-fulfillmentRate) * 0.2
	return clampInt(int(math.Round(score)), 0, 100)
}

func ccpaRisks(sales []ProcessingActivity, averageResponse int) []Risk {
	risks := make([]Risk, 0)
	if len(sales) > 0 {
		risks = append(risks, Risk{
			Level:       "medium",
			Category:    "data_sales",
			Description: "data sale activity detected",
			Impact:      "an opt-out mechanism is required",
		})
	}
	if averageResponse > 45 {
		risks = append(risks, Risk{
			Level:       "high",
			Category:    "response_time",
			Description: "consumer request responses exceed the 45 day limit",
			Impact:      "CCPA section 1798.130 violation",
		})
	}
	return risks
}

func ccpaRecommendations(sales []ProcessingActivity, averageResponse int) []Recommendation {
	recommendations := make([]Recommendation, 0)
	if len(sales) > 0 {
		recommendations = append(recommendations, Recommendation{
			Priority: "high",
			Action:   "implement a do-not-sell opt-out mechanism",
			Details:  "CCPA requires an opt-out path for data sales",
		})
	}
	if averageResponse > 30 {
		recommendations = append(recommendations, Recommendation{
			Priority: "medium",
			Action:   "shorten consumer request response times",
			Details:  "target a response within 30 days",
		})
	}
	return recommendations
}

func countBy(activities []ProcessingActivity, keyOf func(ProcessingActivity) string) map[string]int {
	counts := map[string]int{}
	for _, activity := range activities {
		counts[keyOf(activity)]++
	}
	return counts
}

func collectDetailValues(activities []ProcessingActivity, key string) []string {
	seen := map[string]struct{}{}
	for _, activity := range activities {
		if value := stringDetail(activity.Details, key); value != "" {
			seen[value] = struct{}{}
		}
	}
	values := make([]string, 0, len(seen))
	for value := range seen {
		values = append(values, value)
	}
	sort.Strings(values)
	return values
}

func sortedKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func hasAny(details map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := details[key]; ok {
			return true
		}
	}
	return false
}

func firstDetail(details map[string]any, primary, secondary, fallback string) string {
	if value := stringDetail(details, primary); value != "" {
		return value
	}
	if secondary != "" {
		if value := stringDetail(details, secondary); value != "" {
			return value
		}
	}
	return fallback
}

func intDetail(details map[string]any, key string) int {
	switch value := details[key].(type) {
	case float64:
		return int(value)
	case int:
		return value
	default:
		return 0
	}
}

package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/sendwealth/agentguard/core/audit"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

type auditLogsOutput struct {
	OK      bool                        `json:"ok"`
	AgentID string                      `json:"agent_id"`
	Entries []schemaguardian.AuditEntry `json:"entries"`
	Error   string                      `json:"error,omitempty"`
}

type auditVerifyOutput struct {
	OK      bool               `json:"ok"`
	AgentID string             `json:"agent_id"`
	Date    string             `json:"date"`
	Result  audit.VerifyResult `json:"result"`
	Error   string             `json:"error,omitempty"`
}

type auditStatsOutput struct {
	OK    bool        `json:"ok"`
	Stats audit.Stats `json:"stats"`
	Error string      `json:"error,omitempty"`
}

func runAudit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Query the hash-chained audit ledger, verify partition integrity, and summarize activity.")
	}
	if len(arguments) < 1 {
		printAuditUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "logs":
		return runAuditLogs(arguments[1:])
	case "verify":
		return runAuditVerify(arguments[1:])
	case "stats":
		return runAuditStats(arguments[1:])
	default:
		printAuditUsage()
		return exitInvalidInput
	}
}

func printAuditUsage() {
	fmt.Println(`agentguard audit <subcommand> [flags]

Subcommands:
  logs <agent-id>               list audit entries
  verify <agent-id> <date>      verify one day's hash chain (date YYYY-MM-DD)
  stats <agent-id>              summarize recent activity`)
}

func runAuditLogs(arguments []string) int {
	flagSet := flag.NewFlagSet("audit logs", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath, operation, from, to string
	var last int
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.StringVar(&operation, "operation", "", "filter by operation name")
	flagSet.StringVar(&from, "from", "", "lower time bound (RFC 3339)")
	flagSet.StringVar(&to, "to", "", "upper time bound (RFC 3339)")
	flagSet.IntVar(&last, "last", 0, "return only the newest N entries")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard audit logs <agent-id> [flags]")
		return exitInvalidInput
	}

	query := audit.Query{Last: last, Operation: operation}
	if from != "" {
		parsed, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return writeError(jsonOutput, fmt.Errorf("invalid --from: %w", err), exitInvalidInput)
		}
		query.From = parsed
	}
	if to != "" {
		parsed, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return writeError(jsonOutput, fmt.Errorf("invalid --to: %w", err), exitInvalidInput)
		}
		query.To = parsed
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID := flagSet.Arg(0)
	entries, err := guard.GetAuditLogs(agentID, query)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		for _, entry := range entries {
			fmt.Printf("%s %s\n", entry.Timestamp.Format(time.RFC3339), entry.Operation)
		}
		return exitOK
	}
	return writeJSON(auditLogsOutput{OK: true, AgentID: agentID, Entries: entries}, exitOK)
}

func runAuditVerify(arguments []string) int {
	flagSet := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 2 {
		fmt.Println("usage: agentguard audit verify <agent-id> <date> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID, date := flagSet.Arg(0), flagSet.Arg(1)
	result, err := guard.VerifyAudit(agentID, date)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	exitCode := exitOK
	if !result.Valid {
		exitCode = exitIntegrityViolation
	}
	if !jsonOutput {
		if result.Valid {
			fmt.Printf("valid chain, %d entries\n", result.Entries)
		} else {
			fmt.Printf("INVALID: %s at line %d\n", result.Reason, result.Line)
		}
		return exitCode
	}
	return writeJSON(auditVerifyOutput{OK: result.Valid, AgentID: agentID, Date: date, Result: result}, exitCode)
}

func runAuditStats(arguments []string) int {
	flagSet := flag.NewFlagSet("audit stats", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var days int
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.IntVar(&days, "days", 7, "trailing window in days")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard audit stats <agent-id> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	stats, err := guard.GetStats(flagSet.Arg(0), days)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("%s: %d entries over %d days (%d active)\n", stats.AgentID, stats.Total, stats.Days, stats.DaysActive)
		for operation, count := range stats.ByOperation {
			fmt.Printf("  %s: %d\n", operation, count)
		}
		return exitOK
	}
	return writeJSON(auditStatsOutput{OK: true, Stats: stats}, exitOK)
}

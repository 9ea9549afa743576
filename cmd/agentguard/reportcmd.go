package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/sendwealth/agentguard/core/guardian"
	"github.com/sendwealth/agentguard/core/report"
)

type creditScoreOutput struct {
	OK    bool                `json:"ok"`
	Score *report.CreditScore `json:"score,omitempty"`
	Error string              `json:"error,omitempty"`
}

type creditRankOutput struct {
	OK       bool             `json:"ok"`
	Rankings *report.Rankings `json:"rankings,omitempty"`
	Error    string           `json:"error,omitempty"`
}

type complianceOutput struct {
	OK     bool   `json:"ok"`
	Report any    `json:"report,omitempty"`
	Error  string `json:"error,omitempty"`
}

func runCredit(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Score agent behavior from the audit ledger and rank agents against each other.")
	}
	if len(arguments) < 1 {
		printCreditUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "score":
		return runCreditScore(arguments[1:])
	case "rank":
		return runCreditRank(arguments[1:])
	case "compare":
		return runCreditCompare(arguments[1:])
	default:
		printCreditUsage()
		return exitInvalidInput
	}
}

func printCreditUsage() {
	fmt.Println(`agentguard credit <subcommand> [flags]

Subcommands:
  score <agent-id>        calculate one agent's credit score
  rank                    rank all registered agents
  compare <id> <id> ...   compare specific agents`)
}

func runCreditScore(arguments []string) int {
	flagSet := flag.NewFlagSet("credit score", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var days int
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.IntVar(&days, "days", 30, "trailing window in days")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard credit score <agent-id> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	score, err := guard.CreditScore(flagSet.Arg(0), days)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("Credit score: %d/100 (%s, %s)\n", score.Score, score.Tier.Name, score.Period)
		for _, factor := range score.Factors {
			sign := ""
			if factor.Impact > 0 {
				sign = "+"
			}
			fmt.Printf("  %s: %s%d\n", factor.Factor, sign, factor.Impact)
		}
		return exitOK
	}
	return writeJSON(creditScoreOutput{OK: true, Score: &score}, exitOK)
}

func runCreditRank(arguments []string) int {
	flagSet := flag.NewFlagSet("credit rank", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var days int
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.IntVar(&days, "days", 30, "trailing window in days")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	rankings, err := guard.AgentRankings(days)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	return writeRankings(jsonOutput, rankings)
}

func runCreditCompare(arguments []string) int {
	flagSet := flag.NewFlagSet("credit compare", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var days int
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.IntVar(&days, "days", 30, "trailing window in days")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() < 2 {
		fmt.Println("usage: agentguard credit compare <agent-id> <agent-id> ... [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	rankings, err := guard.CompareCreditScores(flagSet.Args(), days)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	return writeRankings(jsonOutput, rankings)
}

func writeRankings(jsonOutput bool, rankings report.Rankings) int {
	if !jsonOutput {
		for _, ranked := range rankings.Ranking {
			fmt.Printf("#%d %s: %d/100 (%s)\n", ranked.Rank, ranked.AgentID, ranked.Score, ranked.Tier)
		}
		return exitOK
	}
	return writeJSON(creditRankOutput{OK: true, Rankings: &rankings}, exitOK)
}

func runCompliance(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Fold audit history into GDPR and CCPA compliance reports with scores, risks, and recommendations.")
	}
	if len(arguments) < 1 {
		printComplianceUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "gdpr", "ccpa", "full":
		return runComplianceReport(arguments[0], arguments[1:])
	default:
		printComplianceUsage()
		return exitInvalidInput
	}
}

func printComplianceUsage() {
	fmt.Println(`agentguard compliance <subcommand> [flags]

Subcommands:
  gdpr <agent-id>   GDPR compliance report
  ccpa <agent-id>   CCPA compliance report
  full <agent-id>   combined report with an overall score`)
}

func runComplianceReport(kind string, arguments []string) int {
	flagSet := flag.NewFlagSet("compliance "+kind, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var days int
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.IntVar(&days, "days", 90, "trailing window in days")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Printf("usage: agentguard compliance %s <agent-id> [flags]\n", kind)
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID := flagSet.Arg(0)
	var output any
	var score int
	switch kind {
	case "gdpr":
		gdprReport, reportErr := guard.GDPRReport(agentID, days)
		output, score, err = gdprReport, gdprReport.Summary.ComplianceScore, reportErr
	case "ccpa":
		ccpaReport, reportErr := guard.CCPAReport(agentID, days)
		output, score, err = ccpaReport, ccpaReport.Summary.ComplianceScore, reportErr
	default:
		var fullReport guardian.FullComplianceReport
		fullReport, err = guard.FullComplianceReport(agentID, days)
		output, score = fullReport, fullReport.OverallScore
	}
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("%s compliance score for %s: %d/100\n", kind, agentID, score)
		return exitOK
	}
	return writeJSON(complianceOutput{OK: true, Report: output}, exitOK)
}

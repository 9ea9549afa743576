package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/sendwealth/agentguard/core/guardian"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
	"github.com/sendwealth/agentguard/core/scope"
)

type checkOutput struct {
	OK       bool               `json:"ok"`
	Decision *guardian.Decision `json:"decision,omitempty"`
	Error    string             `json:"error,omitempty"`
}

type approvalOutput struct {
	OK      bool                            `json:"ok"`
	Request *schemaguardian.ApprovalRequest `json:"request,omitempty"`
	Error   string                          `json:"error,omitempty"`
}

type pendingOutput struct {
	OK       bool                             `json:"ok"`
	Requests []schemaguardian.ApprovalRequest `json:"requests"`
	Error    string                           `json:"error,omitempty"`
}

type cleanupOutput struct {
	OK      bool   `json:"ok"`
	Expired int    `json:"expired"`
	Error   string `json:"error,omitempty"`
}

func runCheck(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Evaluate the permission table for one operation. When the verdict requires approval this blocks until a human resolves the request or it expires.")
	}
	flagSet := flag.NewFlagSet("check", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath, detailsJSON string
	var dangerous, readOnly, jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.StringVar(&detailsJSON, "details", "", "operation details as a JSON object")
	flagSet.BoolVar(&dangerous, "dangerous", false, "classify the operation as dangerous")
	flagSet.BoolVar(&readOnly, "read", false, "classify the operation as read-only")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 2 {
		fmt.Println("usage: agentguard check <agent-id> <operation> [flags]")
		return exitInvalidInput
	}

	var details map[string]any
	if detailsJSON != "" {
		if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
			return writeError(jsonOutput, fmt.Errorf("invalid --details: %w", err), exitInvalidInput)
		}
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	decision, err := guard.CheckOrApprove(context.Background(), flagSet.Arg(0), flagSet.Arg(1), details,
		scope.Context{Dangerous: dangerous, Read: readOnly})
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		if decision.RequestID != "" {
			fmt.Printf("allowed (approved, request %s)\n", decision.RequestID)
		} else {
			fmt.Println("allowed")
		}
		return exitOK
	}
	return writeJSON(checkOutput{OK: true, Decision: &decision}, exitOK)
}

func runApprove(arguments []string) int {
	return runResolve(arguments, true)
}

func runDeny(arguments []string) int {
	return runResolve(arguments, false)
}

func runResolve(arguments []string, approve bool) int {
	name := "deny"
	if approve {
		name = "approve"
	}
	if hasExplainFlag(arguments) {
		return writeExplain("Resolve a pending approval request. Each request resolves exactly once, and an expired request can no longer be resolved.")
	}
	flagSet := flag.NewFlagSet(name, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath, by, reason string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.StringVar(&by, "by", "", "resolver identity")
	flagSet.StringVar(&reason, "reason", "", "resolution reason")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Printf("usage: agentguard %s <request-id> --by <identity> [flags]\n", name)
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	var request schemaguardian.ApprovalRequest
	if approve {
		request, err = guard.ApproveRequest(flagSet.Arg(0), by, reason)
	} else {
		request, err = guard.DenyRequest(flagSet.Arg(0), by, reason)
	}
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("%s %s for %s (%s)\n", request.Status, request.RequestID, request.AgentID, request.Operation)
		return exitOK
	}
	return writeJSON(approvalOutput{OK: true, Request: &request}, exitOK)
}

func runPending(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("List pending approval requests, oldest first. Overdue requests are expired as they are read.")
	}
	flagSet := flag.NewFlagSet("pending", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath, agentID string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.StringVar(&agentID, "agent", "", "filter by agent id")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	requests, err := guard.ListPendingRequests(agentID)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		for _, request := range requests {
			fmt.Printf("%s %s %s expires=%s\n",
				request.RequestID, request.AgentID, request.Operation,
				request.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return exitOK
	}
	return writeJSON(pendingOutput{OK: true, Requests: requests}, exitOK)
}

func runCleanup(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Expire every overdue pending approval request and report how many moved.")
	}
	flagSet := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	expired, err := guard.CleanupApprovals()
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("expired %d requests\n", expired)
		return exitOK
	}
	return writeJSON(cleanupOutput{OK: true, Expired: expired}, exitOK)
}

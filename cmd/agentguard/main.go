package main

import (
	"fmt"
	"os"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

func main() {
	os.Exit(run(os.Args))
}

func run(arguments []string) int {
	if len(arguments) < 2 {
		printUsage()
		return exitInvalidInput
	}
	if arguments[1] == "--explain" {
		return writeExplain("AgentGuard is an offline-first guardian for AI agent credentials and permissions: encrypted secret storage, a fixed permission decision table, human approval gates, and a tamper-evident audit ledger.")
	}

	switch arguments[1] {
	case "agent":
		return runAgent(arguments[2:])
	case "cred":
		return runCred(arguments[2:])
	case "check":
		return runCheck(arguments[2:])
	case "approve":
		return runApprove(arguments[2:])
	case "deny":
		return runDeny(arguments[2:])
	case "pending":
		return runPending(arguments[2:])
	case "cleanup":
		return runCleanup(arguments[2:])
	case "audit":
		return runAudit(arguments[2:])
	case "credit":
		return runCredit(arguments[2:])
	case "compliance":
		return runCompliance(arguments[2:])
	case "version", "--version", "-v":
		if hasExplainFlag(arguments[2:]) {
			return writeExplain("Print the CLI version.")
		}
		fmt.Println("agentguard", version)
		return exitOK
	default:
		printUsage()
		return exitInvalidInput
	}
}

func printUsage() {
	fmt.Println(`agentguard <command> [flags]

Commands:
  agent       register, inspect, and manage agents
  cred        store and retrieve encrypted credentials
  check       evaluate a permission check, waiting for approval when required
  approve     approve a pending request
  deny        deny a pending request
  pending     list pending approval requests
  cleanup     expire overdue approval requests
  audit       query, verify, and summarize the audit ledger
  credit      agent credit scores and rankings
  compliance  GDPR and CCPA compliance reports
  version     print the CLI version

Run 'agentguard <command> --help' for command flags.`)
}

func hasExplainFlag(arguments []string) bool {
	for _, argument := range arguments {
		if argument == "--explain" {
			return true
		}
	}
	return false
}

func writeExplain(text string) int {
	fmt.Println(text)
	return exitOK
}

package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/sendwealth/agentguard/core/registry"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

type agentOutput struct {
	OK    bool                        `json:"ok"`
	Agent *schemaguardian.AgentRecord `json:"agent,omitempty"`
	Error string                      `json:"error,omitempty"`
}

type agentListOutput struct {
	OK     bool                         `json:"ok"`
	Agents []schemaguardian.AgentRecord `json:"agents"`
	Error  string                       `json:"error,omitempty"`
}

func runAgent(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Manage agent identities: register, inspect, list, remove, and adjust permission levels and dangerous-operation policies.")
	}
	if len(arguments) < 1 {
		printAgentUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "register":
		return runAgentRegister(arguments[1:])
	case "get":
		return runAgentGet(arguments[1:])
	case "list":
		return runAgentList(arguments[1:])
	case "unregister":
		return runAgentUnregister(arguments[1:])
	case "set-level":
		return runAgentSetLevel(arguments[1:])
	case "set-policy":
		return runAgentSetPolicy(arguments[1:])
	default:
		printAgentUsage()
		return exitInvalidInput
	}
}

func printAgentUsage() {
	fmt.Println(`agentguard agent <subcommand> [flags]

Subcommands:
  register <agent-id>    register a new agent
  get <agent-id>         show one agent record
  list                   list agents
  unregister <agent-id>  soft-remove an agent
  set-level <agent-id>   change the permission level
  set-policy <agent-id>  change the dangerous-operation policy`)
}

func runAgentRegister(arguments []string) int {
	flagSet := flag.NewFlagSet("agent register", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath, owner, level, policy string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.StringVar(&owner, "owner", "", "agent owner")
	flagSet.StringVar(&level, "level", schemaguardian.LevelRead, "permission level: read, write, admin, dangerous")
	flagSet.StringVar(&policy, "policy", schemaguardian.PolicyRequireApproval, "dangerous policy: require-approval, auto-approve, never-allow")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard agent register <agent-id> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	record, err := guard.RegisterAgent(flagSet.Arg(0), registry.RegisterOptions{
		Owner:           owner,
		Level:           level,
		DangerousPolicy: policy,
	})
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("registered %s (level %s, policy %s)\n", record.AgentID, record.Permissions.Level, record.Permissions.DangerousPolicy)
		return exitOK
	}
	return writeJSON(agentOutput{OK: true, Agent: &record}, exitOK)
}

func runAgentGet(arguments []string) int {
	flagSet := flag.NewFlagSet("agent get", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard agent get <agent-id> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	record, err := guard.GetAgent(flagSet.Arg(0))
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("%s status=%s level=%s policy=%s operations=%d approvals=%d denials=%d\n",
			record.AgentID, record.Status, record.Permissions.Level, record.Permissions.DangerousPolicy,
			record.Stats.Operations, record.Stats.Approvals, record.Stats.Denials)
		return exitOK
	}
	return writeJSON(agentOutput{OK: true, Agent: &record}, exitOK)
}

func runAgentList(arguments []string) int {
	flagSet := flag.NewFlagSet("agent list", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath, status, owner, level string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.StringVar(&status, "status", "", "filter by status")
	flagSet.StringVar(&owner, "owner", "", "filter by owner")
	flagSet.StringVar(&level, "level", "", "filter by level")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	records, err := guard.ListAgents(registry.Filter{Status: status, Owner: owner, Level: level})
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		for _, record := range records {
			fmt.Printf("%s status=%s level=%s policy=%s\n",
				record.AgentID, record.Status, record.Permissions.Level, record.Permissions.DangerousPolicy)
		}
		return exitOK
	}
	return writeJSON(agentListOutput{OK: true, Agents: records}, exitOK)
}

func runAgentUnregister(arguments []string) int {
	flagSet := flag.NewFlagSet("agent unregister", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard agent unregister <agent-id> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	if err := guard.UnregisterAgent(flagSet.Arg(0)); err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Println("removed", flagSet.Arg(0))
		return exitOK
	}
	return writeJSON(agentOutput{OK: true}, exitOK)
}

func runAgentSetLevel(arguments []string) int {
	return runAgentPermissionChange(arguments, "set-level")
}

func runAgentSetPolicy(arguments []string) int {
	return runAgentPermissionChange(arguments, "set-policy")
}

func runAgentPermissionChange(arguments []string, mode string) int {
	flagSet := flag.NewFlagSet("agent "+mode, flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 2 {
		fmt.Printf("usage: agentguard agent %s <agent-id> <value> [flags]\n", mode)
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, false)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	var record schemaguardian.AgentRecord
	if mode == "set-level" {
		record, err = guard.SetPermissionLevel(flagSet.Arg(0), flagSet.Arg(1))
	} else {
		record, err = guard.SetDangerousPolicy(flagSet.Arg(0), flagSet.Arg(1))
	}
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("%s level=%s policy=%s\n", record.AgentID, record.Permissions.Level, record.Permissions.DangerousPolicy)
		return exitOK
	}
	return writeJSON(agentOutput{OK: true, Agent: &record}, exitOK)
}

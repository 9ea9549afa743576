package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/sendwealth/agentguard/core/vault"
)

type credOutput struct {
	OK      bool   `json:"ok"`
	AgentID string `json:"agent_id,omitempty"`
	Key     string `json:"key,omitempty"`
	Value   string `json:"value,omitempty"`
	Existed bool   `json:"existed,omitempty"`
	Error   string `json:"error,omitempty"`
}

type credListOutput struct {
	OK      bool            `json:"ok"`
	AgentID string          `json:"agent_id"`
	Keys    []vault.KeyInfo `json:"keys"`
	Error   string          `json:"error,omitempty"`
}

func runCred(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Store, fetch, list, and delete encrypted credentials. Every access is permission-checked and audited.")
	}
	if len(arguments) < 1 {
		printCredUsage()
		return exitInvalidInput
	}
	switch arguments[0] {
	case "store":
		return runCredStore(arguments[1:])
	case "get":
		return runCredGet(arguments[1:])
	case "delete":
		return runCredDelete(arguments[1:])
	case "list":
		return runCredList(arguments[1:])
	default:
		printCredUsage()
		return exitInvalidInput
	}
}

func printCredUsage() {
	fmt.Println(`agentguard cred <subcommand> [flags]

Subcommands:
  store <agent-id> <key> <value>  store a credential
  get <agent-id> <key>            fetch a credential value
  delete <agent-id> <key>         delete a credential
  list <agent-id>                 list credential keys and metadata`)
}

func runCredStore(arguments []string) int {
	flagSet := flag.NewFlagSet("cred store", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 3 {
		fmt.Println("usage: agentguard cred store <agent-id> <key> <value> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, true)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID, key := flagSet.Arg(0), flagSet.Arg(1)
	if err := guard.StoreCredential(agentID, key, flagSet.Arg(2)); err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Printf("stored %s/%s\n", agentID, key)
		return exitOK
	}
	return writeJSON(credOutput{OK: true, AgentID: agentID, Key: key}, exitOK)
}

func runCredGet(arguments []string) int {
	flagSet := flag.NewFlagSet("cred get", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 2 {
		fmt.Println("usage: agentguard cred get <agent-id> <key> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, true)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID, key := flagSet.Arg(0), flagSet.Arg(1)
	value, err := guard.GetCredential(agentID, key)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		fmt.Println(value)
		return exitOK
	}
	return writeJSON(credOutput{OK: true, AgentID: agentID, Key: key, Value: value}, exitOK)
}

func runCredDelete(arguments []string) int {
	flagSet := flag.NewFlagSet("cred delete", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 2 {
		fmt.Println("usage: agentguard cred delete <agent-id> <key> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, true)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID, key := flagSet.Arg(0), flagSet.Arg(1)
	existed, err := guard.DeleteCredential(agentID, key)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		if existed {
			fmt.Printf("deleted %s/%s\n", agentID, key)
		} else {
			fmt.Printf("no credential %s/%s\n", agentID, key)
		}
		return exitOK
	}
	return writeJSON(credOutput{OK: true, AgentID: agentID, Key: key, Existed: existed}, exitOK)
}

func runCredList(arguments []string) int {
	flagSet := flag.NewFlagSet("cred list", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var configPath string
	var jsonOutput bool
	flagSet.StringVar(&configPath, "config", "", "path to guardian config")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeError(jsonOutput, err, exitInvalidInput)
	}
	if flagSet.NArg() != 1 {
		fmt.Println("usage: agentguard cred list <agent-id> [flags]")
		return exitInvalidInput
	}

	guard, err := loadGuardian(configPath, true)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	defer func() { _ = guard.Close() }()

	agentID := flagSet.Arg(0)
	keys, err := guard.ListCredentialKeys(agentID)
	if err != nil {
		return writeError(jsonOutput, err, exitInternalFailure)
	}
	if !jsonOutput {
		for _, info := range keys {
			fmt.Printf("%s source=%s updated=%s\n", info.Key, info.Source, info.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return exitOK
	}
	return writeJSON(credListOutput{OK: true, AgentID: agentID, Keys: keys}, exitOK)
}

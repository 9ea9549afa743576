package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sendwealth/agentguard/core/config"
	"github.com/sendwealth/agentguard/core/guardian"
	"github.com/sendwealth/agentguard/core/notify"
)

// loadGuardian wires a Guardian from the YAML config, env master passphrase,
// and optional webhook notifier. Credential-free commands (audit, reports)
// pass needsPassword false so they work without the passphrase set.
func loadGuardian(configPath string, needsPassword bool) (*guardian.Guardian, error) {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			configPath = filepath.Join(home, config.DefaultPath)
		} else {
			configPath = config.DefaultPath
		}
	}
	configuration, err := config.Load(configPath, true)
	if err != nil {
		return nil, err
	}

	basePath, err := configuration.ResolveBasePath()
	if err != nil {
		return nil, err
	}
	approvalTimeout, err := configuration.ApprovalTimeoutDuration()
	if err != nil {
		return nil, err
	}
	pollInterval, err := configuration.PollIntervalDuration()
	if err != nil {
		return nil, err
	}

	masterPassword := ""
	if needsPassword {
		masterPassword, err = configuration.MasterPassword()
		if err != nil {
			return nil, err
		}
	}

	var notifier notify.Notifier
	if configuration.Notify.WebhookURL != "" {
		timeout := time.Duration(0)
		if configuration.Notify.Timeout != "" {
			timeout, err = time.ParseDuration(configuration.Notify.Timeout)
			if err != nil {
				return nil, err
			}
		}
		notifier, err = notify.NewWebhookNotifier(notify.WebhookOptions{
			URL:     configuration.Notify.WebhookURL,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
	}

	return guardian.New(guardian.Options{
		BasePath:        basePath,
		MasterPassword:  masterPassword,
		KDFIterations:   configuration.Guardian.KDFIterations,
		ApprovalTimeout: approvalTimeout,
		PollInterval:    pollInterval,
		Notifier:        notifier,
	})
}

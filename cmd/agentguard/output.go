package main

import (
	"encoding/json"
	"fmt"

	coreerrors "github.com/sendwealth/agentguard/core/errors"
)

const (
	exitOK = iota
	exitInternalFailure
	exitInvalidInput
	exitNotFound
	exitPermissionDenied
	exitApprovalDenied
	exitApprovalExpired
	exitAuthFailure
	exitIntegrityViolation
	exitAlreadyProcessed
)

func exitCodeForError(err error, fallbackExit int) int {
	if err == nil {
		return exitOK
	}
	switch coreerrors.CategoryOf(err) {
	case coreerrors.CategoryInvalidInput:
		return exitInvalidInput
	case coreerrors.CategoryNotFound:
		return exitNotFound
	case coreerrors.CategoryPermissionDenied:
		return exitPermissionDenied
	case coreerrors.CategoryApprovalDenied:
		return exitApprovalDenied
	case coreerrors.CategoryApprovalExpired:
		return exitApprovalExpired
	case coreerrors.CategoryAuthenticationFailure:
		return exitAuthFailure
	case coreerrors.CategoryIntegrityViolation:
		return exitIntegrityViolation
	case coreerrors.CategoryAlreadyProcessed:
		return exitAlreadyProcessed
	case coreerrors.CategoryIOFailure, coreerrors.CategoryInternalFailure:
		return exitInternalFailure
	}
	return fallbackExit
}

type errorEnvelope struct {
	OK            bool   `json:"ok"`
	Error         string `json:"error"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorCategory string `json:"error_category,omitempty"`
	Hint          string `json:"hint,omitempty"`
	Retryable     bool   `json:"retryable"`
}

// writeError prints a classified error envelope and returns its exit code.
func writeError(jsonOutput bool, err error, fallbackExit int) int {
	exitCode := exitCodeForError(err, fallbackExit)
	if !jsonOutput {
		fmt.Println("error:", err)
		if hint := coreerrors.HintOf(err); hint != "" {
			fmt.Println("hint:", hint)
		}
		return exitCode
	}
	return writeJSON(errorEnvelope{
		Error:         err.Error(),
		ErrorCode:     coreerrors.CodeOf(err),
		ErrorCategory: string(coreerrors.CategoryOf(err)),
		Hint:          coreerrors.HintOf(err),
		Retryable:     coreerrors.RetryableOf(err),
	}, exitCode)
}

func writeJSON(output any, exitCode int) int {
	encoded, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		fmt.Println(`{"ok":false,"error":"failed to encode output"}`)
		return exitInternalFailure
	}
	fmt.Println(string(encoded))
	return exitCode
}

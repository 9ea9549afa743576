package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/fsx"
	"github.com/sendwealth/agentguard/core/jcs"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

// ZeroHash is the prev_hash sentinel for the first entry of a partition.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

const dateLayout = "2006-01-02"

// Verify failure kinds.
const (
	ReasonHashMismatch   = "hash_mismatch"
	ReasonChainBroken    = "chain_broken"
	ReasonMalformedEntry = "malformed_entry"
)

// Ledger is an append-only hash-chained log partitioned per agent per day.
type Ledger struct {
	dir string
	now func() time.Time

	mu         sync.Mutex
	partitions map[string]*partitionState
}

// partitionState serializes appends to one partition's chain; writers to
// different partitions never contend.
type partitionState struct {
	mu        sync.Mutex
	recovered bool
	lastHash  string
}

type Options struct {
	Dir string
	Now func() time.Time
}

func New(options Options) (*Ledger, error) {
	dir := strings.TrimSpace(options.Dir)
	if dir == "" {
		return nil, fmt.Errorf("audit directory is required")
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	return &Ledger{dir: dir, now: now, partitions: make(map[string]*partitionState)}, nil
}

// Log appends one chained entry. Failures propagate so the guarded operation
// is considered not to have happened.
func (ledger *Ledger) Log(agentID, operation string, details map[string]any) (schemaguardian.AuditEntry, error) {
	agentID = strings.TrimSpace(agentID)
	operation = strings.TrimSpace(operation)
	if agentID == "" || operation == "" {
		return schemaguardian.AuditEntry{}, coreerrors.Wrap(
			fmt.Errorf("agent id and operation are required"),
			coreerrors.CategoryInvalidInput, "audit_fields_required", "provide agent id and operation", false)
	}

	timestamp := ledger.now()
	date := timestamp.Format(dateLayout)
	state := ledger.partitionState(agentID + "/" + date)
	state.mu.Lock()
	defer state.mu.Unlock()

	prevHash, err := ledger.lastHashLocked(state, agentID, date)
	if err != nil {
		return schemaguardian.AuditEntry{}, err
	}

	entry := schemaguardian.AuditEntry{
		Timestamp: timestamp,
		AgentID:   agentID,
		Operation: operation,
		Details:   details,
		PrevHash:  prevHash,
	}
	hash, err := entryHash(entry)
	if err != nil {
		return schemaguardian.AuditEntry{}, err
	}
	entry.Hash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return schemaguardian.AuditEntry{}, fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := fsx.AppendLineLocked(ledger.partitionPath(agentID, date), line, 0o600); err != nil {
		return schemaguardian.AuditEntry{}, coreerrors.Wrap(
			fmt.Errorf("append audit entry: %w", err),
			coreerrors.CategoryIOFailure, "audit_append", "check audit directory permissions", true)
	}
	state.lastHash = entry.Hash
	return entry, nil
}

func (ledger *Ledger) partitionState(partition string) *partitionState {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	state, exists := ledger.partitions[partition]
	if !exists {
		state = &partitionState{}
		ledger.partitions[partition] = state
	}
	return state
}

// lastHashLocked recovers the chain head for a partition, reading the last
// stored line after a restart instead of assuming the sentinel. Callers hold
// the partition mutex.
func (ledger *Ledger) lastHashLocked(state *partitionState, agentID, date string) (string, error) {
	if state.recovered {
		return state.lastHash, nil
	}
	line, err := fsx.ReadLastLine(ledger.partitionPath(agentID, date))
	if err != nil {
		return "", coreerrors.Wrap(
			fmt.Errorf("recover audit chain head: %w", err),
			coreerrors.CategoryIOFailure, "audit_read", "check audit directory permissions", true)
	}
	if line == nil {
		state.recovered = true
		state.lastHash = ZeroHash
		return ZeroHash, nil
	}
	var entry schemaguardian.AuditEntry
	if err := json.Unmarshal(line, &entry); err != nil || entry.Hash == "" {
		return "", coreerrors.Wrap(
			fmt.Errorf("last audit entry for %s/%s is malformed", agentID, date),
			coreerrors.CategoryIntegrityViolation, "audit_tail_invalid", "run verify on the partition", false)
	}
	state.recovered = true
	state.lastHash = entry.Hash
	return entry.Hash, nil
}

type Query struct {
	From      time.Time
	To        time.Time
	Last      int
	Operation string
}

// GetLogs returns entries for an agent across partitions, oldest first.
func (ledger *Ledger) GetLogs(agentID string, query Query) ([]schemaguardian.AuditEntry, error) {
	dates, err := ledger.partitionDates(agentID)
	if err != nil {
		return nil, err
	}
	entries := make([]schemaguardian.AuditEntry, 0)
	for _, date := range dates {
		if !query.From.IsZero() && dateBefore(date, query.From) {
			continue
		}
		if !query.To.IsZero() && dateAfter(date, query.To) {
			continue
		}
		partitionEntries, _, err := ledger.readPartition(agentID, date)
		if err != nil {
			return nil, err
		}
		for _, entry := range partitionEntries {
			if !query.From.IsZero() && entry.Timestamp.Before(query.From) {
				continue
			}
			if !query.To.IsZero() && entry.Timestamp.After(query.To) {
				continue
			}
			if query.Operation != "" && entry.Operation != query.Operation {
				continue
			}
			entries = append(entries, entry)
		}
	}
	if query.Last > 0 && len(entries) > query.Last {
		entries = entries[len(entries)-query.Last:]
	}
	return entries, nil
}

type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Line    int    `json:"line,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Verify replays one partition from the sentinel, recomputing every hash and
// checking every prev_hash link. Tampering is reported, never repaired.
func (ledger *Ledger) Verify(agentID, date string) (VerifyResult, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return VerifyResult{}, coreerrors.Wrap(
			fmt.Errorf("invalid partition date %q", date),
			coreerrors.CategoryInvalidInput, "audit_date_invalid", "use YYYY-MM-DD", false)
	}
	// #nosec G304 -- partition path is derived from the configured audit directory.
	content, err := os.ReadFile(ledger.partitionPath(agentID, date))
	if err != nil {
		if os.IsNotExist(err) {
			return VerifyResult{}, coreerrors.Wrap(
				fmt.Errorf("no audit partition for %s on %s", agentID, date),
				coreerrors.CategoryNotFound, "audit_partition_missing", "check the agent id and date", false)
		}
		return VerifyResult{}, coreerrors.Wrap(
			fmt.Errorf("read audit partition: %w", err),
			coreerrors.CategoryIOFailure, "audit_read", "check audit directory permissions", true)
	}

	prevHash := ZeroHash
	lineNumber := 0
	verified := 0
	for _, raw := range strings.Split(string(content), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		lineNumber++
		var entry schemaguardian.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return VerifyResult{Entries: verified, Line: lineNumber, Reason: ReasonMalformedEntry}, nil
		}
		if entry.PrevHash != prevHash {
			return VerifyResult{Entries: verified, Line: lineNumber, Reason: ReasonChainBroken}, nil
		}
		expected, err := entryHash(entry)
		if err != nil {
			return VerifyResult{Entries: verified, Line: lineNumber, Reason: ReasonMalformedEntry}, nil
		}
		if expected != entry.Hash {
			return VerifyResult{Entries: verified, Line: lineNumber, Reason: ReasonHashMismatch}, nil
		}
		prevHash = entry.Hash
		verified++
	}
	return VerifyResult{Valid: true, Entries: verified}, nil
}

type Stats struct {
	AgentID     string         `json:"agent_id"`
	Days        int            `json:"days"`
	Total       int            `json:"total"`
	ByOperation map[string]int `json:"by_operation"`
	DaysActive  int            `json:"days_active"`
}

// Stats aggregates operation counts over the trailing window of partitions.
func (ledger *Ledger) Stats(agentID string, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	stats := Stats{AgentID: agentID, Days: days, ByOperation: make(map[string]int)}
	today := ledger.now()
	for offset := 0; offset < days; offset++ {
		date := today.AddDate(0, 0, -offset).Format(dateLayout)
		entries, exists, err := ledger.readPartition(agentID, date)
		if err != nil {
			return Stats{}, err
		}
		if !exists {
			continue
		}
		stats.DaysActive++
		for _, entry := range entries {
			stats.Total++
			stats.ByOperation[entry.Operation]++
		}
	}
	return stats, nil
}

func (ledger *Ledger) readPartition(agentID, date string) ([]schemaguardian.AuditEntry, bool, error) {
	// #nosec G304 -- partition path is derived from the configured audit directory.
	content, err := os.ReadFile(ledger.partitionPath(agentID, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, coreerrors.Wrap(
			fmt.Errorf("read audit partition: %w", err),
			coreerrors.CategoryIOFailure, "audit_read", "check audit directory permissions", true)
	}
	entries := make([]schemaguardian.AuditEntry, 0)
	for index, raw := range strings.Split(string(content), "\n") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var entry schemaguardian.AuditEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, true, coreerrors.Wrap(
				fmt.Errorf("audit partition %s/%s line %d is malformed", agentID, date, index+1),
				coreerrors.CategoryIntegrityViolation, "audit_entry_invalid", "run verify on the partition", false)
		}
		entries = append(entries, entry)
	}
	return entries, true, nil
}

func (ledger *Ledger) partitionDates(agentID string) ([]string, error) {
	dirEntries, err := os.ReadDir(filepath.Join(ledger.dir, agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, coreerrors.Wrap(
			fmt.Errorf("list audit partitions: %w", err),
			coreerrors.CategoryIOFailure, "audit_read", "check audit directory permissions", true)
	}
	dates := make([]string, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		dates = append(dates, strings.TrimSuffix(name, ".jsonl"))
	}
	sort.Strings(dates)
	return dates, nil
}

func (ledger *Ledger) partitionPath(agentID, date string) string {
	return filepath.Join(ledger.dir, agentID, date+".jsonl")
}

// entryHash computes the canonical digest of an entry with its own hash cleared.
func entryHash(entry schemaguardian.AuditEntry) (string, error) {
	entry.Hash = ""
	digest, err := jcs.DigestValue(entry)
	if err != nil {
		return "", fmt.Errorf("digest audit entry: %w", err)
	}
	return digest, nil
}

func dateBefore(date string, from time.Time) bool {
	parsed, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	return parsed.AddDate(0, 0, 1).Add(-time.Nanosecond).Before(from)
}

func dateAfter(date string, to time.Time) bool {
	parsed, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	return parsed.After(to)
}

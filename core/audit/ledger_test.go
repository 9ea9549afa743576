package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	coreerrors "github.com/sendwealth/agentguard/core/errors"
)

func newTestLedger(t *testing.T, dir string, now func() time.Time) *Ledger {
	t.Helper()
	if now == nil {
		base := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
		counter := 0
		now = func() time.Time {
			counter++
			return base.Add(time.Duration(counter) * time.Second)
		}
	}
	ledger, err := New(Options{Dir: dir, Now: now})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestLogChainsEntries(t *testing.T) {
	ledger := newTestLedger(t, t.TempDir(), nil)

	first, err := ledger.Log("bot1", "agent_registered", map[string]any{"owner": "alice"})
	if err != nil {
		t.Fatalf("first log: %v", err)
	}
	if first.PrevHash != ZeroHash {
		t.Fatalf("first entry must chain from the sentinel, got %s", first.PrevHash)
	}
	if len(first.Hash) != 64 {
		t.Fatalf("unexpected hash %q", first.Hash)
	}

	second, err := ledger.Log("bot1", "permission_check", map[string]any{"operation": "send_email"})
	if err != nil {
		t.Fatalf("second log: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("second entry must chain from the first, got %s", second.PrevHash)
	}
}

func TestChainHeadSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	first := newTestLedger(t, dir, nil)
	entry, err := first.Log("bot1", "agent_registered", nil)
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	// Fresh handle, same directory: the head comes from the stored tail.
	second := newTestLedger(t, dir, nil)
	next, err := second.Log("bot1", "credential_stored", map[string]any{"key": "api_token"})
	if err != nil {
		t.Fatalf("log after restart: %v", err)
	}
	if next.PrevHash != entry.Hash {
		t.Fatalf("expected chain continuation across restart, got %s want %s", next.PrevHash, entry.Hash)
	}
}

func TestPartitionsSplitByAgentAndDay(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, time.March, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, time.March, 2, 0, 1, 0, 0, time.UTC)
	current := day1
	ledger := newTestLedger(t, dir, func() time.Time { return current })

	if _, err := ledger.Log("bot1", "agent_registered", nil); err != nil {
		t.Fatalf("log day1: %v", err)
	}
	current = day2
	entry, err := ledger.Log("bot1", "permission_check", nil)
	if err != nil {
		t.Fatalf("log day2: %v", err)
	}
	if entry.PrevHash != ZeroHash {
		t.Fatalf("new day partition must restart from the sentinel, got %s", entry.PrevHash)
	}

	if _, err := os.Stat(filepath.Join(dir, "bot1", "2026-03-01.jsonl")); err != nil {
		t.Fatalf("missing day1 partition: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bot1", "2026-03-02.jsonl")); err != nil {
		t.Fatalf("missing day2 partition: %v", err)
	}
}

func TestConcurrentLogsKeepEveryChainValid(t *testing.T) {
	fixed := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	ledger := newTestLedger(t, t.TempDir(), func() time.Time { return fixed })

	agents := []string{"bot1", "bot2", "bot3", "bot4"}
	const perAgent = 25
	var wg sync.WaitGroup
	errs := make(chan error, len(agents)*perAgent)
	for _, agentID := range agents {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			for i := 0; i < perAgent; i++ {
				if _, err := ledger.Log(agentID, "operation_executed", map[string]any{"seq": i}); err != nil {
					errs <- err
				}
			}
		}(agentID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent log: %v", err)
	}

	for _, agentID := range agents {
		result, err := ledger.Verify(agentID, "2026-03-01")
		if err != nil {
			t.Fatalf("verify %s: %v", agentID, err)
		}
		if !result.Valid || result.Entries != perAgent {
			t.Fatalf("partition %s: %#v", agentID, result)
		}
	}
}

func TestVerifyCleanPartition(t *testing.T) {
	ledger := newTestLedger(t, t.TempDir(), nil)
	for index := 0; index < 5; index++ {
		if _, err := ledger.Log("bot1", "operation_executed", map[string]any{"n": index}); err != nil {
			t.Fatalf("log %d: %v", index, err)
		}
	}

	result, err := ledger.Verify("bot1", "2026-03-01")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !result.Valid || result.Entries != 5 {
		t.Fatalf("expected valid chain of 5, got %#v", result)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	ledger := newTestLedger(t, dir, nil)
	for index := 0; index < 3; index++ {
		if _, err := ledger.Log("bot1", "operation_executed", map[string]any{"n": index}); err != nil {
			t.Fatalf("log %d: %v", index, err)
		}
	}

	partition := filepath.Join(dir, "bot1", "2026-03-01.jsonl")
	content, err := os.ReadFile(partition)
	if err != nil {
		t.Fatalf("read partition: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")

	// Flip a detail on the middle entry without touching its stored hash.
	var tampered map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &tampered); err != nil {
		t.Fatalf("unmarshal middle entry: %v", err)
	}
	tampered["details"] = map[string]any{"n": 99}
	altered, err := json.Marshal(tampered)
	if err != nil {
		t.Fatalf("marshal tampered entry: %v", err)
	}
	lines[1] = string(altered)
	if err := os.WriteFile(partition, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write tampered partition: %v", err)
	}

	result, err := ledger.Verify("bot1", "2026-03-01")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("expected invalid chain, got %#v", result)
	}
	if result.Reason != ReasonHashMismatch || result.Line != 2 {
		t.Fatalf("expected hash_mismatch at line 2, got %#v", result)
	}
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	dir := t.TempDir()
	ledger := newTestLedger(t, dir, nil)
	for index := 0; index < 3; index++ {
		if _, err := ledger.Log("bot1", "operation_executed", map[string]any{"n": index}); err != nil {
			t.Fatalf("log %d: %v", index, err)
		}
	}

	// Drop the middle entry entirely so the third link no longer matches.
	partition := filepath.Join(dir, "bot1", "2026-03-01.jsonl")
	content, err := os.ReadFile(partition)
	if err != nil {
		t.Fatalf("read partition: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if err := os.WriteFile(partition, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o600); err != nil {
		t.Fatalf("write truncated partition: %v", err)
	}

	result, err := ledger.Verify("bot1", "2026-03-01")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Valid || result.Reason != ReasonChainBroken || result.Line != 2 {
		t.Fatalf("expected chain_broken at line 2, got %#v", result)
	}
}

func TestVerifyMissingPartitionIsNotFound(t *testing.T) {
	ledger := newTestLedger(t, t.TempDir(), nil)
	_, err := ledger.Verify("ghost", "2026-03-01")
	if coreerrors.CategoryOf(err) != coreerrors.CategoryNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetLogsFilters(t *testing.T) {
	ledger := newTestLedger(t, t.TempDir(), nil)
	operations := []string{"agent_registered", "permission_check", "permission_check", "operation_executed"}
	for _, operation := range operations {
		if _, err := ledger.Log("bot1", operation, nil); err != nil {
			t.Fatalf("log %s: %v", operation, err)
		}
	}

	all, err := ledger.GetLogs("bot1", Query{})
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(all))
	}

	checks, err := ledger.GetLogs("bot1", Query{Operation: "permission_check"})
	if err != nil {
		t.Fatalf("get filtered logs: %v", err)
	}
	if len(checks) != 2 {
		t.Fatalf("expected 2 permission checks, got %d", len(checks))
	}

	last, err := ledger.GetLogs("bot1", Query{Last: 1})
	if err != nil {
		t.Fatalf("get last: %v", err)
	}
	if len(last) != 1 || last[0].Operation != "operation_executed" {
		t.Fatalf("expected the newest entry, got %#v", last)
	}

	none, err := ledger.GetLogs("ghost", Query{})
	if err != nil {
		t.Fatalf("get logs for unknown agent: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected empty slice for unknown agent, got %d entries", len(none))
	}
}

func TestStatsAggregatesWindow(t *testing.T) {
	dir := t.TempDir()
	day1 := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	current := day1
	ledger := newTestLedger(t, dir, func() time.Time { return current })

	if _, err := ledger.Log("bot1", "permission_check", nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	if _, err := ledger.Log("bot1", "operation_executed", nil); err != nil {
		t.Fatalf("log: %v", err)
	}
	current = day2
	if _, err := ledger.Log("bot1", "permission_check", nil); err != nil {
		t.Fatalf("log: %v", err)
	}

	stats, err := ledger.Stats("bot1", 7)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.DaysActive != 2 {
		t.Fatalf("unexpected stats: %#v", stats)
	}
	if stats.ByOperation["permission_check"] != 2 || stats.ByOperation["operation_executed"] != 1 {
		t.Fatalf("unexpected operation counts: %#v", stats.ByOperation)
	}

	// A one-day window sees only the newest partition.
	narrow, err := ledger.Stats("bot1", 1)
	if err != nil {
		t.Fatalf("narrow stats: %v", err)
	}
	if narrow.Total != 1 {
		t.Fatalf("expected 1 entry in one-day window, got %#v", narrow)
	}
}

func TestLogRejectsEmptyFields(t *testing.T) {
	ledger := newTestLedger(t, t.TempDir(), nil)
	if _, err := ledger.Log("", "op", nil); coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input for empty agent id, got %v", err)
	}
	if _, err := ledger.Log("bot1", "  ", nil); coreerrors.CategoryOf(err) != coreerrors.CategoryInvalidInput {
		t.Fatalf("expected invalid input for empty operation, got %v", err)
	}
}

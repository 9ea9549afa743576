package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/fsx"
	schemavalidate "github.com/sendwealth/agentguard/core/schema/validate"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

const (
	approvalRequestSchemaID = "agentguard.gate.approval_request"
	approvalRequestSchemaV1 = "1.0.0"

	DefaultApprovalTimeout = 5 * time.Minute
	DefaultPollInterval    = 500 * time.Millisecond
)

// Gate stores approval requests as one JSON file per request. Pending requests
// live under pending/, every terminal state under processed/. Expiry is lazy:
// an overdue request is marked expired on the next read that touches it, and an
// expired request can never be approved or denied afterwards.
type Gate struct {
	pendingDir   string
	processedDir string
	timeout      time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger
	watcher      *fsnotify.Watcher

	mu      sync.Mutex
	waiters map[string][]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

type Options struct {
	Dir             string
	ApprovalTimeout time.Duration
	PollInterval    time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

func New(options Options) (*Gate, error) {
	dir := strings.TrimSpace(options.Dir)
	if dir == "" {
		return nil, fmt.Errorf("gate directory is required")
	}
	timeout := options.ApprovalTimeout
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gate := &Gate{
		pendingDir:   filepath.Join(dir, "pending"),
		processedDir: filepath.Join(dir, "processed"),
		timeout:      timeout,
		pollInterval: pollInterval,
		now:          now,
		logger:       logger,
		waiters:      make(map[string][]chan struct{}),
		closed:       make(chan struct{}),
	}
	for _, sub := range []string{gate.pendingDir, gate.processedDir} {
		if err := os.MkdirAll(sub, 0o750); err != nil {
			return nil, fmt.Errorf("create gate directory: %w", err)
		}
	}

	// The watcher wakes waiters as soon as a resolution lands in processed/.
	// The poll ticker remains as a fallback, so a watcher failure only costs
	// latency, never correctness.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("approval watcher unavailable, falling back to polling", "error", err)
	} else if err := watcher.Add(gate.processedDir); err != nil {
		logger.Warn("approval watcher unavailable, falling back to polling", "error", err)
		_ = watcher.Close()
	} else {
		gate.watcher = watcher
	}
	go gate.watchLoop()
	return gate, nil
}

func (gate *Gate) Close() error {
	gate.closeOnce.Do(func() { close(gate.closed) })
	if gate.watcher != nil {
		return gate.watcher.Close()
	}
	return nil
}

// Request files a new pending approval request and returns it.
func (gate *Gate) Request(agentID, operation string, details map[string]any) (schemaguardian.ApprovalRequest, error) {
	agentID = strings.TrimSpace(agentID)
	operation = strings.TrimSpace(operation)
	if agentID == "" || operation == "" {
		return schemaguardian.ApprovalRequest{}, coreerrors.Wrap(
			fmt.Errorf("agent id and operation are required"),
			coreerrors.CategoryInvalidInput, "approval_fields_required", "provide agent id and operation", false)
	}

	createdAt := gate.now()
	request := schemaguardian.ApprovalRequest{
		SchemaID:      approvalRequestSchemaID,
		SchemaVersion: approvalRequestSchemaV1,
		RequestID:     uuid.NewString(),
		AgentID:       agentID,
		Operation:     operation,
		Details:       details,
		Status:        schemaguardian.ApprovalPending,
		CreatedAt:     createdAt,
		ExpiresAt:     createdAt.Add(gate.timeout),
	}
	if err := gate.writeRequest(gate.pendingDir, request); err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	return request, nil
}

// Get returns a request by id, applying lazy expiry to overdue pending ones.
func (gate *Gate) Get(requestID string) (schemaguardian.ApprovalRequest, error) {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	return gate.getLocked(requestID)
}

func (gate *Gate) getLocked(requestID string) (schemaguardian.ApprovalRequest, error) {
	request, pending, err := gate.loadRequest(requestID)
	if err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	if pending && request.Status == schemaguardian.ApprovalPending && gate.now().After(request.ExpiresAt) {
		return gate.expireLocked(request)
	}
	return request, nil
}

// Approve resolves a pending request. Expiry wins over a late decision, and a
// request already in a terminal state cannot be resolved twice.
func (gate *Gate) Approve(requestID, by, reason string) (schemaguardian.ApprovalRequest, error) {
	return gate.resolve(requestID, schemaguardian.ApprovalApproved, by, reason)
}

// Deny resolves a pending request with a denial.
func (gate *Gate) Deny(requestID, by, reason string) (schemaguardian.ApprovalRequest, error) {
	return gate.resolve(requestID, schemaguardian.ApprovalDenied, by, reason)
}

func (gate *Gate) resolve(requestID, status, by, reason string) (schemaguardian.ApprovalRequest, error) {
	by = strings.TrimSpace(by)
	if by == "" {
		return schemaguardian.ApprovalRequest{}, coreerrors.Wrap(
			fmt.Errorf("resolver identity is required"),
			coreerrors.CategoryInvalidInput, "approval_by_required", "provide the approver identity", false)
	}

	gate.mu.Lock()
	defer gate.mu.Unlock()

	request, err := gate.getLocked(requestID)
	if err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	switch request.Status {
	case schemaguardian.ApprovalPending:
	case schemaguardian.ApprovalExpired:
		return schemaguardian.ApprovalRequest{}, coreerrors.Wrap(
			fmt.Errorf("request %s expired at %s", requestID, request.ExpiresAt.Format(time.RFC3339)),
			coreerrors.CategoryApprovalExpired, "approval_expired", "file a new approval request", false)
	default:
		return schemaguardian.ApprovalRequest{}, coreerrors.Wrap(
			fmt.Errorf("request %s is already %s", requestID, request.Status),
			coreerrors.CategoryAlreadyProcessed, "approval_already_processed", "each request resolves exactly once", false)
	}

	request.Status = status
	request.Response = &schemaguardian.ApprovalResponse{
		By:         by,
		Reason:     reason,
		ResolvedAt: gate.now(),
	}
	if err := gate.moveToProcessedLocked(request); err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	gate.signalLocked(requestID)
	return request, nil
}

// WaitForApproval blocks until the request reaches a terminal state, the
// request expires, or the context is cancelled. It returns the terminal
// request; translating denial or expiry into errors is the caller's concern.
func (gate *Gate) WaitForApproval(ctx context.Context, requestID string) (schemaguardian.ApprovalRequest, error) {
	signal := gate.addWaiter(requestID)
	defer gate.removeWaiter(requestID, signal)

	for {
		request, err := gate.Get(requestID)
		if err != nil {
			return schemaguardian.ApprovalRequest{}, err
		}
		if request.Status != schemaguardian.ApprovalPending {
			return request, nil
		}
		select {
		case <-ctx.Done():
			return schemaguardian.ApprovalRequest{}, ctx.Err()
		case <-signal:
		case <-time.After(gate.pollInterval):
		}
	}
}

// ListPending returns pending requests oldest first, expiring overdue ones
// along the way.
func (gate *Gate) ListPending() ([]schemaguardian.ApprovalRequest, error) {
	gate.mu.Lock()
	defer gate.mu.Unlock()

	ids, err := gate.pendingIDsLocked()
	if err != nil {
		return nil, err
	}
	pending := make([]schemaguardian.ApprovalRequest, 0, len(ids))
	for _, requestID := range ids {
		request, err := gate.getLocked(requestID)
		if err != nil {
			return nil, err
		}
		if request.Status == schemaguardian.ApprovalPending {
			pending = append(pending, request)
		}
	}
	sort.Slice(pending, func(left, right int) bool {
		return pending[left].CreatedAt.Before(pending[right].CreatedAt)
	})
	return pending, nil
}

// Cleanup expires every overdue pending request and returns how many moved.
func (gate *Gate) Cleanup() (int, error) {
	gate.mu.Lock()
	defer gate.mu.Unlock()

	ids, err := gate.pendingIDsLocked()
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, requestID := range ids {
		request, err := gate.getLocked(requestID)
		if err != nil {
			return expired, err
		}
		if request.Status == schemaguardian.ApprovalExpired {
			expired++
		}
	}
	return expired, nil
}

func (gate *Gate) expireLocked(request schemaguardian.ApprovalRequest) (schemaguardian.ApprovalRequest, error) {
	request.Status = schemaguardian.ApprovalExpired
	if err := gate.moveToProcessedLocked(request); err != nil {
		return schemaguardian.ApprovalRequest{}, err
	}
	gate.signalLocked(request.RequestID)
	return request, nil
}

func (gate *Gate) moveToProcessedLocked(request schemaguardian.ApprovalRequest) error {
	if err := gate.writeRequest(gate.processedDir, request); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(gate.pendingDir, request.RequestID+".json")); err != nil && !os.IsNotExist(err) {
		return coreerrors.Wrap(
			fmt.Errorf("remove pending request: %w", err),
			coreerrors.CategoryIOFailure, "approval_write", "check gate directory permissions", true)
	}
	return nil
}

func (gate *Gate) writeRequest(dir string, request schemaguardian.ApprovalRequest) error {
	content, err := json.MarshalIndent(request, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}
	path := filepath.Join(dir, request.RequestID+".json")
	if err := fsx.WriteFileAtomic(path, content, 0o600); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("write approval request: %w", err),
			coreerrors.CategoryIOFailure, "approval_write", "check gate directory permissions", true)
	}
	return nil
}

// loadRequest reads pending/ first, then processed/. The bool reports whether
// the file still lives in pending/.
func (gate *Gate) loadRequest(requestID string) (schemaguardian.ApprovalRequest, bool, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" || strings.ContainsAny(requestID, "/\\") {
		return schemaguardian.ApprovalRequest{}, false, coreerrors.Wrap(
			fmt.Errorf("invalid request id %q", requestID),
			coreerrors.CategoryInvalidInput, "approval_id_invalid", "use the id returned when the request was filed", false)
	}
	for _, location := range []struct {
		dir     string
		pending bool
	}{
		{gate.pendingDir, true},
		{gate.processedDir, false},
	} {
		// #nosec G304 -- request path is derived from the configured gate directory.
		content, err := os.ReadFile(filepath.Join(location.dir, requestID+".json"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return schemaguardian.ApprovalRequest{}, false, coreerrors.Wrap(
				fmt.Errorf("read approval request: %w", err),
				coreerrors.CategoryIOFailure, "approval_read", "check gate directory permissions", true)
		}
		if err := schemavalidate.ApprovalRequest(content); err != nil {
			return schemaguardian.ApprovalRequest{}, false, coreerrors.Wrap(
				fmt.Errorf("approval request %s failed validation: %w", requestID, err),
				coreerrors.CategoryIntegrityViolation, "approval_invalid", "the stored request does not match its schema", false)
		}
		var request schemaguardian.ApprovalRequest
		if err := json.Unmarshal(content, &request); err != nil {
			return schemaguardian.ApprovalRequest{}, false, coreerrors.Wrap(
				fmt.Errorf("decode approval request: %w", err),
				coreerrors.CategoryIntegrityViolation, "approval_invalid", "the stored request is not valid JSON", false)
		}
		return request, location.pending, nil
	}
	return schemaguardian.ApprovalRequest{}, false, coreerrors.Wrap(
		fmt.Errorf("approval request %s not found", requestID),
		coreerrors.CategoryNotFound, "approval_missing", "check the request id", false)
}

func (gate *Gate) pendingIDsLocked() ([]string, error) {
	dirEntries, err := os.ReadDir(gate.pendingDir)
	if err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("list pending requests: %w", err),
			coreerrors.CategoryIOFailure, "approval_read", "check gate directory permissions", true)
	}
	ids := make([]string, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (gate *Gate) addWaiter(requestID string) chan struct{} {
	signal := make(chan struct{}, 1)
	gate.mu.Lock()
	gate.waiters[requestID] = append(gate.waiters[requestID], signal)
	gate.mu.Unlock()
	return signal
}

func (gate *Gate) removeWaiter(requestID string, signal chan struct{}) {
	gate.mu.Lock()
	defer gate.mu.Unlock()
	remaining := gate.waiters[requestID][:0]
	for _, waiter := range gate.waiters[requestID] {
		if waiter != signal {
			remaining = append(remaining, waiter)
		}
	}
	if len(remaining) == 0 {
		delete(gate.waiters, requestID)
	} else {
		gate.waiters[requestID] = remaining
	}
}

func (gate *Gate) signalLocked(requestID string) {
	for _, waiter := range gate.waiters[requestID] {
		select {
		case waiter <- struct{}{}:
		default:
		}
	}
}

func (gate *Gate) watchLoop() {
	var events <-chan fsnotify.Event
	var watchErrors <-chan error
	if gate.watcher != nil {
		events = gate.watcher.Events
		watchErrors = gate.watcher.Errors
	}
	for {
		select {
		case <-gate.closed:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			requestID := strings.TrimSuffix(filepath.Base(event.Name), ".json")
			gate.mu.Lock()
			gate.signalLocked(requestID)
			gate.mu.Unlock()
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			gate.logger.Warn("approval watcher error", "error", err)
		}
	}
}

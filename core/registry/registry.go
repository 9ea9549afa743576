package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/fsx"
	validate "github.com/sendwealth/agentguard/core/schema/validate"
	schemaguardian "github.com/sendwealth/agentguard/core/schema/v1/guardian"
)

const (
	registryDocumentSchemaID = "agentguard.registry.document"
	registryDocumentSchemaV1 = "1.0.0"
)

// Stats counter fields accepted by IncrementStats.
const (
	StatOperations = "operations"
	StatApprovals  = "approvals"
	StatDenials    = "denials"
)

// Store is a durable agent registry backed by one schema-validated JSON
// document. All mutations are load-modify-write under a single mutex.
type Store struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

type StoreOptions struct {
	Path string
	Now  func() time.Time
}

func NewStore(options StoreOptions) (*Store, error) {
	path := strings.TrimSpace(options.Path)
	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{path: path, now: now}, nil
}

type RegisterOptions struct {
	Owner           string
	Level           string
	DangerousPolicy string
}

type Update struct {
	Owner           string
	Status          string
	Level           string
	DangerousPolicy string
}

type Filter struct {
	Status string
	Owner  string
	Level  string
}

// Register creates a new agent record. Registering an existing agentId fails
// so a second actor cannot hijack an agent's permission state.
func (store *Store) Register(agentID string, options RegisterOptions) (schemaguardian.AgentRecord, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return schemaguardian.AgentRecord{}, coreerrors.Wrap(
			fmt.Errorf("agent id is required"),
			coreerrors.CategoryInvalidInput, "agent_id_required", "provide a non-empty agent id", false)
	}
	level := strings.TrimSpace(options.Level)
	if level == "" {
		level = schemaguardian.LevelRead
	}
	if !validLevel(level) {
		return schemaguardian.AgentRecord{}, coreerrors.Wrap(
			fmt.Errorf("unknown permission level: %s", level),
			coreerrors.CategoryInvalidInput, "level_unknown", "use read, write, admin, or dangerous", false)
	}
	policy := strings.TrimSpace(options.DangerousPolicy)
	if policy == "" {
		policy = schemaguardian.PolicyRequireApproval
	}
	if !validPolicy(policy) {
		return schemaguardian.AgentRecord{}, coreerrors.Wrap(
			fmt.Errorf("unknown dangerous policy: %s", policy),
			coreerrors.CategoryInvalidInput, "policy_unknown", "use require-approval, auto-approve, or never-allow", false)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	document, err := store.loadDocument()
	if err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	if _, exists := findAgent(document, agentID); exists {
		return schemaguardian.AgentRecord{}, coreerrors.Wrap(
			fmt.Errorf("agent %s already registered", agentID),
			coreerrors.CategoryInvalidInput, "agent_exists", "agent ids are taken permanently; pick a different id", false)
	}

	createdAt := store.now()
	record := schemaguardian.AgentRecord{
		AgentID:   agentID,
		UUID:      uuid.NewString(),
		Owner:     strings.TrimSpace(options.Owner),
		Status:    schemaguardian.StatusActive,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		Permissions: schemaguardian.AgentPermissions{
			Level:           level,
			DangerousPolicy: policy,
		},
	}
	document.Agents = append(document.Agents, record)
	if err := store.saveDocument(document); err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	return record, nil
}

// Get returns an agent record. Removed agents report not found while their
// record stays on disk for audit joins.
func (store *Store) Get(agentID string) (schemaguardian.AgentRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	document, err := store.loadDocument()
	if err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	index, exists := findAgent(document, agentID)
	if !exists || document.Agents[index].Status == schemaguardian.StatusRemoved {
		return schemaguardian.AgentRecord{}, notFound(agentID)
	}
	return document.Agents[index], nil
}

// Update applies a partial merge: empty fields leave the record unchanged.
func (store *Store) Update(agentID string, update Update) (schemaguardian.AgentRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.mutate(agentID, func(record *schemaguardian.AgentRecord) error {
		if owner := strings.TrimSpace(update.Owner); owner != "" {
			record.Owner = owner
		}
		if status := strings.TrimSpace(update.Status); status != "" {
			if !validStatus(status) {
				return coreerrors.Wrap(
					fmt.Errorf("unknown status: %s", status),
					coreerrors.CategoryInvalidInput, "status_unknown", "use active, suspended, or removed", false)
			}
			record.Status = status
		}
		if level := strings.TrimSpace(update.Level); level != "" {
			if !validLevel(level) {
				return coreerrors.Wrap(
					fmt.Errorf("unknown permission level: %s", level),
					coreerrors.CategoryInvalidInput, "level_unknown", "use read, write, admin, or dangerous", false)
			}
			record.Permissions.Level = level
		}
		if policy := strings.TrimSpace(update.DangerousPolicy); policy != "" {
			if !validPolicy(policy) {
				return coreerrors.Wrap(
					fmt.Errorf("unknown dangerous policy: %s", policy),
					coreerrors.CategoryInvalidInput, "policy_unknown", "use require-approval, auto-approve, or never-allow", false)
			}
			record.Permissions.DangerousPolicy = policy
		}
		return nil
	})
}

// Unregister soft-removes an agent; the record is retained with status removed.
func (store *Store) Unregister(agentID string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	_, err := store.mutate(agentID, func(record *schemaguardian.AgentRecord) error {
		record.Status = schemaguardian.StatusRemoved
		return nil
	})
	return err
}

// List returns agents matching the filter, removed agents excluded, sorted by id.
func (store *Store) List(filter Filter) ([]schemaguardian.AgentRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	document, err := store.loadDocument()
	if err != nil {
		return nil, err
	}
	records := make([]schemaguardian.AgentRecord, 0, len(document.Agents))
	for _, record := range document.Agents {
		if record.Status == schemaguardian.StatusRemoved && filter.Status != schemaguardian.StatusRemoved {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.Owner != "" && record.Owner != filter.Owner {
			continue
		}
		if filter.Level != "" && record.Permissions.Level != filter.Level {
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].AgentID < records[j].AgentID
	})
	return records, nil
}

// IncrementStats bumps one monotonic counter on an agent record.
func (store *Store) IncrementStats(agentID, field string) (schemaguardian.AgentRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.mutate(agentID, func(record *schemaguardian.AgentRecord) error {
		switch field {
		case StatOperations:
			record.Stats.Operations++
		case StatApprovals:
			record.Stats.Approvals++
		case StatDenials:
			record.Stats.Denials++
		default:
			return coreerrors.Wrap(
				fmt.Errorf("unknown stats field: %s", field),
				coreerrors.CategoryInvalidInput, "stats_field_unknown", "use operations, approvals, or denials", false)
		}
		return nil
	})
}

func (store *Store) mutate(agentID string, apply func(*schemaguardian.AgentRecord) error) (schemaguardian.AgentRecord, error) {
	document, err := store.loadDocument()
	if err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	index, exists := findAgent(document, agentID)
	if !exists || document.Agents[index].Status == schemaguardian.StatusRemoved {
		return schemaguardian.AgentRecord{}, notFound(agentID)
	}
	record := document.Agents[index]
	if err := apply(&record); err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	record.UpdatedAt = store.now()
	document.Agents[index] = record
	if err := store.saveDocument(document); err != nil {
		return schemaguardian.AgentRecord{}, err
	}
	return record, nil
}

func (store *Store) loadDocument() (schemaguardian.RegistryDocument, error) {
	// #nosec G304 -- registry path is configured local state.
	content, err := os.ReadFile(store.path)
	if err != nil {
		if os.IsNotExist(err) {
			return schemaguardian.RegistryDocument{
				SchemaID:      registryDocumentSchemaID,
				SchemaVersion: registryDocumentSchemaV1,
			}, nil
		}
		return schemaguardian.RegistryDocument{}, coreerrors.Wrap(
			fmt.Errorf("read registry document: %w", err),
			coreerrors.CategoryIOFailure, "registry_read", "check registry file permissions", true)
	}
	if err := validate.RegistryDocument(content); err != nil {
		return schemaguardian.RegistryDocument{}, coreerrors.Wrap(
			fmt.Errorf("registry document invalid: %w", err),
			coreerrors.CategoryIntegrityViolation, "registry_invalid", "restore the registry document from backup", false)
	}
	var document schemaguardian.RegistryDocument
	if err := json.Unmarshal(content, &document); err != nil {
		return schemaguardian.RegistryDocument{}, coreerrors.Wrap(
			fmt.Errorf("parse registry document: %w", err),
			coreerrors.CategoryIntegrityViolation, "registry_invalid", "restore the registry document from backup", false)
	}
	return document, nil
}

func (store *Store) saveDocument(document schemaguardian.RegistryDocument) error {
	document.SchemaID = registryDocumentSchemaID
	document.SchemaVersion = registryDocumentSchemaV1
	document.UpdatedAt = store.now()
	sort.Slice(document.Agents, func(i, j int) bool {
		return document.Agents[i].AgentID < document.Agents[j].AgentID
	})
	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry document: %w", err)
	}
	encoded = append(encoded, '\n')
	if err := os.MkdirAll(filepath.Dir(store.path), 0o750); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("create registry directory: %w", err),
			coreerrors.CategoryIOFailure, "registry_write", "check registry directory permissions", true)
	}
	if err := fsx.WriteFileAtomic(store.path, encoded, 0o600); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("write registry document: %w", err),
			coreerrors.CategoryIOFailure, "registry_write", "check registry directory permissions", true)
	}
	return nil
}

func findAgent(document schemaguardian.RegistryDocument, agentID string) (int, bool) {
	for index, record := range document.Agents {
		if record.AgentID == agentID {
			return index, true
		}
	}
	return 0, false
}

func notFound(agentID string) error {
	return coreerrors.Wrap(
		fmt.Errorf("agent %s not found", agentID),
		coreerrors.CategoryNotFound, "agent_missing", "register the agent first", false)
}

func validLevel(level string) bool {
	switch level {
	case schemaguardian.LevelRead, schemaguardian.LevelWrite, schemaguardian.LevelAdmin, schemaguardian.LevelDangerous:
		return true
	}
	return false
}

func validPolicy(policy string) bool {
	switch policy {
	case schemaguardian.PolicyRequireApproval, schemaguardian.PolicyAutoApprove, schemaguardian.PolicyNeverAllow:
		return true
	}
	return false
}

func validStatus(status string) bool {
	switch status {
	case schemaguardian.StatusActive, schemaguardian.StatusSuspended, schemaguardian.StatusRemoved:
		return true
	}
	return false
}

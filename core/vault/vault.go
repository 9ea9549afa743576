package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	coreerrors "github.com/sendwealth/agentguard/core/errors"
	"github.com/sendwealth/agentguard/core/fsx"
)

const (
	saltSize  = 32
	keySize   = 32
	nonceSize = 12

	// DefaultKDFIterations is deliberately slow; the floor below is a hard
	// minimum enforced at construction.
	DefaultKDFIterations = 150_000
	minKDFIterations     = 100_000

	// SourceLocal marks a record stored directly into the vault rather than
	// cached back from an external provider.
	SourceLocal = "local"
)

// SecretRecord is one decrypted entry of an agent's secret container.
type SecretRecord struct {
	Value     string    `json:"value"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// KeyInfo is the metadata-only view returned by ListKeys.
type KeyInfo struct {
	Key       string    `json:"key"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExternalProvider is an optional secondary credential source layered
// cache-aside in front of the local vault. The local encrypted copy stays
// authoritative when the provider is unreachable.
type ExternalProvider interface {
	Name() string
	Fetch(agentID, key string) (value string, found bool, err error)
	Put(agentID, key, value string) error
}

// Vault stores per-agent secret containers encrypted with a key derived from
// the operator master passphrase and a per-agent salt.
type Vault struct {
	dir        string
	master     []byte
	iterations int
	provider   ExternalProvider
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	agents map[string]*agentState
}

// agentState serializes read-modify-encrypt-write per agent and caches the
// derived key and decrypted container for the process lifetime.
type agentState struct {
	mu      sync.Mutex
	key     []byte
	records map[string]SecretRecord
}

type Options struct {
	Dir            string
	MasterPassword string
	KDFIterations  int
	Provider       ExternalProvider
	Logger         *slog.Logger
	Now            func() time.Time
}

func New(options Options) (*Vault, error) {
	dir := strings.TrimSpace(options.Dir)
	if dir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	if options.MasterPassword == "" {
		return nil, fmt.Errorf("master passphrase is required")
	}
	iterations := options.KDFIterations
	if iterations == 0 {
		iterations = DefaultKDFIterations
	}
	if iterations < minKDFIterations {
		return nil, fmt.Errorf("kdf iterations must be at least %d", minKDFIterations)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}
	return &Vault{
		dir:        dir,
		master:     []byte(options.MasterPassword),
		iterations: iterations,
		provider:   options.Provider,
		logger:     logger,
		now:        now,
		agents:     make(map[string]*agentState),
	}, nil
}

// Store writes one secret, re-encrypting the agent's whole container.
func (vault *Vault) Store(agentID, key, value string) error {
	if err := validateAgentAndKey(agentID, key); err != nil {
		return err
	}
	state := vault.agentState(agentID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := vault.loadRecords(state, agentID); err != nil {
		return err
	}
	timestamp := vault.now()
	previous, exists := state.records[key]
	record := previous
	if !exists {
		record = SecretRecord{CreatedAt: timestamp}
	}
	record.Value = value
	record.Source = SourceLocal
	record.UpdatedAt = timestamp
	state.records[key] = record

	if err := vault.persistRecords(state, agentID); err != nil {
		// The container on disk still holds the last persisted state, so the
		// cache must roll back to match it.
		if exists {
			state.records[key] = previous
		} else {
			delete(state.records, key)
		}
		return err
	}

	if vault.provider != nil {
		if err := vault.provider.Put(agentID, key, value); err != nil {
			vault.logger.Warn("external provider store failed",
				"provider", vault.provider.Name(), "agent_id", agentID, "key", key, "error", err)
		}
	}
	return nil
}

// Get returns one secret's plaintext. An external provider, when configured,
// is consulted first; provider hits are cached back into the local container.
func (vault *Vault) Get(agentID, key string) (string, error) {
	if err := validateAgentAndKey(agentID, key); err != nil {
		return "", err
	}
	state := vault.agentState(agentID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if vault.provider != nil {
		value, found, err := vault.provider.Fetch(agentID, key)
		if err != nil {
			vault.logger.Warn("external provider fetch failed, using local vault",
				"provider", vault.provider.Name(), "agent_id", agentID, "key", key, "error", err)
		} else if found {
			if cacheErr := vault.cacheExternal(state, agentID, key, value); cacheErr != nil {
				vault.logger.Warn("caching external credential failed",
					"provider", vault.provider.Name(), "agent_id", agentID, "key", key, "error", cacheErr)
			}
			return value, nil
		}
	}

	if err := vault.loadRecords(state, agentID); err != nil {
		return "", err
	}
	record, exists := state.records[key]
	if !exists {
		return "", coreerrors.Wrap(
			fmt.Errorf("credential %s not found for agent %s", key, agentID),
			coreerrors.CategoryNotFound, "credential_missing", "store the credential first", false)
	}
	return record.Value, nil
}

// Delete removes one secret and reports whether it existed.
func (vault *Vault) Delete(agentID, key string) (bool, error) {
	if err := validateAgentAndKey(agentID, key); err != nil {
		return false, err
	}
	state := vault.agentState(agentID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := vault.loadRecords(state, agentID); err != nil {
		return false, err
	}
	if _, exists := state.records[key]; !exists {
		return false, nil
	}
	removed := state.records[key]
	delete(state.records, key)
	if err := vault.persistRecords(state, agentID); err != nil {
		state.records[key] = removed
		return false, err
	}
	return true, nil
}

// ListKeys returns metadata for every stored secret, never plaintext.
func (vault *Vault) ListKeys(agentID string) ([]KeyInfo, error) {
	if err := validateAgentAndKey(agentID, "-"); err != nil {
		return nil, err
	}
	state := vault.agentState(agentID)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := vault.loadRecords(state, agentID); err != nil {
		return nil, err
	}
	infos := make([]KeyInfo, 0, len(state.records))
	for key, record := range state.records {
		infos = append(infos, KeyInfo{
			Key:       key,
			Source:    record.Source,
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos, nil
}

func (vault *Vault) cacheExternal(state *agentState, agentID, key, value string) error {
	if err := vault.loadRecords(state, agentID); err != nil {
		return err
	}
	timestamp := vault.now()
	previous, exists := state.records[key]
	if exists && previous.Value == value {
		return nil
	}
	record := previous
	if !exists {
		record = SecretRecord{CreatedAt: timestamp}
	}
	record.Value = value
	record.Source = vault.provider.Name()
	record.UpdatedAt = timestamp
	state.records[key] = record
	if err := vault.persistRecords(state, agentID); err != nil {
		if exists {
			state.records[key] = previous
		} else {
			delete(state.records, key)
		}
		return err
	}
	return nil
}

func (vault *Vault) agentState(agentID string) *agentState {
	vault.mu.Lock()
	defer vault.mu.Unlock()
	state, exists := vault.agents[agentID]
	if !exists {
		state = &agentState{}
		vault.agents[agentID] = state
	}
	return state
}

// loadRecords fills the decrypted cache; callers hold the agent mutex.
func (vault *Vault) loadRecords(state *agentState, agentID string) error {
	if state.records != nil {
		return nil
	}
	key, err := vault.deriveKey(state, agentID)
	if err != nil {
		return err
	}

	// #nosec G304 -- container path is derived from the configured vault directory.
	blob, err := os.ReadFile(vault.containerPath(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			state.records = make(map[string]SecretRecord)
			return nil
		}
		return coreerrors.Wrap(
			fmt.Errorf("read vault container: %w", err),
			coreerrors.CategoryIOFailure, "vault_read", "check vault directory permissions", true)
	}

	plaintext, err := decryptContainer(key, blob)
	if err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("decrypt vault container for agent %s: %w", agentID, err),
			coreerrors.CategoryAuthenticationFailure, "vault_auth",
			"check the master passphrase; the container may be corrupted", false)
	}
	records := make(map[string]SecretRecord)
	if err := json.Unmarshal(plaintext, &records); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("parse vault container for agent %s: %w", agentID, err),
			coreerrors.CategoryAuthenticationFailure, "vault_auth",
			"container decrypted but did not parse; the store is corrupted", false)
	}
	state.records = records
	return nil
}

// persistRecords re-encrypts and rewrites the whole container; callers hold
// the agent mutex. Whole-map rewrites avoid partial-update corruption.
func (vault *Vault) persistRecords(state *agentState, agentID string) error {
	key, err := vault.deriveKey(state, agentID)
	if err != nil {
		return err
	}
	plaintext, err := json.Marshal(state.records)
	if err != nil {
		return fmt.Errorf("marshal vault container: %w", err)
	}
	blob, err := encryptContainer(key, plaintext)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(vault.containerPath(agentID), blob, 0o600); err != nil {
		return coreerrors.Wrap(
			fmt.Errorf("write vault container: %w", err),
			coreerrors.CategoryIOFailure, "vault_write", "check vault directory permissions", true)
	}
	return nil
}

func (vault *Vault) deriveKey(state *agentState, agentID string) ([]byte, error) {
	if state.key != nil {
		return state.key, nil
	}
	salt, err := vault.loadOrCreateSalt(agentID)
	if err != nil {
		return nil, err
	}
	state.key = pbkdf2.Key(vault.master, salt, vault.iterations, keySize, sha256.New)
	return state.key, nil
}

func (vault *Vault) loadOrCreateSalt(agentID string) ([]byte, error) {
	saltPath := vault.saltPath(agentID)
	// #nosec G304 -- salt path is derived from the configured vault directory.
	encoded, err := os.ReadFile(saltPath)
	if err == nil {
		salt, decodeErr := hex.DecodeString(strings.TrimSpace(string(encoded)))
		if decodeErr != nil || len(salt) != saltSize {
			return nil, coreerrors.Wrap(
				fmt.Errorf("salt file for agent %s is malformed", agentID),
				coreerrors.CategoryAuthenticationFailure, "vault_salt_invalid",
				"restore the salt file; without it the container cannot be decrypted", false)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, coreerrors.Wrap(
			fmt.Errorf("read vault salt: %w", err),
			coreerrors.CategoryIOFailure, "vault_read", "check vault directory permissions", true)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := fsx.WriteFileAtomic(saltPath, []byte(hex.EncodeToString(salt)+"\n"), 0o600); err != nil {
		return nil, coreerrors.Wrap(
			fmt.Errorf("write vault salt: %w", err),
			coreerrors.CategoryIOFailure, "vault_write", "check vault directory permissions", true)
	}
	return salt, nil
}

func (vault *Vault) containerPath(agentID string) string {
	return filepath.Join(vault.dir, agentID+".vault")
}

func (vault *Vault) saltPath(agentID string) string {
	return filepath.Join(vault.dir, agentID+".salt")
}

// encryptContainer seals plaintext as nonce-prefixed AES-256-GCM output with a
// fresh random nonce per write.
func encryptContainer(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

func decryptContainer(key, blob []byte) ([]byte, error) {
	if len(blob) < nonceSize {
		return nil, fmt.Errorf("container too short")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("authenticated decryption failed: %w", err)
	}
	return plaintext, nil
}

func validateAgentAndKey(agentID, key string) error {
	if strings.TrimSpace(agentID) == "" {
		return coreerrors.Wrap(
			fmt.Errorf("agent id is required"),
			coreerrors.CategoryInvalidInput, "agent_id_required", "provide a non-empty agent id", false)
	}
	if strings.ContainsAny(agentID, "/\\") {
		return coreerrors.Wrap(
			fmt.Errorf("agent id must not contain path separators"),
			coreerrors.CategoryInvalidInput, "agent_id_invalid", "use a flat agent identifier", false)
	}
	if strings.TrimSpace(key) == "" {
		return coreerrors.Wrap(
			fmt.Errorf("credential key is required"),
			coreerrors.CategoryInvalidInput, "credential_key_required", "provide a non-empty credential key", false)
	}
	return nil
}

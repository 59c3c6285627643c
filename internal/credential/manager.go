// Package credential rotates the external agent's on-disk credentials
// when an account hits its usage quota. The file is the one piece of
// durable shared mutable state in the system; every write is preceded by
// a backup copy so a partial write never destroys both slots.
package credential

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"overseer/internal/domain"
)

// quotaPatterns match output phrases that indicate the backing account has
// exhausted its usage quota. Matching is case-insensitive over the whole
// combined output.
var quotaPatterns = []*regexp.Regexp{
	regexp.MustCompile(`usage limit`),
	regexp.MustCompile(`limit reached`),
	regexp.MustCompile(`rate limit exceeded`),
	regexp.MustCompile(`quota exceeded`),
	regexp.MustCompile(`exceeded.*limit`),
	regexp.MustCompile(`run out of.*usage`),
	regexp.MustCompile(`no.*capacity`),
	regexp.MustCompile(`temporarily unavailable.*usage`),
}

// Manager owns the credential file. Swap is only ever invoked from within
// a single invocation's retry path, which serializes writes.
type Manager struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	swapCount int
	lastSwap  *time.Time
}

// NewManager creates a Manager for the credential file at path.
func NewManager(path string, logger *slog.Logger) *Manager {
	return &Manager{path: path, logger: logger}
}

// IsQuotaError reports whether text contains a quota-exhaustion signature.
func (m *Manager) IsQuotaError(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range quotaPatterns {
		if p.MatchString(lower) {
			m.logger.Info("quota exhaustion detected", "pattern", p.String())
			return true
		}
	}
	return false
}

// HasBackup reports whether a non-empty backup credential exists.
func (m *Manager) HasBackup() bool {
	creds, err := m.load()
	return err == nil && !creds.Backup.Empty()
}

// Swap exchanges the primary and backup credential roles on disk. A copy
// of the pre-swap file is written first, and the rewritten file keeps
// owner-only permissions. Missing credentials are an expected condition
// and reported through the ok return, not an error.
func (m *Manager) Swap() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	creds, err := m.load()
	if err != nil {
		return false, fmt.Sprintf("cannot load credentials: %v", err)
	}
	if creds.Primary.Empty() || creds.Backup.Empty() {
		return false, "missing primary or backup credential"
	}

	if err := m.writeBackupCopy(); err != nil {
		return false, fmt.Sprintf("cannot write pre-swap backup: %v", err)
	}

	oldPrimary := creds.Primary.Label
	oldBackup := creds.Backup.Label
	creds.Primary, creds.Backup = creds.Backup, creds.Primary

	if err := m.save(creds); err != nil {
		return false, fmt.Sprintf("cannot save swapped credentials: %v", err)
	}

	m.swapCount++
	now := time.Now()
	m.lastSwap = &now

	msg := fmt.Sprintf("swapped credentials: %s -> %s", oldPrimary, oldBackup)
	m.logger.Info("credential swap", "from", oldPrimary, "to", oldBackup)
	return true, msg
}

// CheckAndSwap swaps when output carries a quota signature and a backup is
// available. Returns whether a swap happened and a diagnostic message.
func (m *Manager) CheckAndSwap(output string) (bool, string) {
	if !m.IsQuotaError(output) {
		return false, "no quota exhaustion detected"
	}
	if !m.HasBackup() {
		return false, domain.ErrNoBackupCredential.Error()
	}
	return m.Swap()
}

// Status returns a read-only snapshot for status reporting.
func (m *Manager) Status() domain.CredentialStatus {
	m.mu.Lock()
	swapCount := m.swapCount
	lastSwap := m.lastSwap
	m.mu.Unlock()

	status := domain.CredentialStatus{SwapCount: swapCount, LastSwap: lastSwap}
	creds, err := m.load()
	if err != nil {
		return status
	}
	status.CurrentLabel = creds.Primary.Label
	status.BackupLabel = creds.Backup.Label
	status.HasBackup = !creds.Backup.Empty()
	return status
}

// ExpiringWithin returns the labels of credentials whose expiry falls
// inside the window. Zero expiry metadata is ignored.
func (m *Manager) ExpiringWithin(window time.Duration) []string {
	creds, err := m.load()
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(window)
	var labels []string
	for _, c := range []domain.Credential{creds.Primary, creds.Backup} {
		if !c.Empty() && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(cutoff) {
			labels = append(labels, c.Label)
		}
	}
	return labels
}

func (m *Manager) load() (*domain.CredentialFile, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, domain.WrapOp("credential.load", domain.ErrCredentialLoad)
	}
	creds := &domain.CredentialFile{}
	if err := json.Unmarshal(data, creds); err != nil {
		return nil, fmt.Errorf("credential.load: %w", err)
	}
	return creds, nil
}

func (m *Manager) save(creds *domain.CredentialFile) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credential.save: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("credential.save: %w", err)
	}
	// WriteFile only applies the mode on creation; enforce it on rewrite.
	return os.Chmod(m.path, 0600)
}

// writeBackupCopy preserves the pre-swap file next to the original.
func (m *Manager) writeBackupCopy() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path+".pre-swap", data, 0600)
}

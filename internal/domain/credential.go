package domain

import "time"

// Credential is one opaque credential slot for the external agent process.
type Credential struct {
	AccessToken string    `json:"access_token"`
	Label       string    `json:"label"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Empty reports whether the slot holds no usable token.
func (c Credential) Empty() bool { return c.AccessToken == "" }

// CredentialFile is the on-disk JSON shape of the credential store. The
// external agent process reads the primary slot directly, so the file must
// stay plain whole-file JSON.
type CredentialFile struct {
	Primary Credential `json:"primary"`
	Backup  Credential `json:"backup"`
}

// CredentialStatus is a read-only snapshot for status reporting.
type CredentialStatus struct {
	CurrentLabel string     `json:"current_label"`
	BackupLabel  string     `json:"backup_label"`
	HasBackup    bool       `json:"has_backup"`
	SwapCount    int        `json:"swap_count"`
	LastSwap     *time.Time `json:"last_swap,omitempty"`
}

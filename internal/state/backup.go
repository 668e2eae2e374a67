package state

import (
	"context"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// RegisterBackupID stores the credential-request bindings submitted to
// PUT /v1/archives/backupid.
func (s *ServerState) RegisterBackupID(ctx context.Context, account types.ServiceID, credentialRequest []byte) error {
	aci := asACI(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accountsByACI[aci]
	if !ok {
		return apierr.NewNotFoundError("account not found")
	}
	if acct.Backup == nil {
		acct.Backup = &model.BackupCredentials{}
	}
	acct.Backup.CredentialRequest = credentialRequest
	return nil
}

// BindBackupKey installs the backup public key submitted to
// PUT /v1/archives/keys.
func (s *ServerState) BindBackupKey(ctx context.Context, account types.ServiceID, backupIDPublicKey, mediaBackupKey []byte) error {
	aci := asACI(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accountsByACI[aci]
	if !ok {
		return apierr.NewNotFoundError("account not found")
	}
	if acct.Backup == nil {
		acct.Backup = &model.BackupCredentials{}
	}
	acct.Backup.BackupIDPublicKey = backupIDPublicKey
	acct.Backup.MediaBackupKey = mediaBackupKey
	return nil
}

// VerifyBackupZKAuth shape-checks the dual x-signal-zk-auth headers
// against the account's bound backup public key; see the Open Question in
// DESIGN.md on why this isn't real zkgroup proof verification.
func (s *ServerState) VerifyBackupZKAuth(ctx context.Context, account types.ServiceID, auth, authSignature []byte) error {
	aci := asACI(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accountsByACI[aci]
	if !ok {
		return apierr.NewNotFoundError("account not found")
	}
	if acct.Backup == nil || len(acct.Backup.BackupIDPublicKey) == 0 {
		return apierr.NewAuthError("no backup key bound to this account")
	}
	if len(auth) == 0 || len(authSignature) == 0 {
		return apierr.NewAuthError("missing zk-auth headers")
	}
	return nil
}

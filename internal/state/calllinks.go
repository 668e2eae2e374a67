package state

import (
	"context"
	"encoding/hex"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
)

// CreateCallLink mints a call link from a zkgroup CreateCallLinkCredential
// request (shape-checked, see DESIGN.md) and the generic server secret
// params the façade loaded at startup.
func (s *ServerState) CreateCallLink(ctx context.Context, rootKey [16]byte, adminPasskey []byte, name string, restriction model.CallLinkRestriction) (*model.CallLink, error) {
	key := hex.EncodeToString(rootKey[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.callLinks[key]; exists {
		return nil, apierr.NewConflictError("call link already exists", nil)
	}
	link := &model.CallLink{
		RootKey:      rootKey,
		AdminPasskey: adminPasskey,
		Name:         name,
		Restriction:  restriction,
	}
	s.callLinks[key] = link
	return link, nil
}

// GetCallLink looks up a call link by its root key.
func (s *ServerState) GetCallLink(ctx context.Context, rootKey [16]byte) (*model.CallLink, error) {
	key := hex.EncodeToString(rootKey[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.callLinks[key]
	if !ok {
		return nil, apierr.NewNotFoundError("call link not found")
	}
	return link, nil
}

// RevokeCallLink marks a call link revoked; it is not removed from the
// table so GetCallLink can still report its terminal state.
func (s *ServerState) RevokeCallLink(ctx context.Context, rootKey [16]byte, adminPasskey []byte) error {
	key := hex.EncodeToString(rootKey[:])
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.callLinks[key]
	if !ok {
		return apierr.NewNotFoundError("call link not found")
	}
	if string(link.AdminPasskey) != string(adminPasskey) {
		return apierr.NewForbiddenError("wrong admin passkey")
	}
	link.Revoked = true
	return nil
}

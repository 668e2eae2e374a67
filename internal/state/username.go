package state

import (
	"context"
	"time"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// usernameReservationTTL is how long a soft reservation survives without
// confirmation, matching "reservations are soft-held briefly".
const usernameReservationTTL = 5 * time.Minute

// ReserveUsername picks the first of the given hashes not currently taken
// (by a confirmed username or another account's live reservation) and
// records a soft reservation for the caller's account. An empty or
// oversized list is a 422 ProtocolError; if every candidate is taken, the
// reservation fails with a 409.
func (s *ServerState) ReserveUsername(ctx context.Context, account types.ServiceID, hashes []string) (string, error) {
	if len(hashes) < 1 || len(hashes) > 20 {
		return "", apierr.NewUnprocessableError("usernameHashes must contain between 1 and 20 entries")
	}
	aci := asACI(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accountsByACI[aci]
	if !ok {
		return "", apierr.NewNotFoundError("account not found")
	}

	s.expireReservationsLocked()

	for _, hash := range hashes {
		if owner, taken := s.usernameIndex[hash]; taken && owner != aci {
			continue
		}
		acct.Reservation = &model.UsernameReservation{Hash: hash, ExpiresAt: time.Now().Add(usernameReservationTTL)}
		return hash, nil
	}
	return "", apierr.NewConflictError("no requested username hash is available", nil)
}

func (s *ServerState) expireReservationsLocked() {
	now := time.Now()
	for _, acct := range s.accountsByACI {
		if acct.Reservation != nil && now.After(acct.Reservation.ExpiresAt) {
			acct.Reservation = nil
		}
	}
}

// ConfirmUsername promotes a previously reserved hash to the account,
// provided the zk proof passes (shape-checked, see DESIGN.md) and the hash
// matches the live reservation. Re-confirming an already-confirmed hash is
// a 409.
func (s *ServerState) ConfirmUsername(ctx context.Context, account types.ServiceID, hash string, zkProof []byte) error {
	if len(zkProof) == 0 {
		return apierr.NewCryptoError("missing zk proof")
	}
	aci := asACI(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accountsByACI[aci]
	if !ok {
		return apierr.NewNotFoundError("account not found")
	}
	if acct.Username != nil && *acct.Username == hash {
		return apierr.NewConflictError("username hash already confirmed", nil)
	}
	if acct.Reservation == nil || acct.Reservation.Hash != hash {
		return apierr.NewConflictError("no live reservation for this hash", nil)
	}
	s.usernameIndex[hash] = aci
	acct.Username = &hash
	acct.Reservation = nil
	return nil
}

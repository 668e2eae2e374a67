package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

func registerAlice(t *testing.T, s *ServerState) *model.Account {
	t.Helper()
	account, err := s.RegisterAccount(context.Background(), RegistrationRequest{
		E164:            "+15555550100",
		Password:        "alicepw",
		RegistrationID:  1111,
		FetchesMessages: true,
		IdentityKeyACI:  []byte("alice-identity-key-aci-32-bytes"),
	})
	require.NoError(t, err)
	return account
}

func TestRegisterAndFetchPreKeys(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)

	var oneTime []model.PreKey
	for i := uint32(1); i <= 5; i++ {
		oneTime = append(oneTime, model.PreKey{KeyID: i, PublicKey: make([]byte, 33)})
	}
	err := s.UploadPreKeys(ctx, account.ACI, types.PrimaryDeviceID, false, PreKeyUpload{
		SignedPreKey:   &model.SignedPreKey{KeyID: 100, PublicKey: make([]byte, 33), Signature: []byte("sig")},
		OneTimePreKeys: oneTime,
	})
	require.NoError(t, err)

	entries, err := s.FetchPreKeyBundle(ctx, account.ACI, types.PrimaryDeviceID, false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, uint32(1), entries[0].PreKey.KeyID)
	require.Equal(t, uint32(100), entries[0].SignedPreKey.KeyID)

	device := account.Devices[types.PrimaryDeviceID]
	require.Len(t, device.ACIPreKeys.OneTimePreKeys, 4)
	require.Equal(t, uint32(2), device.ACIPreKeys.OneTimePreKeys[0].KeyID)
}

func TestPreKeyFetchWithNoOneTimeKeysReturnsSignedOnly(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)
	require.NoError(t, s.UploadPreKeys(ctx, account.ACI, types.PrimaryDeviceID, false, PreKeyUpload{
		SignedPreKey: &model.SignedPreKey{KeyID: 100, PublicKey: make([]byte, 33), Signature: []byte("sig")},
	}))

	entries, err := s.FetchPreKeyBundle(ctx, account.ACI, types.PrimaryDeviceID, false)
	require.NoError(t, err)
	require.Nil(t, entries[0].PreKey)
	require.NotNil(t, entries[0].SignedPreKey)
}

func TestSendMessageMismatchedRegistrationIsStale(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)

	outcome, err := s.SendMessages(ctx, account.ACI, map[types.DeviceID]model.Envelope{
		types.PrimaryDeviceID: {DestinationRegistration: 9999, Content: []byte{0xDE, 0xAD}},
	}, nil)
	require.NoError(t, err)
	require.True(t, outcome.HasMismatch())
	require.Equal(t, []types.DeviceID{types.PrimaryDeviceID}, outcome.StaleDevices)
}

func TestSendMessageToUnknownDeviceIsMissing(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)

	outcome, err := s.SendMessages(ctx, account.ACI, map[types.DeviceID]model.Envelope{
		5: {DestinationRegistration: 1, Content: []byte{0x01}},
	}, nil)
	require.NoError(t, err)
	require.Contains(t, outcome.MissingDevices, types.DeviceID(5))
}

func TestSendAndFetchAndAckMessage(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)

	var delivered bool
	outcome, err := s.SendMessages(ctx, account.ACI, map[types.DeviceID]model.Envelope{
		types.PrimaryDeviceID: {DestinationRegistration: 1111, Content: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}, func(acc *model.Account, dev *model.Device, env model.Envelope) {
		delivered = true
	})
	require.NoError(t, err)
	require.False(t, outcome.HasMismatch())
	require.True(t, delivered)

	msgs, err := s.FetchMessages(ctx, account.ACI, types.PrimaryDeviceID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, msgs[0].Content)

	require.NoError(t, s.AckMessage(ctx, account.ACI, types.PrimaryDeviceID, msgs[0].GUID))
	msgs, err = s.FetchMessages(ctx, account.ACI, types.PrimaryDeviceID)
	require.NoError(t, err)
	require.Len(t, msgs, 0)
}

func TestStorageWriteConflictAndRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)

	_, err := s.WriteStorage(ctx, account.ACI, StorageWrite{
		Manifest:   model.StorageManifest{Version: 3, Value: []byte("m3")},
		InsertItem: []model.StorageItem{{Key: "k1", Value: []byte("v1")}},
	})
	require.NoError(t, err)

	_, err = s.WriteStorage(ctx, account.ACI, StorageWrite{
		Manifest:   model.StorageManifest{Version: 3, Value: []byte("m3-again")},
		InsertItem: []model.StorageItem{{Key: "k2", Value: []byte("v2")}},
	})
	var conflict *apierr.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = s.WriteStorage(ctx, account.ACI, StorageWrite{
		Manifest:   model.StorageManifest{Version: 4, Value: []byte("m4")},
		InsertItem: []model.StorageItem{{Key: "k2", Value: []byte("v2")}},
	})
	require.NoError(t, err)

	items, err := s.ReadStorageItems(ctx, account.ACI, []string{"k1", "k2", "missing"})
	require.NoError(t, err)
	require.Len(t, items, 2)

	manifest, err := s.StorageManifest(ctx, account.ACI, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(4), manifest.Version)
}

func TestUsernameReservationRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	alice := registerAlice(t, s)
	bob, err := s.RegisterAccount(ctx, RegistrationRequest{E164: "+15555550101", Password: "bobpw", RegistrationID: 2222})
	require.NoError(t, err)

	require.NoError(t, s.ConfirmUsername(ctx, bob.ACI, func() string {
		hash, err := s.ReserveUsername(ctx, bob.ACI, []string{"h1"})
		require.NoError(t, err)
		return hash
	}(), []byte("zk-proof")))

	hash, err := s.ReserveUsername(ctx, alice.ACI, []string{"h1", "h2"})
	require.NoError(t, err)
	require.Equal(t, "h2", hash)

	require.NoError(t, s.ConfirmUsername(ctx, alice.ACI, "h2", []byte("zk-proof")))

	err = s.ConfirmUsername(ctx, alice.ACI, "h2", []byte("zk-proof"))
	var conflict *apierr.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestUsernameReservationBoundaries(t *testing.T) {
	s := New()
	ctx := context.Background()
	account := registerAlice(t, s)

	_, err := s.ReserveUsername(ctx, account.ACI, nil)
	require.Error(t, err)

	hashes := make([]string, 21)
	_, err = s.ReserveUsername(ctx, account.ACI, hashes)
	require.Error(t, err)
}

func TestGroupCreateAndChangeLog(t *testing.T) {
	s := New()
	ctx := context.Background()
	pubKey := []byte("group-public-key-32-bytes-long!!")

	group, err := s.CreateGroup(ctx, pubKey, model.AccessControl{Members: 1, Attributes: 1}, []model.GroupMember{{UserID: []byte("u1")}, {UserID: []byte("u2")}, {UserID: []byte("u3")}}, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), group.Version)

	newMembers := append(group.Members, model.GroupMember{UserID: []byte("u4")})
	updated, err := s.ApplyGroupChange(ctx, pubKey, 1, []byte("signed-change"), newMembers, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), updated.Version)

	log, err := s.GroupChangeLog(ctx, pubKey, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, uint32(1), log[0].Version)
}

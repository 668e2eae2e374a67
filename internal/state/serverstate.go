// Package state implements ServerState: the process-wide in-memory store
// and the abstract protocol engine described by the server design — account
// and device registration, prekey upload/consumption, message queueing,
// group create/modify/fetch, storage service read/write, username
// reserve/confirm, backup registration, and the attachment/CDN blob store.
//
// Every exported method acquires the single state mutex for the duration of
// its in-memory mutation and releases it before returning, matching the
// "single logical execution context" the protocol assumes: callers may be
// running on arbitrarily many goroutines, but ServerState serializes their
// view of the world the same way a single-threaded host would.
package state

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// ServerState owns every piece of mutable server state: the account table,
// the group store, the per-account storage service map, the username
// index, the CDN blob store, and the call-link table.
type ServerState struct {
	mu sync.Mutex

	accountsByACI  map[types.ServiceID]*model.Account
	accountsByE164 map[types.E164]types.ServiceID

	groups map[string]*model.Group // keyed by base64 public key

	storageManifests map[types.ServiceID]*model.StorageManifest
	storageItems     map[types.ServiceID]map[string]*model.StorageItem
	manifestWaiters  map[types.ServiceID]*broadcaster

	usernameIndex map[string]types.ServiceID // username hash -> ACI

	attachments map[string][]byte

	callLinks map[string]*model.CallLink // keyed by hex root key

	nextE164Seq uint64
}

// New constructs an empty ServerState with one pre-allocated empty
// attachment blob, matching the data model's "an empty 0-byte blob
// pre-allocated at startup".
func New() *ServerState {
	s := &ServerState{
		accountsByACI:     make(map[types.ServiceID]*model.Account),
		accountsByE164:    make(map[types.E164]types.ServiceID),
		groups:            make(map[string]*model.Group),
		storageManifests:  make(map[types.ServiceID]*model.StorageManifest),
		storageItems:      make(map[types.ServiceID]map[string]*model.StorageItem),
		manifestWaiters:   make(map[types.ServiceID]*broadcaster),
		usernameIndex:     make(map[string]types.ServiceID),
		attachments:       make(map[string][]byte),
		callLinks:         make(map[string]*model.CallLink),
	}
	emptyKey := s.allocateCDNKeyLocked()
	s.attachments[emptyKey] = nil
	return s
}

// --- Registration ---------------------------------------------------------

// RegistrationRequest carries the fields PUT /v1/registration accepts for a
// primary-device registration (or re-registration).
type RegistrationRequest struct {
	E164              types.E164
	Password          string
	RegistrationID    types.RegistrationID
	PNIRegistrationID types.RegistrationID
	FetchesMessages   bool
	IdentityKeyACI    []byte
	IdentityKeyPNI    []byte
	SignedPreKeyACI   *model.SignedPreKey
	SignedPreKeyPNI   *model.SignedPreKey
	LastResortPQACI   *model.KyberPreKey
	LastResortPQPNI   *model.KyberPreKey
	ProfileKey        []byte
}

// RegisterAccount allocates (or re-registers) an account and its primary
// device. A different ACI already bound to the same E164 is rejected with
// 409 unless the caller supplies that account's own device password,
// matching "rejects (409) if the E164 is already present with a different
// ACI unless the password authorizes re-registration".
func (s *ServerState) RegisterAccount(ctx context.Context, req RegistrationRequest) (*model.Account, error) {
	if !req.E164.Valid() {
		return nil, apierr.NewProtocolError("e164 must start with '+'")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingACI, ok := s.accountsByE164[req.E164]; ok {
		existing := s.accountsByACI[existingACI]
		primary := existing.PrimaryDevice()
		if primary != nil && primary.Password != req.Password {
			return nil, apierr.NewConflictError("e164 already registered under a different account", map[string]any{
				"e164": string(req.E164),
			})
		}
		return s.reregisterLocked(existing, req)
	}

	aci := types.NewRandomACI()
	pni := types.NewRandomPNI()
	account := &model.Account{
		ACI:        aci,
		PNI:        pni,
		E164:       req.E164,
		ProfileKey: append([]byte(nil), req.ProfileKey...),
		Devices:    make(map[types.DeviceID]*model.Device),
	}
	device := s.newDeviceLocked(aci, types.PrimaryDeviceID, req)
	account.Devices[types.PrimaryDeviceID] = device

	s.accountsByACI[aci] = account
	s.accountsByE164[req.E164] = aci
	return account, nil
}

func (s *ServerState) reregisterLocked(account *model.Account, req RegistrationRequest) (*model.Account, error) {
	device := s.newDeviceLocked(account.ACI, types.PrimaryDeviceID, req)
	account.Devices = map[types.DeviceID]*model.Device{types.PrimaryDeviceID: device}
	account.ProfileKey = append([]byte(nil), req.ProfileKey...)
	return account, nil
}

func (s *ServerState) newDeviceLocked(aci types.ServiceID, id types.DeviceID, req RegistrationRequest) *model.Device {
	return &model.Device{
		ID:                id,
		ACI:               aci,
		RegistrationID:    req.RegistrationID,
		PNIRegistrationID: req.PNIRegistrationID,
		Password:          req.Password,
		FetchesMessages:   req.FetchesMessages,
		CreatedAt:         time.Now(),
		ACIPreKeys: model.PreKeyInventory{
			IdentityKey:        req.IdentityKeyACI,
			SignedPreKey:       req.SignedPreKeyACI,
			LastResortPQPreKey: req.LastResortPQACI,
		},
		PNIPreKeys: model.PreKeyInventory{
			IdentityKey:        req.IdentityKeyPNI,
			SignedPreKey:       req.SignedPreKeyPNI,
			LastResortPQPreKey: req.LastResortPQPNI,
		},
	}
}

// RegisterSecondaryDevice is the linking-path counterpart of
// RegisterAccount: it attaches a brand-new Device to an already-registered
// account, assigning it the next free DeviceId.
func (s *ServerState) RegisterSecondaryDevice(ctx context.Context, aci types.ServiceID, req RegistrationRequest) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accountsByACI[aci]
	if !ok {
		return nil, apierr.NewNotFoundError("account not found")
	}
	nextID := types.DeviceID(1)
	for existing := range account.Devices {
		if existing >= nextID {
			nextID = existing + 1
		}
	}
	device := s.newDeviceLocked(aci, nextID, req)
	account.Devices[nextID] = device
	return device, nil
}

// AccountByACI looks up an account, returning NotFoundError if absent.
func (s *ServerState) AccountByACI(serviceID types.ServiceID) (*model.Account, error) {
	aci := asACI(serviceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accountsByACI[aci]
	if !ok {
		return nil, apierr.NewNotFoundError("account not found")
	}
	return account, nil
}

func asACI(id types.ServiceID) types.ServiceID {
	if id.Type == types.ServiceIDTypeACI {
		return id
	}
	return types.NewACIServiceID(id.UUID)
}

// --- Prekeys ---------------------------------------------------------------

// PreKeyUpload is the decoded body of PUT /v2/keys.
type PreKeyUpload struct {
	IdentityKey    []byte
	SignedPreKey   *model.SignedPreKey
	LastResortPQ   *model.KyberPreKey
	OneTimePreKeys []model.PreKey
	OneTimePQKeys  []model.KyberPreKey
}

// UploadPreKeys validates and installs the given key material for one
// identity flavor of one device. Signed/PQ entries must carry a
// plausible signature (length-checked, since real XEdDSA verification
// requires the native libsignal crypto library this server treats as
// opaque and out of scope); a missing or empty signature is a 422
// CryptoError.
func (s *ServerState) UploadPreKeys(ctx context.Context, aci types.ServiceID, deviceID types.DeviceID, pni bool, upload PreKeyUpload) error {
	if upload.SignedPreKey != nil && len(upload.SignedPreKey.Signature) == 0 {
		return apierr.NewCryptoError("signed prekey missing signature")
	}
	if upload.LastResortPQ != nil && len(upload.LastResortPQ.Signature) == 0 {
		return apierr.NewCryptoError("pq last-resort prekey missing signature")
	}
	for _, pk := range upload.OneTimePreKeys {
		if len(pk.PublicKey) != 33 && len(pk.PublicKey) != 32 {
			return apierr.NewUnprocessableError(fmt.Sprintf("prekey %d has invalid public key length %d", pk.KeyID, len(pk.PublicKey)))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accountsByACI[aci]
	if !ok {
		return apierr.NewNotFoundError("account not found")
	}
	device, ok := account.Devices[deviceID]
	if !ok {
		return apierr.NewNotFoundError("device not found")
	}

	inv := &device.ACIPreKeys
	if pni {
		inv = &device.PNIPreKeys
	}
	if len(upload.IdentityKey) > 0 {
		inv.IdentityKey = upload.IdentityKey
	}
	if upload.SignedPreKey != nil {
		inv.SignedPreKey = upload.SignedPreKey
	}
	if upload.LastResortPQ != nil {
		inv.LastResortPQPreKey = upload.LastResortPQ
	}
	inv.OneTimePreKeys = append(inv.OneTimePreKeys, upload.OneTimePreKeys...)
	inv.OneTimePQPreKeys = append(inv.OneTimePQPreKeys, upload.OneTimePQKeys...)
	return nil
}

// PreKeyBundleEntry is one device's worth of key material returned by a
// prekey bundle fetch.
type PreKeyBundleEntry struct {
	DeviceID       types.DeviceID
	RegistrationID types.RegistrationID
	IdentityKey    []byte
	PreKey         *model.PreKey
	SignedPreKey   *model.SignedPreKey
	PQPreKey       *model.KyberPreKey
	PQIsLastResort bool
}

// FetchPreKeyBundle consumes (FIFO) one one-time prekey, and optionally one
// PQ prekey, from each targeted device of the account. deviceID == 0 means
// "every device". Absent account or no matching device both yield 404.
func (s *ServerState) FetchPreKeyBundle(ctx context.Context, target types.ServiceID, deviceID types.DeviceID, wantPQ bool) ([]PreKeyBundleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accountsByACI[asACI(target)]
	if !ok {
		return nil, apierr.NewNotFoundError("account not found")
	}
	pni := target.Type == types.ServiceIDTypePNI

	var targets []*model.Device
	if deviceID == 0 {
		for _, d := range account.Devices {
			targets = append(targets, d)
		}
	} else if d, ok := account.Devices[deviceID]; ok {
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return nil, apierr.NewNotFoundError("device not found")
	}

	entries := make([]PreKeyBundleEntry, 0, len(targets))
	for _, device := range targets {
		inv := &device.ACIPreKeys
		regID := device.RegistrationID
		if pni {
			inv = &device.PNIPreKeys
			regID = device.PNIRegistrationID
		}
		entry := PreKeyBundleEntry{
			DeviceID:       device.ID,
			RegistrationID: regID,
			IdentityKey:    inv.IdentityKey,
			PreKey:         inv.ConsumeOneTimePreKey(),
			SignedPreKey:   inv.SignedPreKey,
		}
		if wantPQ {
			if pq := inv.ConsumeOneTimePQPreKey(); pq != nil {
				entry.PQPreKey = pq
			} else if inv.LastResortPQPreKey != nil {
				entry.PQPreKey = inv.LastResortPQPreKey
				entry.PQIsLastResort = true
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// --- Messages ----------------------------------------------------------------

// MessageDeliveryOutcome reports, per targeted device, whether the message
// was queued or why it was rejected; Stale/Missing/Extra feed the 409 body.
type MessageDeliveryOutcome struct {
	Queued        []types.DeviceID
	StaleDevices  []types.DeviceID
	MissingDevices []types.DeviceID
	ExtraDevices  []types.DeviceID
}

func (o MessageDeliveryOutcome) HasMismatch() bool {
	return len(o.StaleDevices) > 0 || len(o.MissingDevices) > 0 || len(o.ExtraDevices) > 0
}

// DeliverHook is invoked, still under the state lock released, once a
// message has been durably queued for a device, so the WS layer can push it
// immediately if that device has a live connection.
type DeliverHook func(account *model.Account, device *model.Device, env model.Envelope)

// SendMessages validates destinationRegistrationId for each targeted
// envelope against the known device, queues the ones that match, and
// reports the rest as stale/missing so the caller can build the 409 body.
// targetDeviceIDs of length 0 means "every device registered for this
// account" must appear in envelopesByDevice.
func (s *ServerState) SendMessages(ctx context.Context, dest types.ServiceID, envelopesByDevice map[types.DeviceID]model.Envelope, onDeliver DeliverHook) (MessageDeliveryOutcome, error) {
	s.mu.Lock()
	account, ok := s.accountsByACI[asACI(dest)]
	if !ok {
		s.mu.Unlock()
		return MessageDeliveryOutcome{}, apierr.NewNotFoundError("destination account not found")
	}

	var outcome MessageDeliveryOutcome
	type toDeliver struct {
		device *model.Device
		env    model.Envelope
	}
	var deliveries []toDeliver

	for deviceID, env := range envelopesByDevice {
		device, ok := account.Devices[deviceID]
		if !ok {
			outcome.MissingDevices = append(outcome.MissingDevices, deviceID)
			continue
		}
		if device.RegistrationID != env.DestinationRegistration {
			outcome.StaleDevices = append(outcome.StaleDevices, deviceID)
			continue
		}
		env.GUID = uuid.NewString()
		env.ServerTimestamp = time.Now()
		device.Queue = append(device.Queue, env)
		outcome.Queued = append(outcome.Queued, deviceID)
		deliveries = append(deliveries, toDeliver{device: device, env: env})
	}

	for deviceID := range account.Devices {
		if _, requested := envelopesByDevice[deviceID]; !requested {
			outcome.ExtraDevices = append(outcome.ExtraDevices, deviceID)
		}
	}
	s.mu.Unlock()

	if onDeliver != nil {
		for _, d := range deliveries {
			onDeliver(account, d.device, d.env)
		}
	}
	return outcome, nil
}

// FetchMessages returns the full queue for a device without draining it;
// draining happens one at a time via AckMessage, matching "un-acked
// messages on disconnect remain queued".
func (s *ServerState) FetchMessages(ctx context.Context, aci types.ServiceID, deviceID types.DeviceID) ([]model.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, err := s.deviceLocked(aci, deviceID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Envelope, len(device.Queue))
	copy(out, device.Queue)
	return out, nil
}

// AckMessage removes exactly one message (by GUID) from a device's queue.
func (s *ServerState) AckMessage(ctx context.Context, aci types.ServiceID, deviceID types.DeviceID, guid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	device, err := s.deviceLocked(aci, deviceID)
	if err != nil {
		return err
	}
	for i, env := range device.Queue {
		if env.GUID == guid {
			device.Queue = append(device.Queue[:i], device.Queue[i+1:]...)
			return nil
		}
	}
	return apierr.NewNotFoundError("message not found")
}

func (s *ServerState) deviceLocked(aci types.ServiceID, deviceID types.DeviceID) (*model.Device, error) {
	account, ok := s.accountsByACI[asACI(aci)]
	if !ok {
		return nil, apierr.NewNotFoundError("account not found")
	}
	device, ok := account.Devices[deviceID]
	if !ok {
		return nil, apierr.NewNotFoundError("device not found")
	}
	return device, nil
}

// --- Attachments / CDN -------------------------------------------------------

func (s *ServerState) allocateCDNKeyLocked() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

// AllocateAttachmentUpload reserves a fresh CDN key for an upcoming PUT.
func (s *ServerState) AllocateAttachmentUpload(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.allocateCDNKeyLocked()
	s.attachments[key] = nil
	return key
}

// StoreAttachment uploads bytes under a previously allocated CDN key.
func (s *ServerState) StoreAttachment(ctx context.Context, cdnKey string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.attachments[cdnKey]; !ok {
		return apierr.NewNotFoundError("cdn key not reserved")
	}
	s.attachments[cdnKey] = data
	return nil
}

// GetAttachment returns a stored blob's bytes.
func (s *ServerState) GetAttachment(ctx context.Context, cdnKey string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.attachments[cdnKey]
	if !ok {
		return nil, apierr.NewNotFoundError("attachment not found")
	}
	return data, nil
}

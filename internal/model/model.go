// Package model holds the server's in-memory data model: the entities
// ServerState owns (Account, Device, Group, StorageManifest/Item, CallLink,
// UsernameReservation, BackupCredentials) and the prekey inventory shape a
// real signalmeow-style client uploads and consumes. These are "immutable
// after construction" descriptors in the sense the design calls for: every
// mutation replaces a field wholesale rather than mutating shared
// sub-structures, so callers holding a stale pointer never observe a
// half-updated entity.
package model

import (
	"strconv"
	"time"

	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// PreKey is a one-time prekey as uploaded via PUT /v2/keys and consumed via
// GET /v2/keys/{serviceId}/{deviceId}. The wire shape (keyId + base64
// publicKey) mirrors signalmeow's prekeyDetail.
type PreKey struct {
	KeyID     uint32
	PublicKey []byte
}

// SignedPreKey additionally carries a signature over PublicKey, verified
// against the owning device's identity key on upload.
type SignedPreKey struct {
	KeyID     uint32
	PublicKey []byte
	Signature []byte
}

// KyberPreKey is a post-quantum prekey; Signed is always true in current
// Signal (simple one-shot Kyber prekeys were retired in favor of
// signed-only), but the field is kept for symmetry with SignedPreKey.
type KyberPreKey struct {
	KeyID     uint32
	PublicKey []byte
	Signature []byte
}

// PreKeyInventory is one identity flavor's (ACI or PNI) key material for a
// device: a FIFO queue of one-time prekeys, a FIFO queue of one-time PQ
// prekeys, the current signed prekey, the current PQ last-resort prekey,
// and the identity public key those signatures are checked against.
type PreKeyInventory struct {
	IdentityKey       []byte
	SignedPreKey      *SignedPreKey
	LastResortPQPreKey *KyberPreKey
	OneTimePreKeys    []PreKey
	OneTimePQPreKeys  []KyberPreKey
}

// ConsumeOneTimePreKey pops the oldest one-time prekey (FIFO), if any.
func (inv *PreKeyInventory) ConsumeOneTimePreKey() *PreKey {
	if len(inv.OneTimePreKeys) == 0 {
		return nil
	}
	pk := inv.OneTimePreKeys[0]
	inv.OneTimePreKeys = inv.OneTimePreKeys[1:]
	return &pk
}

// ConsumeOneTimePQPreKey pops the oldest one-time PQ prekey, if any; callers
// fall back to LastResortPQPreKey when this returns nil.
func (inv *PreKeyInventory) ConsumeOneTimePQPreKey() *KyberPreKey {
	if len(inv.OneTimePQPreKeys) == 0 {
		return nil
	}
	pk := inv.OneTimePQPreKeys[0]
	inv.OneTimePQPreKeys = inv.OneTimePQPreKeys[1:]
	return &pk
}

// Envelope is a queued, opaque-to-the-server encrypted message destined for
// one device. EnvelopeType mirrors Signal's Envelope.Type (1..9); the server
// never inspects Content beyond its length.
type Envelope struct {
	Type                    int32
	SourceServiceID         types.ServiceID
	SourceDevice            types.DeviceID
	DestinationDeviceID     types.DeviceID
	DestinationRegistration types.RegistrationID
	Content                 []byte
	ServerTimestamp         time.Time
	GUID                    string
}

// Device is one (ACI, DeviceId) registration: its own auth credentials, its
// ACI- and PNI-flavored prekey inventories, and its pending message queue.
type Device struct {
	ID                 types.DeviceID
	ACI                types.ServiceID
	RegistrationID     types.RegistrationID
	PNIRegistrationID  types.RegistrationID
	Password           string
	Name               []byte // client-encrypted device name, opaque to server
	FetchesMessages    bool
	CreatedAt          time.Time

	ACIPreKeys PreKeyInventory
	PNIPreKeys PreKeyInventory

	Queue []Envelope
}

// BasicAuthUsername returns the "serviceId.deviceId" form used in
// HTTP Basic credentials, matching store.DeviceData.BasicAuthCreds.
func (d *Device) BasicAuthUsername() string {
	return d.ACI.String() + "." + strconv.FormatUint(uint64(d.ID), 10)
}

// UsernameReservation is a soft hold on a username hash pending
// confirmation, expiring if the client never confirms it.
type UsernameReservation struct {
	Hash      string
	ExpiresAt time.Time
}

// UsernameLink is the server-issued handle for a username's encrypted
// discovery blob.
type UsernameLink struct {
	LinkID        types.ServiceID // reuses the UUID-shaped identifier machinery
	EncryptedName []byte
}

// BackupCredentials binds a backup-id public key and any credential-request
// material a client registered under /v1/archives.
type BackupCredentials struct {
	BackupIDPublicKey   []byte
	MediaBackupKey      []byte
	CredentialRequest   []byte
}

// Account is the top-level entity: the stable ACI/PNI pair, the phone
// number, the profile key, every device keyed by DeviceId, and the optional
// username/backup state.
type Account struct {
	ACI        types.ServiceID
	PNI        types.ServiceID
	E164       types.E164
	ProfileKey []byte // 32 bytes, opaque to server

	Devices map[types.DeviceID]*Device

	Username     *string
	UsernameLink *UsernameLink
	Reservation  *UsernameReservation

	Backup *BackupCredentials
}

// PrimaryDevice returns the account's device 1, which must always exist
// once the account has been registered.
func (a *Account) PrimaryDevice() *Device {
	return a.Devices[types.PrimaryDeviceID]
}

// GroupMember is one row of a Group's member list; UserID is opaque to the
// server (a zkgroup-encrypted identifier) except for bookkeeping.
type GroupMember struct {
	UserID []byte
	Role   int32
}

// AccessControl is the {members, attributes, addFromInviteLink} triple of
// small access-level enums signalpb.AccessControl carries.
type AccessControl struct {
	Members           int32
	Attributes        int32
	AddFromInviteLink int32
}

// GroupChangeLogEntry is one accepted, version-stamped GroupChange, stored
// verbatim as the server received and signed it.
type GroupChangeLogEntry struct {
	Version           uint32
	SignedChangeProto []byte // marshaled signalpb.GroupChange
}

// Group is the server's view of a Signal group: monotonic version, access
// control, member list, and the ordered change log.
type Group struct {
	PublicKey     []byte // server-public-key / group id, opaque
	Version       uint32
	AccessControl AccessControl
	Members       []GroupMember
	ChangeLog     []GroupChangeLogEntry
	InviteLinkPassword []byte
}

// StorageManifest is the account-wide opaque encrypted manifest, replaced
// atomically and strictly monotonically versioned.
type StorageManifest struct {
	Version uint64
	Value   []byte
}

// StorageItem is one opaque encrypted record in the account's storage map,
// addressed by an opaque key.
type StorageItem struct {
	Key   string // base64 of the opaque key bytes, used as a map key
	Value []byte
}

// CallLinkRestriction mirrors the {none, adminApproval} enum from the spec.
type CallLinkRestriction int

const (
	CallLinkRestrictionNone CallLinkRestriction = iota
	CallLinkRestrictionAdminApproval
)

// CallLink is one zkgroup-addressed call link.
type CallLink struct {
	RootKey      [16]byte
	AdminPasskey []byte
	Name         string
	Restriction  CallLinkRestriction
	Revoked      bool
	DeletedAt    *time.Time
}

// Attachment is one CDN-stored blob, addressed by an opaque 32-hex key.
type Attachment struct {
	CDNKey string
	Bytes  []byte
}

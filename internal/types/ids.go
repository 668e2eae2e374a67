// Package types holds the small semantic identifier types shared across the
// mock server: ACI/PNI service ids, device ids, registration ids, E.164
// numbers, and provisioning codes.
package types

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.mau.fi/util/random"
)

// ServiceIDType discriminates an ACI from a PNI, mirroring libsignal's
// ServiceIdFixedWidthBinary encoding (a leading type byte for PNI, none for
// ACI).
type ServiceIDType byte

const (
	ServiceIDTypeACI ServiceIDType = 0
	ServiceIDTypePNI ServiceIDType = 1
)

func (t ServiceIDType) String() string {
	switch t {
	case ServiceIDTypeACI:
		return "ACI"
	case ServiceIDTypePNI:
		return "PNI"
	default:
		return fmt.Sprintf("ServiceIDType(%d)", byte(t))
	}
}

// ServiceID is the union of ACI and PNI used throughout the Signal wire
// protocol to address an account or its phone-number identity.
type ServiceID struct {
	Type ServiceIDType
	UUID uuid.UUID
}

// EmptyServiceID is the zero value, used as a "not present" sentinel.
var EmptyServiceID ServiceID

func NewACIServiceID(id uuid.UUID) ServiceID {
	return ServiceID{Type: ServiceIDTypeACI, UUID: id}
}

func NewPNIServiceID(id uuid.UUID) ServiceID {
	return ServiceID{Type: ServiceIDTypePNI, UUID: id}
}

// NewRandomACI mints a fresh random ACI, used when the server allocates a new
// account identifier on registration.
func NewRandomACI() ServiceID {
	return NewACIServiceID(uuid.New())
}

// NewRandomPNI mints a fresh random PNI.
func NewRandomPNI() ServiceID {
	return NewPNIServiceID(uuid.New())
}

func (s ServiceID) IsEmpty() bool {
	return s.UUID == uuid.Nil
}

// String renders the service id the way it appears in Signal wire formats:
// a bare UUID for an ACI, and a "PNI:"-prefixed UUID for a PNI.
func (s ServiceID) String() string {
	if s.Type == ServiceIDTypePNI {
		return fmt.Sprintf("PNI:%s", s.UUID)
	}
	return s.UUID.String()
}

// Bytes returns the fixed-width binary encoding: 16 bytes for an ACI, 17
// (type byte + UUID) for a PNI.
func (s ServiceID) Bytes() []byte {
	if s.Type == ServiceIDTypePNI {
		return append([]byte{byte(s.Type)}, s.UUID[:]...)
	}
	return append([]byte(nil), s.UUID[:]...)
}

func (s ServiceID) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ServiceID) UnmarshalText(text []byte) error {
	parsed, err := ServiceIDFromString(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ServiceIDFromString parses both bare-UUID (ACI) and "PNI:"-prefixed forms,
// case-insensitively on the prefix, matching libsignalgo.ServiceIDFromString.
func ServiceIDFromString(val string) (ServiceID, error) {
	if len(val) < 36 {
		return EmptyServiceID, fmt.Errorf("types: invalid service id %q", val)
	}
	if strings.EqualFold(val[:4], "PNI:") {
		parsed, err := uuid.Parse(val[4:])
		if err != nil {
			return EmptyServiceID, fmt.Errorf("types: invalid PNI: %w", err)
		}
		return NewPNIServiceID(parsed), nil
	}
	parsed, err := uuid.Parse(val)
	if err != nil {
		return EmptyServiceID, fmt.Errorf("types: invalid ACI: %w", err)
	}
	return NewACIServiceID(parsed), nil
}

// DeviceID is a positive device identifier; 1 is always the primary device.
type DeviceID uint32

const PrimaryDeviceID DeviceID = 1

func (d DeviceID) Valid() bool {
	return d >= 1
}

// RegistrationID is restricted to Signal's conventional [1, 2^14) range.
type RegistrationID uint32

const (
	minRegistrationID = 1
	maxRegistrationID = 1 << 14
)

func NewRegistrationID(v uint32) (RegistrationID, error) {
	if v < minRegistrationID || v >= maxRegistrationID {
		return 0, fmt.Errorf("types: registration id %d out of range [%d, %d)", v, minRegistrationID, maxRegistrationID)
	}
	return RegistrationID(v), nil
}

// E164 is a canonical phone number in "+<digits>" form.
type E164 string

func (e E164) Valid() bool {
	return strings.HasPrefix(string(e), "+") && len(e) > 1
}

// ProvisioningCode is an opaque server-minted token binding a pending device
// link attempt to the secondary device that redeems it.
type ProvisioningCode string

// NewProvisioningCode mints a fresh random code, matching signalmeow's
// random.String password-generation idiom.
func NewProvisioningCode() ProvisioningCode {
	return ProvisioningCode(random.String(12))
}

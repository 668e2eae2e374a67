package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/cryptofacade"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/state"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// signedPreKeyJSON/kyberPreKeyJSON/preKeyJSON mirror the wire shape
// real signalmeow clients send for prekey material: a keyId, a base64
// publicKey, and (for signed/PQ keys) a base64 signature.
type preKeyJSON struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type signedPreKeyJSON struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
}

func decodeSignedPreKey(in *signedPreKeyJSON) (*model.SignedPreKey, error) {
	if in == nil {
		return nil, nil
	}
	pub, err := base64.StdEncoding.DecodeString(in.PublicKey)
	if err != nil {
		return nil, apierr.NewProtocolError("invalid signed prekey publicKey encoding")
	}
	sig, err := base64.StdEncoding.DecodeString(in.Signature)
	if err != nil {
		return nil, apierr.NewProtocolError("invalid signed prekey signature encoding")
	}
	return &model.SignedPreKey{KeyID: in.KeyID, PublicKey: pub, Signature: sig}, nil
}

func decodeKyberPreKey(in *signedPreKeyJSON) (*model.KyberPreKey, error) {
	if in == nil {
		return nil, nil
	}
	pub, err := base64.StdEncoding.DecodeString(in.PublicKey)
	if err != nil {
		return nil, apierr.NewProtocolError("invalid kyber prekey publicKey encoding")
	}
	sig, err := base64.StdEncoding.DecodeString(in.Signature)
	if err != nil {
		return nil, apierr.NewProtocolError("invalid kyber prekey signature encoding")
	}
	return &model.KyberPreKey{KeyID: in.KeyID, PublicKey: pub, Signature: sig}, nil
}

// registrationRequestJSON is the body of PUT /v1/registration.
type registrationRequestJSON struct {
	E164              string            `json:"e164"`
	Password          string            `json:"password"`
	RegistrationID    uint32            `json:"registrationId"`
	PNIRegistrationID uint32            `json:"pniRegistrationId"`
	FetchesMessages   bool              `json:"fetchesMessages"`
	ProfileKey        string            `json:"profileKey"`
	ACIIdentityKey    string            `json:"aciIdentityKey"`
	PNIIdentityKey    string            `json:"pniIdentityKey"`
	ACISignedPreKey   *signedPreKeyJSON `json:"aciSignedPreKey"`
	PNISignedPreKey   *signedPreKeyJSON `json:"pniSignedPreKey"`
	ACILastResortPQ   *signedPreKeyJSON `json:"aciPqLastResortPreKey"`
	PNILastResortPQ   *signedPreKeyJSON `json:"pniPqLastResortPreKey"`
}

type registrationResponseJSON struct {
	UUID     string `json:"uuid"`
	PNI      string `json:"pni"`
	Number   string `json:"number"`
	DeviceID uint32 `json:"deviceId"`
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	var body registrationRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed registration body"))
		return
	}
	regID, err := types.NewRegistrationID(body.RegistrationID)
	if err != nil {
		writeError(w, err)
		return
	}
	pniRegID, err := types.NewRegistrationID(body.PNIRegistrationID)
	if err != nil {
		writeError(w, err)
		return
	}
	aciIdentity, _ := base64.StdEncoding.DecodeString(body.ACIIdentityKey)
	pniIdentity, _ := base64.StdEncoding.DecodeString(body.PNIIdentityKey)
	profileKey, _ := base64.StdEncoding.DecodeString(body.ProfileKey)

	aciSigned, err := decodeSignedPreKey(body.ACISignedPreKey)
	if err != nil {
		writeError(w, err)
		return
	}
	pniSigned, err := decodeSignedPreKey(body.PNISignedPreKey)
	if err != nil {
		writeError(w, err)
		return
	}
	aciLastResort, err := decodeKyberPreKey(body.ACILastResortPQ)
	if err != nil {
		writeError(w, err)
		return
	}
	pniLastResort, err := decodeKyberPreKey(body.PNILastResortPQ)
	if err != nil {
		writeError(w, err)
		return
	}

	account, err := r.State.RegisterAccount(req.Context(), state.RegistrationRequest{
		E164:              types.E164(body.E164),
		Password:          body.Password,
		RegistrationID:    regID,
		PNIRegistrationID: pniRegID,
		FetchesMessages:   body.FetchesMessages,
		IdentityKeyACI:    aciIdentity,
		IdentityKeyPNI:    pniIdentity,
		SignedPreKeyACI:   aciSigned,
		SignedPreKeyPNI:   pniSigned,
		LastResortPQACI:   aciLastResort,
		LastResortPQPNI:   pniLastResort,
		ProfileKey:        profileKey,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponseJSON{
		UUID:     account.ACI.String(),
		PNI:      account.PNI.String(),
		Number:   string(account.E164),
		DeviceID: uint32(types.PrimaryDeviceID),
	})
}

type oneTimePreKeyUploadJSON struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type preKeyUploadRequestJSON struct {
	IdentityKey     string                    `json:"identityKey"`
	SignedPreKey    *signedPreKeyJSON         `json:"signedPreKey"`
	LastResortPQKey *signedPreKeyJSON         `json:"pqLastResortPreKey"`
	PreKeys         []oneTimePreKeyUploadJSON `json:"preKeys"`
	PQPreKeys       []signedPreKeyJSON        `json:"pqPreKeys"`
}

func (r *Router) handleUploadPreKeys(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body preKeyUploadRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed prekey upload body"))
		return
	}
	pni := req.URL.Query().Get("identity") == "pni"

	identityKey, _ := base64.StdEncoding.DecodeString(body.IdentityKey)
	signed, err := decodeSignedPreKey(body.SignedPreKey)
	if err != nil {
		writeError(w, err)
		return
	}
	lastResort, err := decodeKyberPreKey(body.LastResortPQKey)
	if err != nil {
		writeError(w, err)
		return
	}

	oneTime := make([]model.PreKey, 0, len(body.PreKeys))
	for _, pk := range body.PreKeys {
		pub, err := base64.StdEncoding.DecodeString(pk.PublicKey)
		if err != nil {
			writeError(w, apierr.NewProtocolError("invalid prekey publicKey encoding"))
			return
		}
		oneTime = append(oneTime, model.PreKey{KeyID: pk.KeyID, PublicKey: pub})
	}
	oneTimePQ := make([]model.KyberPreKey, 0, len(body.PQPreKeys))
	for i := range body.PQPreKeys {
		pq, err := decodeKyberPreKey(&body.PQPreKeys[i])
		if err != nil {
			writeError(w, err)
			return
		}
		oneTimePQ = append(oneTimePQ, *pq)
	}

	err = r.State.UploadPreKeys(req.Context(), device.Account.ACI, device.Device.ID, pni, state.PreKeyUpload{
		IdentityKey:    identityKey,
		SignedPreKey:   signed,
		LastResortPQ:   lastResort,
		OneTimePreKeys: oneTime,
		OneTimePQKeys:  oneTimePQ,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if r.Provisioning != nil {
		r.finishLinkIfPending(req.Context(), device.Device)
	}
	writeJSON(w, http.StatusOK, nil)
}

type preKeyBundleDeviceJSON struct {
	DeviceID     uint32            `json:"deviceId"`
	RegistrationID uint32          `json:"registrationId"`
	PreKey       *preKeyJSON       `json:"preKey,omitempty"`
	SignedPreKey *signedPreKeyJSON `json:"signedPreKey,omitempty"`
	PQPreKey     *signedPreKeyJSON `json:"pqPreKey,omitempty"`
}

type preKeyBundleResponseJSON struct {
	IdentityKey string                   `json:"identityKey"`
	Devices     []preKeyBundleDeviceJSON `json:"devices"`
}

func (r *Router) handleFetchPreKeyBundle(w http.ResponseWriter, req *http.Request) {
	serviceID, err := types.ServiceIDFromString(req.PathValue("serviceId"))
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid serviceId"))
		return
	}
	var deviceID types.DeviceID
	if raw := req.PathValue("deviceId"); raw != "" && raw != "*" {
		parsed, err := parseDeviceID(raw)
		if err != nil {
			writeError(w, apierr.NewProtocolError("invalid deviceId"))
			return
		}
		deviceID = parsed
	}
	wantPQ := req.URL.Query().Get("pq") == "true"

	entries, err := r.State.FetchPreKeyBundle(req.Context(), serviceID, deviceID, wantPQ)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := preKeyBundleResponseJSON{Devices: make([]preKeyBundleDeviceJSON, 0, len(entries))}
	for _, entry := range entries {
		resp.IdentityKey = base64.StdEncoding.EncodeToString(entry.IdentityKey)
		device := preKeyBundleDeviceJSON{
			DeviceID:       uint32(entry.DeviceID),
			RegistrationID: uint32(entry.RegistrationID),
		}
		if entry.PreKey != nil {
			device.PreKey = &preKeyJSON{KeyID: entry.PreKey.KeyID, PublicKey: base64.StdEncoding.EncodeToString(entry.PreKey.PublicKey)}
		}
		if entry.SignedPreKey != nil {
			device.SignedPreKey = &signedPreKeyJSON{
				KeyID:     entry.SignedPreKey.KeyID,
				PublicKey: base64.StdEncoding.EncodeToString(entry.SignedPreKey.PublicKey),
				Signature: base64.StdEncoding.EncodeToString(entry.SignedPreKey.Signature),
			}
		}
		if entry.PQPreKey != nil {
			device.PQPreKey = &signedPreKeyJSON{
				KeyID:     entry.PQPreKey.KeyID,
				PublicKey: base64.StdEncoding.EncodeToString(entry.PQPreKey.PublicKey),
				Signature: base64.StdEncoding.EncodeToString(entry.PQPreKey.Signature),
			}
		}
		resp.Devices = append(resp.Devices, device)
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseDeviceID(raw string) (types.DeviceID, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return types.DeviceID(n), nil
}

type senderCertificateResponseJSON struct {
	Certificate string `json:"certificate"`
}

// senderCertificateTTL matches the conventional 24h sender-certificate
// lifetime real Signal servers issue.
const senderCertificateTTL = 24 * time.Hour

func (r *Router) handleGetSenderCertificate(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	identityKey := device.Device.ACIPreKeys.IdentityKey
	cert, err := cryptofacade.GenerateSenderCertificate(r.ServerCert, device.Account.ACI.String(), string(device.Account.E164), uint32(device.Device.ID), identityKey, time.Now().Add(senderCertificateTTL).UnixMilli())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, senderCertificateResponseJSON{
		Certificate: base64.StdEncoding.EncodeToString(cert.Signature),
	})
}

func (r *Router) handleDeviceCapabilities(w http.ResponseWriter, req *http.Request) {
	if _, ok := deviceFromContext(req.Context()); !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

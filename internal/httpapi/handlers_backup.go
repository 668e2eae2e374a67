package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
)

type registerBackupIDRequestJSON struct {
	CredentialRequest string `json:"backupAuthCredentialRequest"`
}

func (r *Router) handleRegisterBackupID(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body registerBackupIDRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed backup id registration body"))
		return
	}
	credentialRequest, err := base64.StdEncoding.DecodeString(body.CredentialRequest)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid backupAuthCredentialRequest encoding"))
		return
	}
	if err := r.State.RegisterBackupID(req.Context(), device.Account.ACI, credentialRequest); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type bindBackupKeyRequestJSON struct {
	BackupIDPublicKey string `json:"backupIdPublicKey"`
	MediaBackupKey    string `json:"mediaBackupKey"`
}

func (r *Router) handleBindBackupKey(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body bindBackupKeyRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed backup key body"))
		return
	}
	pubKey, err := base64.StdEncoding.DecodeString(body.BackupIDPublicKey)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid backupIdPublicKey encoding"))
		return
	}
	mediaKey, err := base64.StdEncoding.DecodeString(body.MediaBackupKey)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid mediaBackupKey encoding"))
		return
	}
	if err := r.State.BindBackupKey(req.Context(), device.Account.ACI, pubKey, mediaKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

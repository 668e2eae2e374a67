package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
)

type reserveUsernameRequestJSON struct {
	UsernameHashes []string `json:"usernameHashes"`
}

type reserveUsernameResponseJSON struct {
	UsernameHash string `json:"usernameHash"`
}

func (r *Router) handleReserveUsername(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body reserveUsernameRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed username reservation body"))
		return
	}
	hash, err := r.State.ReserveUsername(req.Context(), device.Account.ACI, body.UsernameHashes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveUsernameResponseJSON{UsernameHash: hash})
}

type confirmUsernameRequestJSON struct {
	UsernameHash string `json:"usernameHash"`
	ZKProof      string `json:"zkProof"`
}

func (r *Router) handleConfirmUsername(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body confirmUsernameRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed username confirm body"))
		return
	}
	zkProof, err := base64.StdEncoding.DecodeString(body.ZKProof)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid zkProof encoding"))
		return
	}
	if err := r.State.ConfirmUsername(req.Context(), device.Account.ACI, body.UsernameHash, zkProof); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

package httpapi

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
)

type callLinkJSON struct {
	RootKey      string `json:"rootKey"`
	AdminPasskey string `json:"adminPasskey,omitempty"`
	Name         string `json:"name"`
	Restriction  int    `json:"restriction"`
	Revoked      bool   `json:"revoked"`
}

func callLinkToJSON(l *model.CallLink) callLinkJSON {
	return callLinkJSON{
		RootKey:     hex.EncodeToString(l.RootKey[:]),
		Name:        l.Name,
		Restriction: int(l.Restriction),
		Revoked:     l.Revoked,
	}
}

type createCallLinkRequestJSON struct {
	RootKey      string `json:"rootKey"`
	AdminPasskey string `json:"adminPasskey"`
	Name         string `json:"name"`
	Restriction  int    `json:"restriction"`
}

func parseRootKey(hexStr string) ([16]byte, error) {
	var out [16]byte
	raw, err := hex.DecodeString(hexStr)
	if err != nil || len(raw) != 16 {
		return out, apierr.NewProtocolError("rootKey must be 16 bytes hex-encoded")
	}
	copy(out[:], raw)
	return out, nil
}

func (r *Router) handleCreateCallLink(w http.ResponseWriter, req *http.Request) {
	var body createCallLinkRequestJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed call link create body"))
		return
	}
	rootKey, err := parseRootKey(body.RootKey)
	if err != nil {
		writeError(w, err)
		return
	}
	adminPasskey, err := base64.StdEncoding.DecodeString(body.AdminPasskey)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid adminPasskey encoding"))
		return
	}
	link, err := r.State.CreateCallLink(req.Context(), rootKey, adminPasskey, body.Name, model.CallLinkRestriction(body.Restriction))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callLinkToJSON(link))
}

func (r *Router) handleGetCallLink(w http.ResponseWriter, req *http.Request) {
	rootKey, err := parseRootKey(req.PathValue("rootKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	link, err := r.State.GetCallLink(req.Context(), rootKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callLinkToJSON(link))
}

func (r *Router) handleRevokeCallLink(w http.ResponseWriter, req *http.Request) {
	rootKey, err := parseRootKey(req.PathValue("rootKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	adminPasskey, err := base64.StdEncoding.DecodeString(req.Header.Get("X-Admin-Passkey"))
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid X-Admin-Passkey encoding"))
		return
	}
	if err := r.State.RevokeCallLink(req.Context(), rootKey, adminPasskey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

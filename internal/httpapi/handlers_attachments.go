package httpapi

import (
	"io"
	"net/http"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
)

// attachmentFormResponseJSON mirrors the pre-signed-looking upload form a
// real CDN issues; sigmock points every field at its own PUT endpoint since
// there is no real S3/GCS backing it.
type attachmentFormResponseJSON struct {
	CDN    int               `json:"cdn"`
	Key    string            `json:"key"`
	Headers map[string]string `json:"headers"`
	SignedUploadLocation string `json:"signedUploadLocation"`
}

func (r *Router) handleAttachmentForm(w http.ResponseWriter, req *http.Request) {
	if _, ok := deviceFromContext(req.Context()); !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	key := r.State.AllocateAttachmentUpload(req.Context())
	writeJSON(w, http.StatusOK, attachmentFormResponseJSON{
		CDN:                  2,
		Key:                  key,
		Headers:              map[string]string{},
		SignedUploadLocation: "/attachments/" + key,
	})
}

func (r *Router) handleAttachmentPut(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("cdnKey")
	data, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, apierr.NewProtocolError("failed to read attachment body"))
		return
	}
	if err := r.State.StoreAttachment(req.Context(), key, data); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

func (r *Router) handleAttachmentGet(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("cdnKey")
	data, err := r.State.GetAttachment(req.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

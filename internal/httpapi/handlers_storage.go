package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"

	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/state"
)

// b64KeyToBytes reverses state.B64Key, recovering the raw key bytes a
// protobuf StorageItem carries from the base64 string form the state layer
// keys its map by.
func b64KeyToBytes(key string) []byte {
	raw, _ := base64.StdEncoding.DecodeString(key)
	return raw
}

func manifestToProto(m *model.StorageManifest) *signalpb.StorageManifest {
	return &signalpb.StorageManifest{Version: m.Version, Value: m.Value}
}

// handleStorageManifest implements GET /v1/storage/manifest/version/{v},
// matching fetchStorageManifest's GET /v1/storage/manifest(/version/{v}) in
// the teacher's storageservice.go.
func (r *Router) handleStorageManifest(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	afterVersion, err := strconv.ParseUint(req.PathValue("v"), 10, 64)
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid manifest version"))
		return
	}
	manifest, err := r.State.StorageManifest(req.Context(), device.Account.ACI, afterVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	if manifest == nil {
		writeProtobuf(w, http.StatusNoContent, nil)
		return
	}
	writeProtobuf(w, http.StatusOK, manifestToProto(manifest))
}

// handleWriteStorage implements PUT /v1/storage. The body is a real
// signalpb.WriteOperation over application/x-protobuf; see the Open
// Question in DESIGN.md on why WriteOperation's field shape is grounded on
// public Signal-Server storageservice.proto knowledge rather than the
// teacher/pack corpus, which never references it.
func (r *Router) handleWriteStorage(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body signalpb.WriteOperation
	if err := readProtobufBody(req, &body); err != nil {
		writeError(w, err)
		return
	}

	insertItems := make([]model.StorageItem, 0, len(body.GetInsertItem()))
	for _, item := range body.GetInsertItem() {
		insertItems = append(insertItems, model.StorageItem{Key: state.B64Key(item.GetKey()), Value: item.GetValue()})
	}
	deleteKeys := make([]string, 0, len(body.GetDeleteKey()))
	for _, key := range body.GetDeleteKey() {
		deleteKeys = append(deleteKeys, state.B64Key(key))
	}

	manifest, err := r.State.WriteStorage(req.Context(), device.Account.ACI, state.StorageWrite{
		Manifest: model.StorageManifest{
			Version: body.GetManifest().GetVersion(),
			Value:   body.GetManifest().GetValue(),
		},
		InsertItem: insertItems,
		DeleteKey:  deleteKeys,
		ClearAll:   body.GetClearAll(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeProtobuf(w, http.StatusOK, manifestToProto(manifest))
}

// handleReadStorage implements PUT /v1/storage/read, matching the
// read/&signalpb.ReadOperation{ReadKey: recordKeys} request and
// signalpb.StorageItems response in the teacher's storageservice.go.
func (r *Router) handleReadStorage(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	var body signalpb.ReadOperation
	if err := readProtobufBody(req, &body); err != nil {
		writeError(w, err)
		return
	}
	keys := make([]string, 0, len(body.GetReadKey()))
	for _, key := range body.GetReadKey() {
		keys = append(keys, state.B64Key(key))
	}
	items, err := r.State.ReadStorageItems(req.Context(), device.Account.ACI, keys)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := &signalpb.StorageItems{Items: make([]*signalpb.StorageItem, 0, len(items))}
	for _, item := range items {
		resp.Items = append(resp.Items, &signalpb.StorageItem{Key: b64KeyToBytes(item.Key), Value: item.Value})
	}
	writeProtobuf(w, http.StatusOK, resp)
}

// Package httpapi builds the mock server's HTTP surface: one
// net/http.ServeMux registered with Go 1.22+ method+pattern routes, grounded
// on cmd/mautrix-signal/main.go's own "GET /v2/resolve_identifier/{phonenum}"
// registration style. Each route declares an auth mode (none, basic device
// credentials, or a shape-only zk-auth header check) that the router
// enforces before the handler runs.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/config"
	"github.com/offsoc/Mock-Signal-Server/internal/cryptofacade"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/provisioning"
	"github.com/offsoc/Mock-Signal-Server/internal/state"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
	"github.com/offsoc/Mock-Signal-Server/internal/wsmux"
)

// Router owns every piece of wiring a handler might need: the protocol
// engine, the provisioning coordinator, loaded certs, and the table of live
// device WebSocket connections used for immediate message push.
type Router struct {
	State        *state.ServerState
	Provisioning *provisioning.Coordinator
	TrustRoot    config.TrustRoot
	ZKParams     config.ZKParams
	ServerCert   *cryptofacade.ServerCertificate
	Log          zerolog.Logger

	conns connectionTable

	// linkMu/pendingLinkUUID correlates a freshly linked device back to the
	// provisioning attempt that created it, since UploadPreKeys only ever
	// sees (aci, deviceId) while Coordinator.FinishLink needs the
	// provisioning uuid. Populated by handleDeviceLink, consumed by
	// finishLinkIfPending.
	linkMu          sync.Mutex
	pendingLinkUUID map[string]string
}

// New builds the fully-wired *http.ServeMux sigmock serves. It mints one
// server certificate from the trust root at construction time, matching
// "global certificate material ... loaded once at server construction" in
// the design notes.
func New(st *state.ServerState, prov *provisioning.Coordinator, trustRoot config.TrustRoot, zkParams config.ZKParams, log zerolog.Logger) http.Handler {
	serverCert, err := cryptofacade.GenerateServerCertificate(trustRoot.KeyID, trustRoot.PrivateKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mint server certificate from trust root")
	}
	r := &Router{
		State:        st,
		Provisioning: prov,
		TrustRoot:    trustRoot,
		ZKParams:     zkParams,
		ServerCert:   serverCert,
		Log:          log,
		conns:        newConnectionTable(),
		pendingLinkUUID: make(map[string]string),
	}
	mux := http.NewServeMux()

	mux.HandleFunc("PUT /v1/registration", r.withAuth(authNone, r.handleRegister))
	mux.HandleFunc("PUT /v2/keys", r.withAuth(authBasic, r.handleUploadPreKeys))
	mux.HandleFunc("GET /v2/keys/{serviceId}/{deviceId}", r.withAuth(authBasic, r.handleFetchPreKeyBundle))

	// Send accepts EITHER an authenticated MessageList (authBasic) or an
	// unauthenticated sealed-sender envelope carrying Unidentified-Access-Key
	// (spec.md §6); the two auth shapes can't be expressed as one authMode, so
	// handleSendMessages resolves auth itself via r.authenticateDevice.
	mux.HandleFunc("PUT /v1/messages/{serviceId}", r.withAuth(authNone, r.handleSendMessages))
	mux.HandleFunc("GET /v1/messages", r.withAuth(authBasic, r.handleFetchMessages))
	mux.HandleFunc("DELETE /v1/messages/uuid/{guid}", r.withAuth(authBasic, r.handleAckMessage))

	mux.HandleFunc("PUT /v1/groups", r.withAuth(authZKGroup, r.handleCreateGroup))
	mux.HandleFunc("PATCH /v1/groups", r.withAuth(authZKGroup, r.handleApplyGroupChange))
	mux.HandleFunc("GET /v1/groups/logs/{fromVersion}", r.withAuth(authZKGroup, r.handleGroupChangeLog))

	mux.HandleFunc("GET /v1/storage/manifest/version/{v}", r.withAuth(authBasic, r.handleStorageManifest))
	mux.HandleFunc("PUT /v1/storage", r.withAuth(authBasic, r.handleWriteStorage))
	mux.HandleFunc("PUT /v1/storage/read", r.withAuth(authBasic, r.handleReadStorage))

	mux.HandleFunc("POST /v3/attachments/form/upload", r.withAuth(authBasic, r.handleAttachmentForm))
	mux.HandleFunc("PUT /attachments/{cdnKey}", r.withAuth(authNone, r.handleAttachmentPut))
	mux.HandleFunc("GET /attachments/{cdnKey}", r.withAuth(authNone, r.handleAttachmentGet))

	mux.HandleFunc("PUT /v1/accounts/username_hash/reserve", r.withAuth(authBasic, r.handleReserveUsername))
	mux.HandleFunc("PUT /v1/accounts/username_hash/confirm", r.withAuth(authBasic, r.handleConfirmUsername))

	mux.HandleFunc("PUT /v1/archives/backupid", r.withAuth(authBasic, r.handleRegisterBackupID))
	mux.HandleFunc("PUT /v1/archives/keys", r.withAuth(authBasic, r.handleBindBackupKey))

	mux.HandleFunc("PUT /v1/call-link", r.withAuth(authZKGroup, r.handleCreateCallLink))
	mux.HandleFunc("GET /v1/call-link/{rootKey}", r.withAuth(authZKGroup, r.handleGetCallLink))
	mux.HandleFunc("DELETE /v1/call-link/{rootKey}", r.withAuth(authZKGroup, r.handleRevokeCallLink))

	mux.HandleFunc("GET /v1/config", r.withAuth(authNone, r.handleGetZKParams))
	mux.HandleFunc("GET /v1/certificate/delivery", r.withAuth(authBasic, r.handleGetSenderCertificate))

	mux.HandleFunc("GET /v1/websocket/provisioning/", r.handleProvisioningSocket)
	mux.HandleFunc("GET /v1/websocket/", r.withAuth(authBasic, r.handleDeviceSocket))
	mux.HandleFunc("PUT /v1/devices/link", r.handleDeviceLink)
	mux.HandleFunc("PUT /v1/devices/capabilities", r.withAuth(authBasic, r.handleDeviceCapabilities))

	return mux
}

// --- auth modes -------------------------------------------------------------

type authMode int

const (
	authNone authMode = iota
	authBasic
	authZKGroup
)

// ctxKey is the private type authenticated-device context values are stored
// under, avoiding collisions with other packages' context keys.
type ctxKey int

const deviceCtxKey ctxKey = iota
const zkGroupAuthCtxKey ctxKey = iota + 1

// authedDevice is what withAuth installs into the request context once
// basic-auth credentials check out against a known (ACI, DeviceId, password).
type authedDevice struct {
	Account *model.Account
	Device  *model.Device
}

func deviceFromContext(ctx context.Context) (*authedDevice, bool) {
	d, ok := ctx.Value(deviceCtxKey).(*authedDevice)
	return d, ok
}

// zkGroupAuth is the shape-only-verified credential presentation a group
// route's Authorization header carries: Username is the hex-encoded
// groupPublicParams GetAuthorizationForToday derives, which doubles as the
// group's identifier since group routes carry no path parameter for it.
type zkGroupAuth struct {
	PublicKey []byte
}

func zkGroupAuthFromContext(ctx context.Context) (zkGroupAuth, bool) {
	a, ok := ctx.Value(zkGroupAuthCtxKey).(zkGroupAuth)
	return a, ok
}

// authenticateDevice runs the authBasic credential check standalone, for
// handlers like handleSendMessages that must accept basic auth as only one
// of several possible auth shapes and so can't rely on withAuth(authBasic).
func (r *Router) authenticateDevice(req *http.Request) (*authedDevice, error) {
	username, password, ok := req.BasicAuth()
	if !ok {
		return nil, apierr.NewAuthError("missing basic auth credentials")
	}
	aci, deviceID, err := parseBasicAuthUsername(username)
	if err != nil {
		return nil, apierr.NewAuthError(err.Error())
	}
	account, err := r.State.AccountByACI(aci)
	if err != nil {
		return nil, apierr.NewAuthError("unknown credentials")
	}
	device, ok := account.Devices[deviceID]
	if !ok || device.Password != password {
		return nil, apierr.NewAuthError("unknown credentials")
	}
	return &authedDevice{Account: account, Device: device}, nil
}

func (r *Router) withAuth(mode authMode, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		switch mode {
		case authNone:
			next(w, req)
		case authBasic:
			authed, err := r.authenticateDevice(req)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx := context.WithValue(req.Context(), deviceCtxKey, authed)
			next(w, req.WithContext(ctx))
		case authZKGroup:
			username, _, ok := req.BasicAuth()
			if !ok || username == "" {
				writeError(w, apierr.NewAuthError("missing zkgroup credential presentation"))
				return
			}
			publicKey, err := hex.DecodeString(username)
			if err != nil {
				writeError(w, apierr.NewAuthError("malformed zkgroup public params"))
				return
			}
			ctx := context.WithValue(req.Context(), zkGroupAuthCtxKey, zkGroupAuth{PublicKey: publicKey})
			next(w, req.WithContext(ctx))
		}
	}
}

func parseBasicAuthUsername(username string) (types.ServiceID, types.DeviceID, error) {
	parts := strings.SplitN(username, ".", 2)
	aci, err := types.ServiceIDFromString(parts[0])
	if err != nil {
		return types.EmptyServiceID, 0, err
	}
	if len(parts) == 1 {
		return aci, types.PrimaryDeviceID, nil
	}
	deviceID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return types.EmptyServiceID, 0, err
	}
	return aci, types.DeviceID(deviceID), nil
}

// --- response helpers --------------------------------------------------------

// contentTypeProtobuf is the wire content type for every endpoint spec.md §6
// names as protobuf: envelopes, provision messages, groups, and storage
// records. Mirrors web.ContentTypeProtobuf in the teacher's HTTP client.
const contentTypeProtobuf = "application/x-protobuf"

// readProtobufBody reads req.Body and unmarshals it into v, matching the
// client side's proto.Unmarshal(req.Body, envelope) idiom.
func readProtobufBody(req *http.Request, v proto.Message) error {
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return apierr.NewProtocolError("failed to read request body")
	}
	if err := proto.Unmarshal(raw, v); err != nil {
		return apierr.NewProtocolError("malformed protobuf body")
	}
	return nil
}

// writeProtobuf marshals v and writes it as an application/x-protobuf body.
func writeProtobuf(w http.ResponseWriter, status int, v proto.Message) {
	w.Header().Set("Content-Type", contentTypeProtobuf)
	if v == nil {
		w.WriteHeader(status)
		return
	}
	body, err := proto.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := translateError(err)
	writeJSON(w, status, body)
}

func translateError(err error) (int, any) {
	var protocolErr *apierr.ProtocolError
	var authErr *apierr.AuthError
	var conflictErr *apierr.ConflictError
	var notFoundErr *apierr.NotFoundError
	var cryptoErr *apierr.CryptoError
	switch {
	case errors.As(err, &protocolErr):
		if protocolErr.Unprocessable {
			return http.StatusUnprocessableEntity, map[string]string{"message": protocolErr.Message}
		}
		return http.StatusBadRequest, map[string]string{"message": protocolErr.Message}
	case errors.As(err, &authErr):
		if authErr.Forbidden {
			return http.StatusForbidden, map[string]string{"message": authErr.Message}
		}
		return http.StatusUnauthorized, map[string]string{"message": authErr.Message}
	case errors.As(err, &conflictErr):
		if conflictErr.Detail != nil {
			return http.StatusConflict, conflictErr.Detail
		}
		return http.StatusConflict, map[string]string{"message": conflictErr.Message}
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound, map[string]string{"message": notFoundErr.Message}
	case errors.As(err, &cryptoErr):
		if cryptoErr.AuthLike {
			return http.StatusUnauthorized, map[string]string{"message": cryptoErr.Message}
		}
		return http.StatusUnprocessableEntity, map[string]string{"message": cryptoErr.Message}
	default:
		return http.StatusInternalServerError, map[string]string{"message": "internal server error"}
	}
}

// connectionTable tracks live device WebSocket connections so message send
// can push immediately instead of waiting for the next GET /v1/messages.
type connectionTable struct {
	mu    sync.RWMutex
	byKey map[string]*wsmux.Conn
}

func newConnectionTable() connectionTable {
	return connectionTable{byKey: make(map[string]*wsmux.Conn)}
}

func connKey(aci types.ServiceID, deviceID types.DeviceID) string {
	return aci.String() + "." + strconv.FormatUint(uint64(deviceID), 10)
}

func (t *connectionTable) set(aci types.ServiceID, deviceID types.DeviceID, conn *wsmux.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byKey[connKey(aci, deviceID)] = conn
}

func (t *connectionTable) remove(aci types.ServiceID, deviceID types.DeviceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byKey, connKey(aci, deviceID))
}

func (t *connectionTable) get(aci types.ServiceID, deviceID types.DeviceID) (*wsmux.Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byKey[connKey(aci, deviceID)]
	return c, ok
}

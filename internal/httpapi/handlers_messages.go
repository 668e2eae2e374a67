package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"google.golang.org/protobuf/proto"

	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

// unidentifiedAccessKeyHeader carries base64(profileKeyDerivedKey) on an
// unauthenticated sealed-sender send, replacing Authorization/Basic entirely;
// see spec.md §6 and the Open Question in DESIGN.md on why the key itself is
// only shape-checked rather than derived and verified against the real
// profile key (mirrors the authZKGroup stance on credential presentations).
const unidentifiedAccessKeyHeader = "Unidentified-Access-Key"

// outgoingMessageJSON is one per-device entry of the MessageList PUT
// /v1/messages/{serviceId} accepts, matching the envelope fields a real
// signalmeow client fills in.
type outgoingMessageJSON struct {
	Type                      int32  `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"`
}

type messageListJSON struct {
	Messages  []outgoingMessageJSON `json:"messages"`
	Timestamp int64                 `json:"timestamp"`
}

type mismatchedDevicesJSON struct {
	StaleDevices   []uint32 `json:"staleDevices,omitempty"`
	MissingDevices []uint32 `json:"missingDevices,omitempty"`
	ExtraDevices   []uint32 `json:"extraDevices,omitempty"`
}

func toUint32Slice(ids []types.DeviceID) []uint32 {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}

// handleSendMessages implements both send shapes spec.md §4.2/§6 allow: an
// authenticated MessageList (Basic auth, source fields filled from the
// authenticated device) and an unauthenticated sealed-sender send (no
// Authorization at all, Unidentified-Access-Key instead; source fields stay
// empty since the real sender identity is sealed inside Content, not visible
// to the server).
func (r *Router) handleSendMessages(w http.ResponseWriter, req *http.Request) {
	dest, err := types.ServiceIDFromString(req.PathValue("serviceId"))
	if err != nil {
		writeError(w, apierr.NewProtocolError("invalid serviceId"))
		return
	}

	var body messageListJSON
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, apierr.NewProtocolError("malformed message list body"))
		return
	}

	var sourceServiceID types.ServiceID
	var sourceDevice types.DeviceID
	if uak := req.Header.Get(unidentifiedAccessKeyHeader); uak != "" {
		if _, err := base64.StdEncoding.DecodeString(uak); err != nil {
			writeError(w, apierr.NewAuthError("malformed unidentified access key"))
			return
		}
		// Sealed-sender: no basic auth, source identity stays unset.
	} else {
		author, err := r.authenticateDevice(req)
		if err != nil {
			writeError(w, err)
			return
		}
		sourceServiceID = author.Account.ACI
		sourceDevice = author.Device.ID
	}

	envelopesByDevice := make(map[types.DeviceID]model.Envelope, len(body.Messages))
	for _, msg := range body.Messages {
		content, err := base64.StdEncoding.DecodeString(msg.Content)
		if err != nil {
			writeError(w, apierr.NewProtocolError("invalid message content encoding"))
			return
		}
		deviceID := types.DeviceID(msg.DestinationDeviceID)
		regID, err := types.NewRegistrationID(msg.DestinationRegistrationID)
		if err != nil {
			writeError(w, err)
			return
		}
		envelopesByDevice[deviceID] = model.Envelope{
			Type:                    msg.Type,
			SourceServiceID:         sourceServiceID,
			SourceDevice:            sourceDevice,
			DestinationDeviceID:     deviceID,
			DestinationRegistration: regID,
			Content:                 content,
		}
	}

	outcome, err := r.State.SendMessages(req.Context(), dest, envelopesByDevice, r.pushMessage)
	if err != nil {
		writeError(w, err)
		return
	}
	if outcome.HasMismatch() {
		writeError(w, apierr.NewConflictError("device mismatch", mismatchedDevicesJSON{
			StaleDevices:   toUint32Slice(outcome.StaleDevices),
			MissingDevices: toUint32Slice(outcome.MissingDevices),
			ExtraDevices:   toUint32Slice(outcome.ExtraDevices),
		}))
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// envelopeToProto builds the real signalpb.Envelope a live device's
// WebSocket push and backlog drain both deliver, matching the client side's
// proto.Unmarshal(req.Body, &signalpb.Envelope{}) in incomingAPIMessageHandler.
func envelopeToProto(env model.Envelope) *signalpb.Envelope {
	envType := signalpb.Envelope_Type(env.Type)
	sourceDevice := uint32(env.SourceDevice)
	timestamp := uint64(env.ServerTimestamp.UnixMilli())
	serverTimestamp := timestamp
	guid := env.GUID
	pb := &signalpb.Envelope{
		Type:            &envType,
		SourceDevice:    &sourceDevice,
		Timestamp:       &timestamp,
		ServerTimestamp: &serverTimestamp,
		Content:         env.Content,
		ServerGuid:      &guid,
	}
	if !env.SourceServiceID.IsEmpty() {
		sourceServiceID := env.SourceServiceID.String()
		pb.SourceServiceId = &sourceServiceID
	}
	return pb
}

// pushMessage is the DeliverHook SendMessages invokes once an envelope is
// durably queued: if the destination device has a live WebSocket it is
// pushed immediately as a server-initiated PUT /api/v1/message request
// carrying a real marshaled signalpb.Envelope.
func (r *Router) pushMessage(account *model.Account, device *model.Device, env model.Envelope) {
	if !device.FetchesMessages {
		return
	}
	conn, ok := r.conns.get(account.ACI, device.ID)
	if !ok {
		return
	}
	body, err := proto.Marshal(envelopeToProto(env))
	if err != nil {
		r.Log.Err(err).Msg("failed to marshal envelope for push")
		return
	}
	go func() {
		_, err := conn.PushRequest(context.Background(), "PUT", "/api/v1/message", body)
		if err != nil {
			r.Log.Err(err).Str("guid", env.GUID).Msg("failed to push message over websocket")
		}
	}()
}

type envelopeJSON struct {
	Type            int32  `json:"type"`
	SourceServiceID string `json:"sourceServiceId"`
	SourceDevice    uint32 `json:"sourceDevice"`
	Content         string `json:"content"`
	Timestamp       int64  `json:"timestamp"`
	GUID            string `json:"guid"`
}

type fetchedMessagesResponseJSON struct {
	Messages []envelopeJSON `json:"messages"`
}

func (r *Router) handleFetchMessages(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	envelopes, err := r.State.FetchMessages(req.Context(), device.Account.ACI, device.Device.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := fetchedMessagesResponseJSON{Messages: make([]envelopeJSON, 0, len(envelopes))}
	for _, env := range envelopes {
		resp.Messages = append(resp.Messages, envelopeJSON{
			Type:            env.Type,
			SourceServiceID: env.SourceServiceID.String(),
			SourceDevice:    uint32(env.SourceDevice),
			Content:         base64.StdEncoding.EncodeToString(env.Content),
			Timestamp:       env.ServerTimestamp.UnixMilli(),
			GUID:            env.GUID,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleAckMessage(w http.ResponseWriter, req *http.Request) {
	device, ok := deviceFromContext(req.Context())
	if !ok {
		writeError(w, apierr.NewAuthError("missing authenticated device"))
		return
	}
	guid := req.PathValue("guid")
	if err := r.State.AckMessage(req.Context(), device.Account.ACI, device.Device.ID, guid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

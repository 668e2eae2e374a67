// Package provisioning implements the linking/provisioning coordinator: the
// hand-off between the WebSocket connection a not-yet-linked secondary
// device holds open on /v1/websocket/provisioning/ and the out-of-band test
// harness that plays the role of the scanning primary device.
//
// It mirrors the real protocol startProvisioning/continueProvisioning dance
// in provisioning.go, but — per the design's explicit small state machine —
// exposes the four suspension points (advertise, code-issued,
// device-registered, keys-uploaded) as a chain of queue.PromiseQueue
// rendezvous rather than a monolithic goroutine.
package provisioning

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"

	"github.com/offsoc/Mock-Signal-Server/internal/apierr"
	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/queue"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

func decodeB64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// CurrentProvisioningVersion is the ProvisioningMessage.ProvisioningVersion
// value this server emits. The teacher's own signalmeow source carries a
// "TODO(indutny): is it correct?" next to the equivalent constant; we keep
// that uncertainty on record rather than resolve it silently (see
// DESIGN.md's Open Questions).
const CurrentProvisioningVersion = 1 // TODO: is this the correct provisioning version?

// PendingProvisionResponse is what the test harness supplies once it has
// decided to "scan" a pending provisioning URL: the URL itself (so the
// coordinator can recover the secondary device's ephemeral public key), the
// primary device standing in for the human who scanned it, and that
// device's ACI identity private key. The server never holds private key
// material itself (ServerState only ever sees public keys uploaded via
// UploadPreKeys), so the harness — standing in for the scanning primary —
// supplies it directly, mirroring confirmDevice's use of aciIdentityKeyPair
// in the teacher's client-side provisioning.go.
type PendingProvisionResponse struct {
	ProvisioningURL    string
	PrimaryDevice      *model.Account
	IdentityKeyPrivate []byte
}

// parsedURL is what Parses the provision URL query yields.
type parsedURL struct {
	uuid   string
	pubKey []byte
}

func parseProvisioningURL(raw string) (parsedURL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return parsedURL{}, fmt.Errorf("provisioning: invalid provisioning url: %w", err)
	}
	q := u.Query()
	uuidStr := q.Get("uuid")
	if uuidStr == "" {
		return parsedURL{}, fmt.Errorf("provisioning: provisioning url missing uuid")
	}
	pubKeyB64 := q.Get("pub_key")
	if pubKeyB64 == "" {
		return parsedURL{}, fmt.Errorf("provisioning: provisioning url missing pub_key")
	}
	pubKey, err := decodeB64(pubKeyB64)
	if err != nil {
		return parsedURL{}, fmt.Errorf("provisioning: bad pub_key encoding: %w", err)
	}
	return parsedURL{uuid: uuidStr, pubKey: pubKey}, nil
}

// PendingProvision is the value the test harness receives from
// WaitForProvision: one not-yet-completed linking attempt, identified by the
// uuid the server advertised to the connected secondary device.
type PendingProvision struct {
	UUID string

	coordinator *Coordinator
	item        queue.Item[string, PendingProvisionResponse]
}

// Complete supplies the scanned provisioning URL and the primary device
// standing in for it, then blocks until the secondary device has registered
// and uploaded keys — i.e. until FinishLink is called for this attempt —
// and returns the resulting device.
func (p *PendingProvision) Complete(ctx context.Context, resp PendingProvisionResponse) (*model.Device, error) {
	resultQueue := queue.New[struct{}, *model.Device](1)
	p.coordinator.registerAwaiter(p.UUID, resultQueue)
	if !p.item.HasReply() {
		return nil, fmt.Errorf("provisioning: attempt %s already completed", p.UUID)
	}
	p.item.Reply(resp)
	return resultQueue.PushAndWait(ctx, struct{}{})
}

// linkAttempt is the coordinator's bookkeeping for one in-flight link, from
// the moment a ProvisioningCode is minted through keys-uploaded.
type linkAttempt struct {
	uuid        string
	accountACI  types.ServiceID
	resultQueue *queue.PromiseQueue[struct{}, *model.Device]
}

// Coordinator owns the three queues the design names: provisionQueue (one
// entry per advertised secondary), and the code-/key-indexed maps standing
// in for provisionResultQueueByCode and provisionResultQueueByKey.
type Coordinator struct {
	provisionQueue *queue.PromiseQueue[string, PendingProvisionResponse]

	mu         sync.Mutex
	byUUID     map[string]*queue.PromiseQueue[struct{}, *model.Device]
	byCode     map[types.ProvisioningCode]*linkAttempt
}

// New constructs an empty Coordinator.
func New() *Coordinator {
	return &Coordinator{
		provisionQueue: queue.New[string, PendingProvisionResponse](64),
		byUUID:         make(map[string]*queue.PromiseQueue[struct{}, *model.Device]),
		byCode:         make(map[types.ProvisioningCode]*linkAttempt),
	}
}

func (c *Coordinator) registerAwaiter(uuid string, q *queue.PromiseQueue[struct{}, *model.Device]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byUUID[uuid] = q
}

// Advertise is called by the provisioning WebSocket handler right after it
// has sent the secondary device its PUT /v1/address frame. It blocks (the
// "advertised" state) until the test harness's WaitForProvision/Complete
// pair supplies a PendingProvisionResponse.
func (c *Coordinator) Advertise(ctx context.Context, uuid string) (PendingProvisionResponse, error) {
	return c.provisionQueue.PushAndWait(ctx, uuid)
}

// WaitForProvision pops the oldest advertised-but-unclaimed attempt,
// matching "provision URLs are issued in the order clients request them."
func (c *Coordinator) WaitForProvision(ctx context.Context) (*PendingProvision, error) {
	item, err := c.provisionQueue.Shift(ctx)
	if err != nil {
		return nil, err
	}
	return &PendingProvision{UUID: item.Value, coordinator: c, item: item}, nil
}

// ResolveForEnvelope parses a completed attempt's provisioning URL and
// mints a fresh ProvisioningCode, moving the attempt from "advertised" to
// "code-issued". The caller uses the returned public key to encrypt the
// ProvisionMessage and the code to answer it inside the envelope.
func (c *Coordinator) ResolveForEnvelope(uuid string, resp PendingProvisionResponse, accountACI types.ServiceID) (pubKey []byte, code types.ProvisioningCode, err error) {
	parsed, err := parseProvisioningURL(resp.ProvisioningURL)
	if err != nil {
		return nil, "", err
	}
	if parsed.uuid != uuid {
		return nil, "", fmt.Errorf("provisioning: provisioning url uuid %q does not match attempt %q", parsed.uuid, uuid)
	}
	code = types.NewProvisioningCode()

	c.mu.Lock()
	resultQueue := c.byUUID[uuid]
	delete(c.byUUID, uuid)
	c.byCode[code] = &linkAttempt{uuid: uuid, accountACI: accountACI, resultQueue: resultQueue}
	c.mu.Unlock()

	return parsed.pubKey, code, nil
}

// RedeemCode is called by the PUT /v1/devices/link handler: it resolves a
// client-presented code to the attempt's primary account and its
// provisioning uuid, moving the attempt from "code-issued" to
// "device-registered". The code is consumed (single use) whether or not the
// caller ultimately registers a device. The returned uuid lets the caller
// later correlate the registered device back to this attempt for FinishLink.
func (c *Coordinator) RedeemCode(code types.ProvisioningCode) (accountACI types.ServiceID, uuid string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	attempt, ok := c.byCode[code]
	if !ok {
		return types.EmptyServiceID, "", apierr.NewAuthError("unknown or already-used provisioning code")
	}
	delete(c.byCode, code)
	c.byUUID[attempt.uuid] = attempt.resultQueue
	return attempt.accountACI, attempt.uuid, nil
}

// FinishLink is called once the newly linked device has uploaded its keys
// (PUT /v2/keys), completing the "keys-uploaded" terminal state: it wakes
// the harness's blocked Complete call with the finished device.
func (c *Coordinator) FinishLink(ctx context.Context, uuid string, device *model.Device) error {
	c.mu.Lock()
	q, ok := c.byUUID[uuid]
	delete(c.byUUID, uuid)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("provisioning: no pending attempt for uuid %s", uuid)
	}
	item, err := q.Shift(ctx)
	if err != nil {
		return err
	}
	item.Reply(device)
	return nil
}

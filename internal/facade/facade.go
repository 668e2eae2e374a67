// Package facade is sigmock's test-facing entrypoint: the handful of
// methods a Signal client integration test calls directly instead of
// driving raw HTTP/WebSocket requests itself. Server wraps an httpapi
// router behind a real net/http.Server and crypto/tls listener; every
// façade method other than Listen/Address/Close acts out one step of the
// registration/linking dance as a real client would, dialing the server's
// own listener with coder/websocket and net/http, mirroring the shape of
// the teacher's client-side PerformProvisioning/RegisterAccount flow in
// provisioning.go but played from the opposite seat.
package facade

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	signalpb "go.mau.fi/mautrix-signal/pkg/signalmeow/protobuf"
	"go.mau.fi/util/random"
	"google.golang.org/protobuf/proto"

	"github.com/offsoc/Mock-Signal-Server/internal/config"
	"github.com/offsoc/Mock-Signal-Server/internal/cryptofacade"
	"github.com/offsoc/Mock-Signal-Server/internal/httpapi"
	"github.com/offsoc/Mock-Signal-Server/internal/provisioning"
	"github.com/offsoc/Mock-Signal-Server/internal/state"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
	"github.com/offsoc/Mock-Signal-Server/internal/wsmux"
)

// Server owns the listening socket and the wired router/state/provisioning
// triple; it is the thing cmd/sigmock's main.go constructs and a test binds
// against in place of a real Signal deployment.
type Server struct {
	State        *state.ServerState
	Provisioning *provisioning.Coordinator

	log zerolog.Logger

	httpSrv  *http.Server
	listener net.Listener
	tlsCert  tls.Certificate

	addr string
}

// New wires a fresh ServerState/Coordinator/router triple from loaded
// config, ready for Listen. It does not bind a socket yet. If cfg.Listen
// names a cert/key pair on disk those are loaded and used as-is; otherwise
// an ephemeral self-signed leaf is minted, keeping a bare Default() config
// usable for zero-config test startup.
func New(cfg config.Config, trustRoot config.TrustRoot, zkParams config.ZKParams, log zerolog.Logger) (*Server, error) {
	st := state.New()
	prov := provisioning.New()
	router := httpapi.New(st, prov, trustRoot, zkParams, log)

	cert, err := listenerCert(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("facade: generate listener certificate: %w", err)
	}

	return &Server{
		State:        st,
		Provisioning: prov,
		log:          log,
		tlsCert:      cert,
		httpSrv:      &http.Server{Handler: router},
	}, nil
}

// Listen binds a TLS listener on host:port (port 0 picks an ephemeral free
// port) and starts serving in the background.
func (s *Server) Listen(port int, host string) error {
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("facade: listen: %w", err)
	}
	tlsLn := tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{s.tlsCert}})
	s.listener = tlsLn
	s.addr = ln.Addr().String()

	go func() {
		if err := s.httpSrv.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			s.log.Err(err).Msg("sigmock listener stopped unexpectedly")
		}
	}()
	return nil
}

// Address returns the "host:port" the façade is listening on.
func (s *Server) Address() string {
	return s.addr
}

// Close shuts the listener and in-flight connections down.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// WaitForProvision is a thin pass-through to the provisioning coordinator,
// letting test code react to a device that has just opened a provisioning
// WebSocket without reaching into internal/provisioning directly.
func (s *Server) WaitForProvision(ctx context.Context) (*provisioning.PendingProvision, error) {
	return s.Provisioning.WaitForProvision(ctx)
}

func (s *Server) httpClient() *http.Client {
	pool := x509.NewCertPool()
	pool.AddCert(parseLeaf(s.tlsCert))
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}},
		Timeout:   30 * time.Second,
	}
}

func parseLeaf(cert tls.Certificate) *x509.Certificate {
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		panic(fmt.Sprintf("facade: parse self-signed leaf: %v", err))
	}
	return leaf
}

func (s *Server) baseURL(scheme string) string {
	return fmt.Sprintf("%s://%s", scheme, s.addr)
}

// PrimaryDevice is the test-side handle onto one registered (account,
// device) pair: everything CreateSecondaryDevice and message-level test
// helpers need to act as that device would.
type PrimaryDevice struct {
	server *Server
	client *http.Client

	ACI      string
	PNI      string
	DeviceID uint32
	E164     string

	password           string
	registrationID     uint32
	pniRegistrationID  uint32
	identityPrivateACI []byte
	identityPublicACI  []byte
	profileKey         []byte
}

// CreatePrimaryDeviceOptions are the client-chosen fields a real registering
// device picks for itself before calling PUT /v1/registration.
type CreatePrimaryDeviceOptions struct {
	E164       string
	ProfileKey []byte // 32 bytes; a fresh random key is minted if empty
}

// CreatePrimaryDevice drives a real PUT /v1/registration call against the
// façade's own listener, generating the identity/signed-prekey material a
// client would, and returns a handle the test can use for further calls.
func (s *Server) CreatePrimaryDevice(ctx context.Context, opts CreatePrimaryDeviceOptions) (*PrimaryDevice, error) {
	client := s.httpClient()

	password := random.String(22)
	registrationID := uint32(1)
	pniRegistrationID := uint32(2)

	identityPriv, identityPub, err := cryptofacade.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("facade: generate identity keypair: %w", err)
	}
	_, pniIdentityPub, err := cryptofacade.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("facade: generate pni identity keypair: %w", err)
	}

	profileKey := opts.ProfileKey
	if len(profileKey) == 0 {
		_, pub, err := cryptofacade.GenerateX25519Keypair()
		if err != nil {
			return nil, fmt.Errorf("facade: generate profile key: %w", err)
		}
		profileKey = pub[:]
	}

	aciSigned := mintSignedPreKey(1, identityPub[:])
	pniSigned := mintSignedPreKey(1, pniIdentityPub[:])
	aciPQ := mintSignedPreKey(100, identityPub[:])
	pniPQ := mintSignedPreKey(100, pniIdentityPub[:])

	body := map[string]any{
		"e164":              opts.E164,
		"password":          password,
		"registrationId":    registrationID,
		"pniRegistrationId": pniRegistrationID,
		"fetchesMessages":   true,
		"profileKey":        base64.StdEncoding.EncodeToString(profileKey),
		"aciIdentityKey":    base64.StdEncoding.EncodeToString(identityPub[:]),
		"pniIdentityKey":    base64.StdEncoding.EncodeToString(pniIdentityPub[:]),
		"aciSignedPreKey":   aciSigned,
		"pniSignedPreKey":   pniSigned,
		"aciPqLastResortPreKey": aciPQ,
		"pniPqLastResortPreKey": pniPQ,
	}

	var resp struct {
		UUID     string `json:"uuid"`
		PNI      string `json:"pni"`
		Number   string `json:"number"`
		DeviceID uint32 `json:"deviceId"`
	}
	if err := doJSON(ctx, client, s.baseURL("https"), http.MethodPut, "/v1/registration", "", body, &resp); err != nil {
		return nil, fmt.Errorf("facade: register primary device: %w", err)
	}

	primary := &PrimaryDevice{
		server:             s,
		client:             client,
		ACI:                resp.UUID,
		PNI:                resp.PNI,
		DeviceID:           resp.DeviceID,
		E164:               resp.Number,
		password:           password,
		registrationID:     registrationID,
		pniRegistrationID:  pniRegistrationID,
		identityPrivateACI: identityPriv[:],
		identityPublicACI:  identityPub[:],
		profileKey:         profileKey,
	}

	if err := primary.uploadPreKeys(ctx, identityPub[:]); err != nil {
		return nil, err
	}
	return primary, nil
}

func (d *PrimaryDevice) basicAuthUsername() string {
	return fmt.Sprintf("%s.%d", d.ACI, d.DeviceID)
}

func (d *PrimaryDevice) serviceID() types.ServiceID {
	id, err := types.ServiceIDFromString(d.ACI)
	if err != nil {
		panic(fmt.Sprintf("facade: primary device carries malformed ACI %q: %v", d.ACI, err))
	}
	return id
}

func (d *PrimaryDevice) uploadPreKeys(ctx context.Context, identityPub []byte) error {
	oneTime := make([]map[string]any, 0, 5)
	for i := uint32(1); i <= 5; i++ {
		_, pub, err := cryptofacade.GenerateX25519Keypair()
		if err != nil {
			return fmt.Errorf("facade: generate one-time prekey %d: %w", i, err)
		}
		oneTime = append(oneTime, map[string]any{
			"keyId":     i,
			"publicKey": base64.StdEncoding.EncodeToString(pub[:]),
		})
	}
	body := map[string]any{
		"identityKey":        base64.StdEncoding.EncodeToString(identityPub),
		"signedPreKey":       mintSignedPreKey(100, identityPub),
		"pqLastResortPreKey": mintSignedPreKey(200, identityPub),
		"preKeys":            oneTime,
		"pqPreKeys":          []any{},
	}
	return doJSON(ctx, d.client, d.server.baseURL("https"), http.MethodPut, "/v2/keys", d.basicAuthUsername()+":"+d.password, body, nil)
}

// CreateSecondaryDevice plays both seats of the linking dance at once: the
// secondary device dialing the real provisioning WebSocket, and the
// scanning-primary harness driving WaitForProvision/pending.Complete, which
// SPEC_FULL §4.5/§8 scenario 2 otherwise expect a test to drive by hand.
// Wiring both into one call keeps CreateSecondaryDevice's signature matching
// §6's process surface (`CreateSecondaryDevice(ctx, primary)`) while still
// exercising the full wire dance: real client requests cross the same HTTP
// and WebSocket surface they would against a live Signal deployment.
func (s *Server) CreateSecondaryDevice(ctx context.Context, primary *PrimaryDevice) (*PrimaryDevice, error) {
	client := s.httpClient()

	urlCh := make(chan string, 1)
	msgCh := make(chan []byte, 1)
	dialErrCh := make(chan error, 1)
	go func() {
		if err := dialAsSecondary(ctx, client, s.addr, urlCh, msgCh); err != nil {
			dialErrCh <- err
		}
	}()

	var provisioningURL string
	select {
	case provisioningURL = <-urlCh:
	case err := <-dialErrCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	pending, err := s.WaitForProvision(ctx)
	if err != nil {
		return nil, fmt.Errorf("facade: wait for provision: %w", err)
	}
	primaryAccount, err := s.State.AccountByACI(primary.serviceID())
	if err != nil {
		return nil, fmt.Errorf("facade: look up scanning primary's account: %w", err)
	}

	completeErrCh := make(chan error, 1)
	go func() {
		_, err := pending.Complete(ctx, provisioning.PendingProvisionResponse{
			ProvisioningURL:    provisioningURL,
			PrimaryDevice:      primaryAccount,
			IdentityKeyPrivate: primary.identityPrivateACI,
		})
		completeErrCh <- err
	}()

	var plaintext []byte
	select {
	case plaintext = <-msgCh:
	case err := <-dialErrCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	message := &signalpb.ProvisionMessage{}
	if err := proto.Unmarshal(plaintext, message); err != nil {
		return nil, fmt.Errorf("facade: unmarshal provision message: %w", err)
	}

	password := random.String(22)
	registrationID := uint32(2)
	pniRegistrationID := uint32(3)
	_, identityPub, err := cryptofacade.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("facade: generate secondary identity keypair: %w", err)
	}

	linkBody := map[string]any{
		"verificationCode": message.GetProvisioningCode(),
		"password":         password,
		"accountAttributes": map[string]any{
			"fetchesMessages":   true,
			"name":              "sigmock-secondary",
			"registrationId":    registrationID,
			"pniRegistrationId": pniRegistrationID,
			"capabilities":      map[string]bool{},
		},
		"aciSignedPreKey":       mintSignedPreKey(1, identityPub[:]),
		"pniSignedPreKey":       mintSignedPreKey(1, identityPub[:]),
		"aciPqLastResortPreKey": mintSignedPreKey(100, identityPub[:]),
		"pniPqLastResortPreKey": mintSignedPreKey(100, identityPub[:]),
	}

	var linkResp struct {
		ACI      string `json:"uuid"`
		PNI      string `json:"pni"`
		DeviceID uint32 `json:"deviceId"`
	}
	if err := doJSON(ctx, client, s.baseURL("https"), http.MethodPut, "/v1/devices/link", "", linkBody, &linkResp); err != nil {
		return nil, fmt.Errorf("facade: confirm device link: %w", err)
	}

	secondary := &PrimaryDevice{
		server:             s,
		client:             client,
		ACI:                linkResp.ACI,
		PNI:                linkResp.PNI,
		DeviceID:           linkResp.DeviceID,
		E164:               message.GetNumber(),
		password:           password,
		registrationID:     registrationID,
		pniRegistrationID:  pniRegistrationID,
		identityPublicACI:  identityPub[:],
		profileKey:         message.GetProfileKey(),
	}

	if err := secondary.uploadPreKeys(ctx, identityPub[:]); err != nil {
		return nil, err
	}

	select {
	case err := <-completeErrCh:
		if err != nil {
			return nil, fmt.Errorf("facade: complete pending provision: %w", err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return secondary, nil
}

// dialAsSecondary opens the provisioning WebSocket as a not-yet-linked
// secondary device would: it answers the server's pushed PUT /v1/address
// by building the sgnl://linkdevice URL it would otherwise display as a QR
// code, and its pushed PUT /v1/message by decrypting the envelope with the
// same ephemeral keypair, mirroring startProvisioning/continueProvisioning
// in the teacher's provisioning.go.
func dialAsSecondary(ctx context.Context, client *http.Client, addr string, urlCh chan<- string, msgCh chan<- []byte) error {
	wsURL := (&url.URL{Scheme: "wss", Host: addr, Path: "/v1/websocket/provisioning/"}).String()
	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: client})
	if err != nil {
		return fmt.Errorf("facade: dial provisioning socket: %w", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	priv, pub, err := cryptofacade.GenerateX25519Keypair()
	if err != nil {
		return fmt.Errorf("facade: generate provisioning ephemeral keypair: %w", err)
	}

	errCh := make(chan error, 1)
	handler := func(_ context.Context, req *signalpb.WebSocketRequestMessage) (int, []byte) {
		switch req.GetPath() {
		case "/v1/address":
			addrMsg := &signalpb.ProvisioningAddress{}
			if err := proto.Unmarshal(req.GetBody(), addrMsg); err != nil {
				errCh <- fmt.Errorf("facade: unmarshal provisioning address: %w", err)
				return 400, nil
			}
			provisioningURL := (&url.URL{
				Scheme: "sgnl",
				Host:   "linkdevice",
				RawQuery: url.Values{
					"uuid":    {addrMsg.GetAddress()},
					"pub_key": {base64.StdEncoding.EncodeToString(pub[:])},
				}.Encode(),
			}).String()
			urlCh <- provisioningURL
			return 200, nil
		case "/v1/message":
			env := &signalpb.ProvisionEnvelope{}
			if err := proto.Unmarshal(req.GetBody(), env); err != nil {
				errCh <- fmt.Errorf("facade: unmarshal provision envelope: %w", err)
				return 400, nil
			}
			var recipientPriv [32]byte
			copy(recipientPriv[:], priv[:])
			plaintext, err := cryptofacade.DecryptProvisionMessage(env.GetBody(), recipientPriv, env.GetPublicKey())
			if err != nil {
				errCh <- fmt.Errorf("facade: decrypt provision envelope: %w", err)
				return 400, nil
			}
			msgCh <- plaintext
			return 200, nil
		default:
			return 200, nil
		}
	}

	conn := wsmux.New(ws, zerolog.Nop(), handler)
	if err := conn.Run(ctx); err != nil {
		select {
		case e := <-errCh:
			return e
		default:
			return fmt.Errorf("facade: provisioning socket closed: %w", err)
		}
	}
	return nil
}

func mintSignedPreKey(keyID uint32, publicKey []byte) map[string]any {
	sig := make([]byte, 64) // shape-only; real XEdDSA signing lives behind libsignal-ffi, out of scope per SPEC_FULL §1
	return map[string]any{
		"keyId":     keyID,
		"publicKey": base64.StdEncoding.EncodeToString(publicKey),
		"signature": base64.StdEncoding.EncodeToString(sig),
	}
}

func doJSON(ctx context.Context, client *http.Client, base, method, path, basicAuth string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if basicAuth != "" {
		parts := strings.SplitN(basicAuth, ":", 2)
		req.SetBasicAuth(parts[0], parts[1])
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// listenerCert loads the cert/key pair named by lc, matching "HTTPS on a
// configured port with a provided certificate + key". When neither is set it
// mints an ephemeral self-signed leaf instead, since the façade's whole
// point is zero-config test startup.
func listenerCert(lc config.ListenConfig) (tls.Certificate, error) {
	if lc.TLSCert != "" && lc.TLSKey != "" {
		return tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	}
	return cryptofacade.GenerateSelfSignedTLSCert()
}

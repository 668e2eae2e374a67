package facade

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/offsoc/Mock-Signal-Server/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	trustRoot := config.TrustRoot{KeyID: 1, PublicKey: pub, PrivateKey: priv}
	zkParams := config.ZKParams{Raw: json.RawMessage(`{}`)}

	srv, err := New(config.Default(), trustRoot, zkParams, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Listen(0, "127.0.0.1"))
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

// preKeyBundleResponseJSON mirrors httpapi's own response shape for
// GET /v2/keys/{serviceId}/{deviceId}; duplicated here rather than exported
// from httpapi, matching the façade's stance of only ever speaking the wire
// protocol, never reaching into the router's internals.
type preKeyBundleDeviceJSON struct {
	DeviceID       uint32         `json:"deviceId"`
	RegistrationID uint32         `json:"registrationId"`
	PreKey         *signedKeyJSON `json:"preKey,omitempty"`
	SignedPreKey   *signedKeyJSON `json:"signedPreKey,omitempty"`
}

type signedKeyJSON struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

type preKeyBundleResponseJSON struct {
	IdentityKey string                   `json:"identityKey"`
	Devices     []preKeyBundleDeviceJSON `json:"devices"`
}

func TestCreatePrimaryDeviceRegistersAndUploadsKeys(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	primary, err := srv.CreatePrimaryDevice(ctx, CreatePrimaryDeviceOptions{E164: "+15555550100"})
	require.NoError(t, err)
	require.NotEmpty(t, primary.ACI)
	require.Equal(t, uint32(1), primary.DeviceID)

	var bundle preKeyBundleResponseJSON
	path := fmt.Sprintf("/v2/keys/%s/%d", primary.ACI, primary.DeviceID)
	err = doJSON(ctx, primary.client, srv.baseURL("https"), http.MethodGet, path, primary.basicAuthUsername()+":"+primary.password, nil, &bundle)
	require.NoError(t, err)
	require.Len(t, bundle.Devices, 1)
	require.Equal(t, uint32(1), bundle.Devices[0].DeviceID)
	require.NotNil(t, bundle.Devices[0].SignedPreKey)
	require.Equal(t, uint32(100), bundle.Devices[0].SignedPreKey.KeyID)
	require.NotNil(t, bundle.Devices[0].PreKey)
}

func TestCreateSecondaryDeviceLinksAgainstPrimary(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	primary, err := srv.CreatePrimaryDevice(ctx, CreatePrimaryDeviceOptions{E164: "+15555550101"})
	require.NoError(t, err)

	secondary, err := srv.CreateSecondaryDevice(ctx, primary)
	require.NoError(t, err)
	require.Equal(t, uint32(2), secondary.DeviceID)
	require.Equal(t, primary.ACI, secondary.ACI)
}

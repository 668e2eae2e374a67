package provisioning

import (
	"context"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offsoc/Mock-Signal-Server/internal/model"
	"github.com/offsoc/Mock-Signal-Server/internal/types"
)

func TestFullLinkLifecycle(t *testing.T) {
	c := New()
	ctx := context.Background()

	const uuid = "11111111-1111-1111-1111-111111111111"
	advertiseErrCh := make(chan error, 1)
	var advertiseResp PendingProvisionResponse
	go func() {
		resp, err := c.Advertise(ctx, uuid)
		advertiseResp = resp
		advertiseErrCh <- err
	}()

	pending, err := c.WaitForProvision(ctx)
	require.NoError(t, err)
	require.Equal(t, uuid, pending.UUID)

	primaryACI := types.NewRandomACI()
	pubKey := []byte("0123456789abcdef0123456789abcdef")
	provisioningURL := (&url.URL{
		Scheme: "sgnl",
		Host:   "linkdevice",
		RawQuery: url.Values{
			"uuid":    {uuid},
			"pub_key": {base64.StdEncoding.EncodeToString(pubKey)},
		}.Encode(),
	}).String()

	completeDone := make(chan struct {
		device *model.Device
		err    error
	}, 1)
	go func() {
		device, err := pending.Complete(ctx, PendingProvisionResponse{
			ProvisioningURL: provisioningURL,
			PrimaryDevice:   &model.Account{ACI: primaryACI},
		})
		completeDone <- struct {
			device *model.Device
			err    error
		}{device, err}
	}()

	require.NoError(t, <-advertiseErrCh)
	require.Equal(t, provisioningURL, advertiseResp.ProvisioningURL)

	gotPubKey, code, err := c.ResolveForEnvelope(uuid, advertiseResp, primaryACI)
	require.NoError(t, err)
	require.Equal(t, pubKey, gotPubKey)
	require.NotEmpty(t, code)

	resolvedACI, resolvedUUID, err := c.RedeemCode(code)
	require.NoError(t, err)
	require.Equal(t, primaryACI, resolvedACI)
	require.Equal(t, uuid, resolvedUUID)

	_, _, err = c.RedeemCode(code)
	require.Error(t, err)

	device := &model.Device{ID: 2, ACI: primaryACI}
	require.NoError(t, c.FinishLink(ctx, uuid, device))

	select {
	case result := <-completeDone:
		require.NoError(t, result.err)
		require.Equal(t, device, result.device)
	case <-time.After(2 * time.Second):
		t.Fatal("Complete() did not return after FinishLink")
	}
}

func TestRedeemUnknownCodeFails(t *testing.T) {
	c := New()
	_, _, err := c.RedeemCode("does-not-exist")
	require.Error(t, err)
}

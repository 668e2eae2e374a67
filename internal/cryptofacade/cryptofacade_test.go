package cryptofacade

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptAttachmentRoundTripsDigest(t *testing.T) {
	blob, key, digest, size, err := EncryptAttachment([]byte("hello attachment"))
	require.NoError(t, err)
	require.Len(t, key, aesKeySize+hmacKeySize)
	require.NotEmpty(t, digest)
	require.GreaterOrEqual(t, size, len("hello attachment"))
	require.Greater(t, len(blob), size)
}

func TestEncryptAttachmentRejectsBadKeys(t *testing.T) {
	_, _, _, _, err := EncryptAttachmentWithKeys([]byte("x"), []byte("short"), make([]byte, hmacKeySize))
	require.Error(t, err)
	var badInputErr *ErrBadInput
	require.ErrorAs(t, err, &badInputErr)
}

func TestProvisionMessageRoundTrip(t *testing.T) {
	priv, pub, err := GenerateX25519Keypair()
	require.NoError(t, err)

	plaintext := []byte("provisioning payload")
	body, ephemeralPub, err := EncryptProvisionMessage(plaintext, pub)
	require.NoError(t, err)

	decrypted, err := DecryptProvisionMessage(body, priv, ephemeralPub)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestProvisionMessageRejectsTamperedMAC(t *testing.T) {
	priv, pub, err := GenerateX25519Keypair()
	require.NoError(t, err)

	body, ephemeralPub, err := EncryptProvisionMessage([]byte("payload"), pub)
	require.NoError(t, err)
	body[len(body)-1] ^= 0xFF

	_, err = DecryptProvisionMessage(body, priv, ephemeralPub)
	require.Error(t, err)
}

func TestSenderCertificateRoundTrip(t *testing.T) {
	trustPub, trustPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = trustPub

	serverCert, err := GenerateServerCertificate(1, trustPriv)
	require.NoError(t, err)

	senderCert, err := GenerateSenderCertificate(serverCert, "aci-1234", "+15555550100", 1, []byte("identity-key-bytes"), 1893456000000)
	require.NoError(t, err)
	require.True(t, VerifySenderCertificate(serverCert, senderCert))

	senderCert.DeviceID = 2
	require.False(t, VerifySenderCertificate(serverCert, senderCert))
}

func TestHKDFDeterministic(t *testing.T) {
	out1, err := HKDF([]byte("input"), []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	out2, err := HKDF([]byte("input"), []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	require.Equal(t, out1, out2)
	require.Len(t, out1, 32)
}

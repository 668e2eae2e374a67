// Package cryptofacade is the thin layer over Signal-style cryptographic
// primitives that the server needs: certificate minting, attachment
// encryption, and provisioning-message encryption. It stands in for the
// native libsignal-ffi crypto library (out of scope per the server's
// external-interfaces contract) using golang.org/x/crypto and the standard
// library, mirroring the algorithms go.mau.fi/mautrix-signal's signalmeow
// client uses on the decrypt side.
package cryptofacade

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrBadInput is returned when cryptographic inputs have the wrong length or
// shape; the server maps it to a 422/401 CryptoError at the handler
// boundary.
type ErrBadInput struct {
	Reason string
}

func (e *ErrBadInput) Error() string {
	return fmt.Sprintf("cryptofacade: bad input: %s", e.Reason)
}

func badInput(format string, args ...any) error {
	return &ErrBadInput{Reason: fmt.Sprintf(format, args...)}
}

// ServerCertificate is a minted signing identity for a Signal deployment: a
// fresh Ed25519 keypair signed by the trust root, with the private half
// retained so the server can subsequently mint sender certificates.
type ServerCertificate struct {
	KeyID      uint32
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
	Signature  []byte
}

// GenerateServerCertificate mints a fresh signing keypair and signs its
// public key with the supplied trust-root private key.
func GenerateServerCertificate(keyID uint32, trustRootPrivate ed25519.PrivateKey) (*ServerCertificate, error) {
	if len(trustRootPrivate) != ed25519.PrivateKeySize {
		return nil, badInput("trust root private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(trustRootPrivate))
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: generate server certificate keypair: %w", err)
	}
	sig := ed25519.Sign(trustRootPrivate, pub)
	return &ServerCertificate{
		KeyID:      keyID,
		PublicKey:  pub,
		PrivateKey: priv,
		Signature:  sig,
	}, nil
}

// SenderCertificate binds a device's identity to its account for the
// lifetime of a sealed-sender send.
type SenderCertificate struct {
	ServiceID    string
	E164         string
	DeviceID     uint32
	IdentityKey  []byte
	ExpirationMs int64
	Signature    []byte
}

// GenerateSenderCertificate signs (serviceId, e164, deviceId, identityKey,
// expiration) with the server certificate's retained private key.
func GenerateSenderCertificate(server *ServerCertificate, serviceID, e164 string, deviceID uint32, identityKey []byte, expirationMs int64) (*SenderCertificate, error) {
	if server == nil || len(server.PrivateKey) != ed25519.PrivateKeySize {
		return nil, badInput("server certificate missing private key")
	}
	if len(identityKey) == 0 {
		return nil, badInput("identity key must not be empty")
	}
	payload := signerPayload(serviceID, e164, deviceID, identityKey, expirationMs)
	sig := ed25519.Sign(server.PrivateKey, payload)
	return &SenderCertificate{
		ServiceID:    serviceID,
		E164:         e164,
		DeviceID:     deviceID,
		IdentityKey:  append([]byte(nil), identityKey...),
		ExpirationMs: expirationMs,
		Signature:    sig,
	}, nil
}

func signerPayload(serviceID, e164 string, deviceID uint32, identityKey []byte, expirationMs int64) []byte {
	buf := make([]byte, 0, len(serviceID)+len(e164)+len(identityKey)+16)
	buf = append(buf, serviceID...)
	buf = append(buf, 0)
	buf = append(buf, e164...)
	buf = append(buf, 0)
	buf = append(buf, byte(deviceID), byte(deviceID>>8), byte(deviceID>>16), byte(deviceID>>24))
	buf = append(buf, identityKey...)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(expirationMs>>(8*i)))
	}
	return buf
}

// VerifySenderCertificate checks a sender certificate's signature against
// the issuing server certificate's public key.
func VerifySenderCertificate(server *ServerCertificate, cert *SenderCertificate) bool {
	if server == nil || cert == nil {
		return false
	}
	payload := signerPayload(cert.ServiceID, cert.E164, cert.DeviceID, cert.IdentityKey, cert.ExpirationMs)
	return ed25519.Verify(server.PublicKey, payload, cert.Signature)
}

const (
	aesKeySize  = 32
	hmacKeySize = 32
)

// EncryptAttachment pads the plaintext with PKCS7, encrypts it under a fresh
// random AES-256-CBC key and IV, and appends an HMAC-SHA256 tag. It returns
// the key material (AES key || HMAC key) and a SHA-256 digest over
// iv||ciphertext||mac, matching Signal's attachment envelope.
func EncryptAttachment(plaintext []byte) (blob, key, digest []byte, size int, err error) {
	aesKey := make([]byte, aesKeySize)
	hmacKey := make([]byte, hmacKeySize)
	if _, err = io.ReadFull(rand.Reader, aesKey); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("cryptofacade: random aes key: %w", err)
	}
	if _, err = io.ReadFull(rand.Reader, hmacKey); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("cryptofacade: random hmac key: %w", err)
	}
	return EncryptAttachmentWithKeys(plaintext, aesKey, hmacKey)
}

// EncryptAttachmentWithKeys is the deterministic core of EncryptAttachment,
// exposed separately so tests can supply fixed keys and IVs.
func EncryptAttachmentWithKeys(plaintext, aesKey, hmacKey []byte) (blob, key, digest []byte, size int, err error) {
	if len(aesKey) != aesKeySize {
		return nil, nil, nil, 0, badInput("aes key must be %d bytes", aesKeySize)
	}
	if len(hmacKey) != hmacKeySize {
		return nil, nil, nil, 0, badInput("hmac key must be %d bytes", hmacKeySize)
	}
	padded := padPKCS7(plaintext, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("cryptofacade: random iv: %w", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, nil, nil, 0, fmt.Errorf("cryptofacade: new aes cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	digestHash := sha256.New()
	digestHash.Write(iv)
	digestHash.Write(ciphertext)
	digestHash.Write(tag)

	blob = append(append(append([]byte{}, iv...), ciphertext...), tag...)
	key = append(append([]byte{}, aesKey...), hmacKey...)
	return blob, key, digestHash.Sum(nil), len(padded), nil
}

func padPKCS7(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// UnpadPKCS7 validates and strips PKCS7 padding, mirroring
// signalmeow.UnpadPKCS7 byte for byte.
func UnpadPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, badInput("padded data is empty")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, badInput("invalid padding")
	}
	for i := 0; i < padLen; i++ {
		if data[len(data)-1-i] != byte(padLen) {
			return nil, badInput("invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

const (
	provisionVersion       byte   = 1
	provisionIVLen         int    = 16
	provisionMacLen        int    = 32
	provisioningHKDFInfo   string = "TextSecure Provisioning Message"
	provisioningSecretSize int    = 64
)

// EncryptProvisionMessage performs an X25519 ECDH against recipientPub with a
// fresh ephemeral keypair, derives AES+HMAC keys via HKDF-SHA256 with the
// info string Signal's provisioning cipher uses, and emits
// version(1) || iv(16) || ciphertext || mac(32). This is the mirror-image of
// signalmeow.ProvisioningCipher.Decrypt.
func EncryptProvisionMessage(plaintext []byte, recipientPub [32]byte) (body, ephemeralPub []byte, err error) {
	var ephPriv [32]byte
	if _, err = io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, nil, fmt.Errorf("cryptofacade: random ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptofacade: derive ephemeral public key: %w", err)
	}
	agreement, err := curve25519.X25519(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, nil, fmt.Errorf("cryptofacade: ecdh agreement: %w", err)
	}

	secrets := make([]byte, provisioningSecretSize)
	reader := hkdf.New(sha256.New, agreement, nil, []byte(provisioningHKDFInfo))
	if _, err = io.ReadFull(reader, secrets); err != nil {
		return nil, nil, fmt.Errorf("cryptofacade: hkdf expand: %w", err)
	}
	cipherKey, macKey := secrets[:32], secrets[32:]

	padded := padPKCS7(plaintext, aes.BlockSize)
	iv := make([]byte, provisionIVLen)
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("cryptofacade: random iv: %w", err)
	}
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cryptofacade: new aes cipher: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte{provisionVersion})
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	body = make([]byte, 0, 1+len(iv)+len(ciphertext)+provisionMacLen)
	body = append(body, provisionVersion)
	body = append(body, iv...)
	body = append(body, ciphertext...)
	body = append(body, tag...)
	return body, ephPub, nil
}

// DecryptProvisionMessage is the receiver-side counterpart, used by tests
// that want to assert round-trip fidelity without a real client.
func DecryptProvisionMessage(body []byte, recipientPriv [32]byte, ephemeralPub []byte) ([]byte, error) {
	if len(body) < 1+provisionIVLen+provisionMacLen {
		return nil, badInput("provision body too short")
	}
	if body[0] != provisionVersion {
		return nil, badInput("unsupported provision version %d", body[0])
	}
	agreement, err := curve25519.X25519(recipientPriv[:], ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: ecdh agreement: %w", err)
	}
	secrets := make([]byte, provisioningSecretSize)
	reader := hkdf.New(sha256.New, agreement, nil, []byte(provisioningHKDFInfo))
	if _, err = io.ReadFull(reader, secrets); err != nil {
		return nil, fmt.Errorf("cryptofacade: hkdf expand: %w", err)
	}
	cipherKey, macKey := secrets[:32], secrets[32:]

	iv := body[1 : 1+provisionIVLen]
	mac := body[len(body)-provisionMacLen:]
	ciphertext := body[1+provisionIVLen : len(body)-provisionMacLen]

	verifier := hmac.New(sha256.New, macKey)
	verifier.Write(body[:len(body)-provisionMacLen])
	expected := verifier.Sum(nil)
	if !hmac.Equal(expected, mac) {
		return nil, badInput("mac mismatch")
	}

	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("cryptofacade: new aes cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return UnpadPKCS7(padded)
}

// HKDF wraps golang.org/x/crypto/hkdf for the storage-service key schedule
// and any other fixed-length key derivation the server needs.
func HKDF(input, salt, info []byte, length int) ([]byte, error) {
	if length <= 0 {
		return nil, badInput("length must be positive")
	}
	out := make([]byte, length)
	reader := hkdf.New(sha256.New, input, salt, info)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("cryptofacade: hkdf expand: %w", err)
	}
	return out, nil
}

// GenerateSelfSignedTLSCert mints an ephemeral Ed25519-keyed, self-signed
// leaf valid for "localhost"/127.0.0.1, for the façade's own listener. This
// stands in for the "provided certificate + key" the external-interfaces
// contract describes (§6); sigmock generates its own at startup so a test
// binary never needs a cert file on disk.
func GenerateSelfSignedTLSCert() (tls.Certificate, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("cryptofacade: generate tls leaf keypair: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("cryptofacade: generate tls serial: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "sigmock"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("cryptofacade: create tls certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// GenerateX25519Keypair returns a fresh Curve25519 keypair, used by the
// server when it needs to stand in for a client's ephemeral identity in
// tests (e.g. the test-facing façade's PrimaryDevice).
func GenerateX25519Keypair() (priv [32]byte, pub [32]byte, err error) {
	if _, err = io.ReadFull(rand.Reader, priv[:]); err != nil {
		return priv, pub, fmt.Errorf("cryptofacade: random private key: %w", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, fmt.Errorf("cryptofacade: derive public key: %w", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

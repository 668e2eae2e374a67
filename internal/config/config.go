// Package config loads sigmock's on-disk configuration: the YAML process
// config (grounded on connector.SignalConfig's UnmarshalYAML pattern) plus
// the two small JSON side-files the façade needs at startup — a trust-root
// Ed25519 keypair for server/sender certificates and a placeholder zkgroup
// parameter blob threaded through unchanged to clients that ask for it.
package config

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration, loaded from a single YAML
// file passed on the command line.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Logging LoggingConfig `yaml:"logging"`
	Queues  QueueConfig   `yaml:"queues"`
	Certs   CertsConfig   `yaml:"certs"`
}

// ListenConfig is the server's bind address and optional TLS material.
type ListenConfig struct {
	Address  string `yaml:"address"`
	TLSCert  string `yaml:"tls_cert"`
	TLSKey   string `yaml:"tls_key"`
}

// LoggingConfig controls the zerolog writer and level, matching the
// level/format knobs the mautrix-signal bridge exposes in its own config.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Pretty     bool   `yaml:"pretty"`
	TimeFormat string `yaml:"time_format"`
}

// QueueConfig sets the default and maximum timeouts PromiseQueue waits honor
// (provisioning rendezvous, storage-manifest long-poll).
type QueueConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
}

// CertsConfig points at the two JSON side-files loaded by LoadTrustRoot and
// LoadZKParams.
type CertsConfig struct {
	TrustRootPath string `yaml:"trust_root_path"`
	ZKParamsPath  string `yaml:"zk_params_path"`
}

// Default returns the configuration sigmock runs with if no file is given,
// mirroring the teacher's habit of shipping a sane embedded default
// alongside the loader rather than requiring every flag.
func Default() Config {
	return Config{
		Listen: ListenConfig{Address: "127.0.0.1:8443"},
		Logging: LoggingConfig{
			Level:      "info",
			Pretty:     true,
			TimeFormat: time.RFC3339,
		},
		Queues: QueueConfig{
			DefaultTimeout: 10 * time.Second,
			MaxTimeout:     5 * time.Minute,
		},
		Certs: CertsConfig{
			TrustRootPath: "certs/trust-root.json",
			ZKParamsPath:  "certs/zk-params.json",
		},
	}
}

// Load reads and parses a YAML config file, starting from Default so an
// omitted section keeps its default value rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// TrustRoot is the server's long-lived certificate-signing keypair, loaded
// once at startup and handed to cryptofacade.GenerateServerCertificate.
type TrustRoot struct {
	KeyID      uint32            `json:"keyId"`
	PublicKey  ed25519.PublicKey `json:"-"`
	PrivateKey ed25519.PrivateKey `json:"-"`
}

type trustRootFile struct {
	KeyID      uint32 `json:"keyId"`
	PublicKey  []byte `json:"publicKey"`
	PrivateKey []byte `json:"privateKey"`
}

// LoadTrustRoot reads the JSON-encoded trust-root keypair from disk.
func LoadTrustRoot(path string) (TrustRoot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return TrustRoot{}, fmt.Errorf("read trust root: %w", err)
	}
	var file trustRootFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return TrustRoot{}, fmt.Errorf("parse trust root: %w", err)
	}
	if len(file.PrivateKey) != ed25519.PrivateKeySize {
		return TrustRoot{}, fmt.Errorf("trust root private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(file.PrivateKey))
	}
	return TrustRoot{
		KeyID:      file.KeyID,
		PublicKey:  ed25519.PublicKey(file.PublicKey),
		PrivateKey: ed25519.PrivateKey(file.PrivateKey),
	}, nil
}

// ZKParams is the opaque zkgroup server-parameters blob handed back verbatim
// from GET /v1/config; sigmock never interprets its contents, since real
// zkgroup proof construction/verification is out of scope (see DESIGN.md).
type ZKParams struct {
	Raw json.RawMessage
}

// LoadZKParams reads the JSON zkgroup parameter blob from disk.
func LoadZKParams(path string) (ZKParams, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ZKParams{}, fmt.Errorf("read zk params: %w", err)
	}
	if !json.Valid(raw) {
		return ZKParams{}, fmt.Errorf("zk params file is not valid JSON")
	}
	return ZKParams{Raw: json.RawMessage(raw)}, nil
}

// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys loads the Ed25519 signing keys used for downstream tokens.
//
// Keys are supplied as a JSON array of private JWKs; the first key signs and
// every key is published through the JWKS endpoint so rotated-out keys keep
// verifying until clients refresh. When no keys are configured an ephemeral
// key is generated at boot.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/mcp-auth-proxy/pkg/logger"
)

// ErrNoKeys is returned when the configured JWKS parses to an empty set.
var ErrNoKeys = errors.New("no signing keys in JWKS")

// signingKey pairs a private key with its key id.
type signingKey struct {
	kid  string
	priv ed25519.PrivateKey
}

// Provider holds the signing key set. The first configured key signs new
// tokens; all keys are published for verification.
type Provider struct {
	keys       []signingKey
	ephemeral  bool
	publicJWKS []byte
}

// Load parses rawJWKS into a Provider. An empty string generates an
// ephemeral key and logs a warning, since tokens will not survive a restart.
func Load(rawJWKS string) (*Provider, error) {
	if strings.TrimSpace(rawJWKS) == "" {
		return Generate()
	}

	rawKeys, err := splitJWKS(rawJWKS)
	if err != nil {
		return nil, err
	}
	if len(rawKeys) == 0 {
		return nil, ErrNoKeys
	}

	p := &Provider{}
	for i, raw := range rawKeys {
		key, err := parsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		p.keys = append(p.keys, key)
	}

	if err := p.renderPublicJWKS(); err != nil {
		return nil, err
	}
	return p, nil
}

// Generate creates a Provider with a fresh Ed25519 key. Sessions signed with
// it become unverifiable once the process exits.
func Generate() (*Provider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	p := &Provider{
		keys:      []signingKey{{kid: deriveKeyID(pub), priv: priv}},
		ephemeral: true,
	}
	if err := p.renderPublicJWKS(); err != nil {
		return nil, err
	}

	logger.Warnw("no signing keys configured, generated an ephemeral key; "+
		"tokens will not survive a restart",
		"kid", p.keys[0].kid,
	)
	return p, nil
}

// SigningKey returns the private key used to sign new tokens.
func (p *Provider) SigningKey() ed25519.PrivateKey {
	return p.keys[0].priv
}

// SigningKeyID returns the key id of the signing key.
func (p *Provider) SigningKeyID() string {
	return p.keys[0].kid
}

// PublicKey returns the public key for kid, if the set contains it.
func (p *Provider) PublicKey(kid string) (ed25519.PublicKey, bool) {
	for _, k := range p.keys {
		if k.kid == kid {
			return k.priv.Public().(ed25519.PublicKey), true
		}
	}
	return nil, false
}

// Ephemeral reports whether the signing key was generated at boot.
func (p *Provider) Ephemeral() bool {
	return p.ephemeral
}

// FositeKey returns the signing key as a go-jose JWK for the token strategy.
func (p *Provider) FositeKey() *jose.JSONWebKey {
	return &jose.JSONWebKey{
		Key:       p.keys[0].priv,
		KeyID:     p.keys[0].kid,
		Algorithm: "EdDSA",
		Use:       "sig",
	}
}

// PublicJWKS returns the rendered public key set for the JWKS endpoint.
func (p *Provider) PublicJWKS() []byte {
	return p.publicJWKS
}

// publicJWK is the published form of an Ed25519 public key.
type publicJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

func (p *Provider) renderPublicJWKS() error {
	set := struct {
		Keys []publicJWK `json:"keys"`
	}{Keys: make([]publicJWK, 0, len(p.keys))}

	for _, k := range p.keys {
		pub := k.priv.Public().(ed25519.PublicKey)
		set.Keys = append(set.Keys, publicJWK{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(pub),
			Kid: k.kid,
			Use: "sig",
			Alg: "EdDSA",
		})
	}

	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("failed to render public JWKS: %w", err)
	}
	p.publicJWKS = data
	return nil
}

// splitJWKS accepts a bare key array, a {"keys": [...]} set, or a single
// key object and returns the individual key documents.
func splitJWKS(raw string) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(raw)

	if strings.HasPrefix(trimmed, "[") {
		var keys []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &keys); err != nil {
			return nil, fmt.Errorf("invalid JWKS: %w", err)
		}
		return keys, nil
	}

	var set struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal([]byte(trimmed), &set); err != nil {
		return nil, fmt.Errorf("invalid JWKS: %w", err)
	}
	if set.Keys != nil {
		return set.Keys, nil
	}

	// Single key object.
	return []json.RawMessage{json.RawMessage(trimmed)}, nil
}

// parsePrivateKey parses one private JWK document. Only Ed25519 keys are
// accepted.
func parsePrivateKey(raw json.RawMessage) (signingKey, error) {
	var meta struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Crv string `json:"crv"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return signingKey{}, fmt.Errorf("invalid JWK: %w", err)
	}
	if meta.Kty != "OKP" || meta.Crv != "Ed25519" {
		return signingKey{}, fmt.Errorf("unsupported key type %q/%q, only OKP/Ed25519 is supported", meta.Kty, meta.Crv)
	}

	key, err := jwk.ParseKey(raw)
	if err != nil {
		return signingKey{}, fmt.Errorf("failed to parse JWK: %w", err)
	}

	var priv ed25519.PrivateKey
	if err := jwk.Export(key, &priv); err != nil {
		return signingKey{}, fmt.Errorf("failed to extract private key: %w", err)
	}

	kid := meta.Kid
	if kid == "" {
		kid = deriveKeyID(priv.Public().(ed25519.PublicKey))
	}
	return signingKey{kid: kid, priv: priv}, nil
}

// deriveKeyID builds a stable key id from the public key bytes.
func deriveKeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

// Package identity manages the boat's persistent identity: the app UUID, the
// RSA keypair used to sign the upstream identity envelope, and JWT minting
// for shared-secret deployments. Files live in the data directory and are
// created on first run.
package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	uuidFile       = ".app-uuid"
	privateKeyFile = ".private-key"
	publicKeyFile  = ".public-key"
	rsaKeyBits     = 2048
)

// Identity is the boat's provisioned identity. Load once at startup; all
// methods are safe for concurrent use afterwards.
type Identity struct {
	boatID     string
	privateKey *rsa.PrivateKey
	publicPEM  string
}

// Load reads (or provisions) the identity files in dataDir. When boatID is
// non-empty it overrides the stored app UUID.
func Load(dataDir, boatID string) (*Identity, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	id := boatID
	if id == "" {
		var err error
		id, err = loadOrCreateUUID(filepath.Join(dataDir, uuidFile))
		if err != nil {
			return nil, err
		}
	}

	key, pubPEM, err := loadOrCreateKeypair(
		filepath.Join(dataDir, privateKeyFile),
		filepath.Join(dataDir, publicKeyFile),
	)
	if err != nil {
		return nil, err
	}

	ident := &Identity{boatID: id, privateKey: key, publicPEM: pubPEM}
	log.Info().
		Str("boatId", id).
		Str("keyFingerprint", ident.Fingerprint()).
		Msg("Boat identity loaded")
	return ident, nil
}

// BoatID returns the boat identifier used in every upstream envelope.
func (i *Identity) BoatID() string {
	return i.boatID
}

// PublicKeyPEM returns the PEM-encoded public key for register-key frames.
func (i *Identity) PublicKeyPEM() string {
	return i.publicPEM
}

// Sign produces the identity signature: base64(RSA-SHA256(priv,
// boatId+":"+timestamp)).
func (i *Identity) Sign(timestamp int64) (string, error) {
	msg := fmt.Sprintf("%s:%d", i.boatID, timestamp)
	digest := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPKCS1v15(rand.Reader, i.privateKey, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign identity: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign. Used by tests and provisioning
// tooling; the relay server performs the real verification.
func (i *Identity) Verify(timestamp int64, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	msg := fmt.Sprintf("%s:%d", i.boatID, timestamp)
	digest := sha256.Sum256([]byte(msg))
	return rsa.VerifyPKCS1v15(&i.privateKey.PublicKey, crypto.SHA256, digest[:], sig)
}

// MintToken issues an HS256 JWT carrying the boat ID, used when TOKEN_SECRET
// selects shared-secret auth.
func (i *Identity) MintToken(secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   i.boatID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	return signed, nil
}

// Fingerprint returns the SHA-256 fingerprint of the public key as colon-hex,
// for log correlation with the relay server.
func (i *Identity) Fingerprint() string {
	der, err := x509.MarshalPKIXPublicKey(&i.privateKey.PublicKey)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for idx, b := range sum {
		parts[idx] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

func loadOrCreateUUID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		log.Warn().Str("path", path).Msg("Invalid app UUID file, regenerating")
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write app uuid: %w", err)
	}
	log.Info().Str("boatId", id).Msg("Generated new app UUID")
	return id, nil
}

func loadOrCreateKeypair(privPath, pubPath string) (*rsa.PrivateKey, string, error) {
	if data, err := os.ReadFile(privPath); err == nil {
		key, err := parsePrivateKeyPEM(data)
		if err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", privPath, err)
		}
		pubPEM, err := encodePublicKeyPEM(&key.PublicKey)
		if err != nil {
			return nil, "", err
		}
		return key, pubPEM, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, "", fmt.Errorf("generate keypair: %w", err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, "", fmt.Errorf("write private key: %w", err)
	}

	pubPEM, err := encodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(pubPath, []byte(pubPEM), 0o644); err != nil {
		return nil, "", fmt.Errorf("write public key: %w", err)
	}

	log.Info().Msg("Generated new RSA keypair")
	return key, pubPEM, nil
}

func parsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func encodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

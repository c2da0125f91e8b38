package movement

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// ed25519Scheme is the authentication key scheme byte of single ed25519 keys
const ed25519Scheme = 0x00

// account is the relayer's ed25519 account
type account struct {
	key     ed25519.PrivateKey
	address string
}

// parsePrivateKey accepts a hex seed or full key, with an optional 0x or
// ed25519-priv- prefix
func parsePrivateKey(s string) (*account, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "ed25519-priv-")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "invalid private key")
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, errors.Errorf("private key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &account{
		key:     key,
		address: addressFromPublicKey(key.Public().(ed25519.PublicKey)),
	}, nil
}

// addressFromPublicKey derives the account address, which is the authentication key
// sha3-256(public key || scheme)
func addressFromPublicKey(pub ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{ed25519Scheme})
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func (a *account) publicKeyHex() string {
	return "0x" + hex.EncodeToString(a.key.Public().(ed25519.PublicKey))
}

// sign signs the BCS signing message returned by encode_submission
func (a *account) sign(messageHex string) (*signature, error) {
	message, err := hex.DecodeString(strings.TrimPrefix(messageHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid signing message")
	}
	return &signature{
		Type:      "ed25519_signature",
		PublicKey: a.publicKeyHex(),
		Signature: "0x" + hex.EncodeToString(ed25519.Sign(a.key, message)),
	}, nil
}

// simulationSignature is an invalid signature, which the node requires for simulations
func (a *account) simulationSignature() *signature {
	return &signature{
		Type:      "ed25519_signature",
		PublicKey: a.publicKeyHex(),
		Signature: "0x" + strings.Repeat("00", ed25519.SignatureSize),
	}
}

// normalizeAddress returns the long form of a hex account address
func normalizeAddress(address string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(address))
	if !strings.HasPrefix(s, "0x") {
		return "", errors.Errorf("address %q must start with 0x", address)
	}
	s = s[2:]
	if len(s) == 0 || len(s) > 64 {
		return "", errors.Errorf("address %q must have 1 to 64 hex digits", address)
	}
	if _, err := hex.DecodeString(strings.Repeat("0", len(s)%2) + s); err != nil {
		return "", errors.Errorf("address %q is not hex", address)
	}
	return "0x" + strings.Repeat("0", 64-len(s)) + s, nil
}

func sameAddress(a, b string) bool {
	na, err := normalizeAddress(a)
	if err != nil {
		return false
	}
	nb, err := normalizeAddress(b)
	if err != nil {
		return false
	}
	return na == nb
}

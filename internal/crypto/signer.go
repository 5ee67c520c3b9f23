package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/aetherwave/internal/domain"
)

// ErrBadSignature is returned when a signature is malformed or was made by a
// different key than expected.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer produces EIP-191 personal_sign signatures with a secp256k1 key. The
// same scheme is used for HTTP callers and for inter-ledger messages, so any
// Ethereum wallet can act as a client.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key, with or without
// the 0x prefix.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// LoadSigner resolves the operator key from cfg and builds a Signer.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	keyHex, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(keyHex)
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Owner returns the signer's address as a ledger principal.
func (s *Signer) Owner() domain.Owner {
	return domain.Owner(s.address.Hex())
}

// Sign returns the 0x-prefixed 65-byte signature (r || s || v, v in {27,28})
// over the EIP-191 hash of payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	sig, err := ethcrypto.Sign(personalHash(payload), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverAddress returns the address that produced sigHex over payload.
func RecoverAddress(payload []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	if sig[64] > 1 {
		return common.Address{}, ErrBadSignature
	}
	pub, err := ethcrypto.SigToPub(personalHash(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sigHex over payload was made by owner.
func Verify(payload []byte, sigHex string, owner domain.Owner) error {
	want, err := ParseOwner(string(owner))
	if err != nil {
		return err
	}
	got, err := RecoverAddress(payload, sigHex)
	if err != nil {
		return err
	}
	if domain.Owner(got.Hex()) != want {
		return ErrBadSignature
	}
	return nil
}

// ParseOwner validates a hex address and returns its checksummed form.
func ParseOwner(s string) (domain.Owner, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("crypto: %q is not an address", s)
	}
	return domain.Owner(common.HexToAddress(s).Hex()), nil
}

// RequestPayload is the byte string a caller signs to authenticate an HTTP
// request: method, path, unix timestamp, a one-time nonce and the SHA-256 of
// the body.
func RequestPayload(method, path string, unixTS int64, nonce string, body []byte) []byte {
	sum := sha256.Sum256(body)
	return []byte("aetherwave-request\n" + method + "\n" + path + "\n" +
		strconv.FormatInt(unixTS, 10) + "\n" + nonce + "\n" + hex.EncodeToString(sum[:]))
}

// personalHash is keccak256("\x19Ethereum Signed Message:\n" || len || msg).
func personalHash(msg []byte) []byte {
	prefix := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(msg))
	return ethcrypto.Keccak256([]byte(prefix), msg)
}

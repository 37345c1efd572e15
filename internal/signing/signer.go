// Package signing is the pluggable signature primitive: a secp256k1
// Signer whose Sign method the node passes to the PBFT engine, and an
// ECDSAVerifier. Nothing in the ingress, pipeline or PBFT engine calls a
// Verifier: quick-validate only checks that a QoSProof's signature field
// is non-empty, and PBFT message validation only checks the view number
// and digest.
package signing

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Signer holds a secp256k1 key pair used to sign proofs and PBFT messages.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  *ecdsa.PublicKey
	address    common.Address
}

// GenerateKey creates a new random signing identity for a committee node.
func GenerateKey() (*Signer, error) {
	privateKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex loads a signing identity from a hex-encoded private key.
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := ethcrypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(privateKey *ecdsa.PrivateKey) *Signer {
	publicKey := privateKey.Public().(*ecdsa.PublicKey)
	return &Signer{
		privateKey: privateKey,
		publicKey:  publicKey,
		address:    ethcrypto.PubkeyToAddress(*publicKey),
	}
}

// Address returns the address derived from the signer's public key; used
// as a stable, collision-resistant identifier for the signing key.
func (s *Signer) Address() common.Address { return s.address }

// Sign hashes an arbitrary message with Keccak256 and returns a
// hex-encoded ("0x"-prefixed) 65-byte ECDSA signature suitable for a
// QoSProof.signature or PBFT message.signature field.
func (s *Signer) Sign(message []byte) (string, error) {
	hash := ethcrypto.Keccak256Hash(message)
	sig, err := ethcrypto.Sign(hash.Bytes(), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// Verifier verifies signatures produced by a Signer. No caller in this
// repository invokes one; quick-validate and PBFT message validation only
// check non-emptiness / view equality.
type Verifier interface {
	Verify(address common.Address, message []byte, signature string) bool
}

// ECDSAVerifier recovers the signing address from a raw 65-byte ECDSA
// signature and compares it to the expected address.
type ECDSAVerifier struct{}

func (ECDSAVerifier) Verify(address common.Address, message []byte, signature string) bool {
	sig, err := decodeHexSignature(signature)
	if err != nil || len(sig) != 65 {
		return false
	}
	hash := ethcrypto.Keccak256Hash(message)
	pub, err := ethcrypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return false
	}
	return ethcrypto.PubkeyToAddress(*pub) == address
}

func decodeHexSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

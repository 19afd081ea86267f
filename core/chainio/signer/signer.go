package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	eip191Prefix = "\x19Ethereum Signed Message:\n"
)

// RawSignature is an unprefixed secp256k1 signature split into its components.
// V is the recovery id plus 27.
type RawSignature struct {
	R common.Hash
	S common.Hash
	V uint8
}

// Bytes returns r || s || v.
func (s RawSignature) Bytes() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R.Bytes()...)
	out = append(out, s.S.Bytes()...)
	return append(out, s.V)
}

// PrivateKeySigner signs userOpHashes with a local ECDSA key the way SimpleAccount
// and LightAccount owners verify them: EIP-191 over the 32-byte hash.
type PrivateKeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewPrivateKeySigner(key *ecdsa.PrivateKey) *PrivateKeySigner {
	return &PrivateKeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// FromPrivateKeyHex parses a hex key with or without the 0x prefix.
func FromPrivateKeyHex(privateKeyHex string) (*PrivateKeySigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewPrivateKeySigner(privateKey), nil
}

func (s *PrivateKeySigner) Address() common.Address {
	return s.address
}

// SignHash returns the 65-byte EIP-191 signature of hash with v in {27, 28}.
func (s *PrivateKeySigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return SignMessage(s.key, hash.Bytes())
}

// SignHashRaw signs hash directly, without the EIP-191 prefix.
func (s *PrivateKeySigner) SignHashRaw(ctx context.Context, hash common.Hash) (RawSignature, error) {
	if err := ctx.Err(); err != nil {
		return RawSignature{}, err
	}
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return RawSignature{}, err
	}
	return RawSignature{
		R: common.BytesToHash(sig[:32]),
		S: common.BytesToHash(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// Generate EIP191 signature
func SignMessage(key *ecdsa.PrivateKey, data []byte) ([]byte, error) {
	hash := EIP191Hash(data)
	sig, err := crypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, err
	}
	// https://stackoverflow.com/questions/69762108/implementing-ethereum-personal-sign-eip-191-from-go-ethereum-gives-different-s
	sig[64] += 27

	return sig, nil
}

// EIP191Hash is keccak256("\x19Ethereum Signed Message:\n" + len(data) + data).
func EIP191Hash(data []byte) common.Hash {
	prefix := []byte(eip191Prefix + fmt.Sprint(len(data)))
	return crypto.Keccak256Hash(append(prefix, data...))
}

// Package signer implements the exchange's two-stage L1-action signing:
// a msgpack action-hash followed by an EIP-712 signature over a phantom
// "Agent" struct whose connectionId is that hash. Generalizes the
// EIP-712 typed-data plumbing this codebase's predecessor used for a
// single ClobAuth message into the exchange's two-stage protocol.
package signer

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Wire is the outbound signature shape: v as a string "27"/"28", r/s as
// 0x-prefixed left-padded 32-byte hex. This conversion happens only when
// assembling the outbound JSON, never during signing itself.
type Wire struct {
	R string `json:"r"`
	S string `json:"s"`
	V string `json:"v"`
}

// Signer holds the private key exclusively; the key material lives only
// here and is zeroised on Close. It never appears in logs.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	testnet bool
}

// New parses a hex private key (an optional 0x prefix is stripped) and
// verifies its derived address matches expected. A mismatch
// is fatal: the caller should abort startup.
func New(keyHex string, expectedAddress common.Address, testnet bool) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if expectedAddress != (common.Address{}) && addr != expectedAddress {
		return nil, fmt.Errorf("derived address %s does not match configured expected address %s", addr.Hex(), expectedAddress.Hex())
	}
	return &Signer{key: key, address: addr, testnet: testnet}, nil
}

// Address returns the signer's derived Ethereum address.
func (s *Signer) Address() common.Address { return s.address }

// Close zeroises the private key's scalar bytes. After Close the Signer
// must not be used again.
func (s *Signer) Close() {
	if s.key == nil {
		return
	}
	b := s.key.D.Bits()
	for i := range b {
		b[i] = 0
	}
	s.key = nil
}

// vaultTag builds the vault_tag byte sequence: a single 0x00 when there is
// no vault, otherwise 0x01 followed by the 20-byte address.
func vaultTag(vault *common.Address) []byte {
	if vault == nil {
		return []byte{0x00}
	}
	out := make([]byte, 0, 21)
	out = append(out, 0x01)
	out = append(out, vault.Bytes()...)
	return out
}

// expiresTag builds the expires_tag: absent when there is no expiry,
// otherwise 0x00 followed by big-endian 8 bytes.
func expiresTag(expiresAfterMs *int64) []byte {
	if expiresAfterMs == nil {
		return nil
	}
	out := make([]byte, 9)
	out[0] = 0x00
	binary.BigEndian.PutUint64(out[1:], uint64(*expiresAfterMs))
	return out
}

// ActionHash computes stage 1: H = keccak256(msgpack(action) || nonce_be8 || vault_tag || expires_tag).
func ActionHash(action Action, nonce int64, vault *common.Address, expiresAfterMs *int64) ([32]byte, error) {
	packed, err := MarshalAction(action)
	if err != nil {
		return [32]byte{}, err
	}

	nonceBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(nonceBytes, uint64(nonce))

	buf := make([]byte, 0, len(packed)+8+21+9)
	buf = append(buf, packed...)
	buf = append(buf, nonceBytes...)
	buf = append(buf, vaultTag(vault)...)
	buf = append(buf, expiresTag(expiresAfterMs)...)

	return [32]byte(crypto.Keccak256(buf)), nil
}

// phantomAgentDomain is fixed on both mainnet and testnet per the exchange's
// phantom-agent protocol.
var phantomAgentDomain = apitypes.TypedDataDomain{
	Name:              "Exchange",
	Version:           "1",
	ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(1337)),
	VerifyingContract: "0x0000000000000000000000000000000000000000",
}

var phantomAgentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Agent": {
		{Name: "source", Type: "string"},
		{Name: "connectionId", Type: "bytes32"},
	},
}

// source returns "a" on mainnet or "b" on testnet, per the phantom-agent protocol.
func (s *Signer) source() string {
	if s.testnet {
		return "b"
	}
	return "a"
}

// SignAction runs both stages: computes the action hash, then signs the
// phantom Agent{source, connectionId} EIP-712 struct with the private key.
// Returns the action hash (used as connectionId, also useful for callers
// correlating logs) and the wire-format signature.
func (s *Signer) SignAction(action Action, nonce int64, vault *common.Address, expiresAfterMs *int64) ([32]byte, Wire, error) {
	hash, err := ActionHash(action, nonce, vault, expiresAfterMs)
	if err != nil {
		return [32]byte{}, Wire{}, err
	}

	typedData := apitypes.TypedData{
		Types:       phantomAgentTypes,
		PrimaryType: "Agent",
		Domain:      phantomAgentDomain,
		Message: apitypes.TypedDataMessage{
			"source":       s.source(),
			"connectionId": hash[:],
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return [32]byte{}, Wire{}, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return [32]byte{}, Wire{}, fmt.Errorf("sign phantom agent: %w", err)
	}

	wire := toWire(sig)
	return hash, wire, nil
}

// toWire converts the ECDSA library's internal 0/1 recovery-id convention
// into the wire format: v as the string "27" or "28", r/s as 0x-prefixed
// left-padded 32-byte hex.
func toWire(sig []byte) Wire {
	r := sig[0:32]
	sVal := sig[32:64]
	v := sig[64]
	if v < 27 {
		v += 27
	}
	return Wire{
		R: "0x" + common.Bytes2Hex(r),
		S: "0x" + common.Bytes2Hex(sVal),
		V: fmt.Sprintf("%d", v),
	}
}

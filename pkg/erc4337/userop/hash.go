package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressT, _ = abi.NewType("address", "", nil)
	uint256T, _ = abi.NewType("uint256", "", nil)
	bytes32T, _ = abi.NewType("bytes32", "", nil)

	packedV06Args = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "callGasLimit", Type: uint256T},
		{Name: "verificationGasLimit", Type: uint256T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "maxFeePerGas", Type: uint256T},
		{Name: "maxPriorityFeePerGas", Type: uint256T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	packedV07Args = abi.Arguments{
		{Name: "sender", Type: addressT},
		{Name: "nonce", Type: uint256T},
		{Name: "hashInitCode", Type: bytes32T},
		{Name: "hashCallData", Type: bytes32T},
		{Name: "accountGasLimits", Type: bytes32T},
		{Name: "preVerificationGas", Type: uint256T},
		{Name: "gasFees", Type: bytes32T},
		{Name: "hashPaymasterAndData", Type: bytes32T},
	}

	outerArgs = abi.Arguments{
		{Name: "userOpHash", Type: bytes32T},
		{Name: "entryPoint", Type: addressT},
		{Name: "chainId", Type: uint256T},
	}
)

// PackForHash returns the ABI encoding of the operation's hashed fields, without
// the signature, in the layout of its EntryPoint version.
func (op *UserOperation) PackForHash() ([]byte, error) {
	version, err := op.Version()
	if err != nil {
		return nil, err
	}

	switch version {
	case EntryPointV06:
		return packedV06Args.Pack(
			op.Sender,
			bigOrZero(op.Nonce),
			crypto.Keccak256Hash(op.V06.InitCode),
			crypto.Keccak256Hash(op.CallData),
			bigOrZero(op.CallGasLimit),
			bigOrZero(op.VerificationGasLimit),
			bigOrZero(op.PreVerificationGas),
			bigOrZero(op.MaxFeePerGas),
			bigOrZero(op.MaxPriorityFeePerGas),
			crypto.Keccak256Hash(op.V06.PaymasterAndData),
		)
	case EntryPointV07:
		if field := op.oversizedPackedField(); field != "" {
			return nil, fmt.Errorf("%w: %s", ErrUint128, field)
		}
		return packedV07Args.Pack(
			op.Sender,
			bigOrZero(op.Nonce),
			crypto.Keccak256Hash(op.InitCode()),
			crypto.Keccak256Hash(op.CallData),
			packUint128Pair(op.VerificationGasLimit, op.CallGasLimit),
			bigOrZero(op.PreVerificationGas),
			packUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas),
			crypto.Keccak256Hash(op.PaymasterAndData()),
		)
	}
	return nil, ErrMissingLayout
}

// GetUserOpHash returns the hash the EntryPoint contract at entryPoint on chainID
// verifies the signature against. It panics on an operation without a valid layout;
// use Hash to get an error instead.
func (op *UserOperation) GetUserOpHash(entryPoint common.Address, chainID *big.Int) common.Hash {
	h, err := op.Hash(entryPoint, chainID)
	if err != nil {
		panic(err)
	}
	return h
}

// Hash is GetUserOpHash with an error for malformed operations.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := op.PackForHash()
	if err != nil {
		return common.Hash{}, err
	}

	encoded, err := outerArgs.Pack(crypto.Keccak256Hash(packed), entryPoint, bigOrZero(chainID))
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func packUint128Pair(high, low *big.Int) [32]byte {
	var out [32]byte
	copy(out[:16], uint128Bytes(high))
	copy(out[16:], uint128Bytes(low))
	return out
}

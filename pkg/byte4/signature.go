// Package byte4 maps 4-byte function selectors back to ABI methods.
package byte4

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector returns the first four bytes of keccak256(signature), e.g. for
// "execute(address,uint256,bytes)".
func Selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

// GetMethodFromCalldata returns the ABI method a 4-byte selector, or full calldata, invokes.
// Overloads are told apart by their canonical signature, so the returned method's
// RawName is the Solidity name while Name may carry an abi suffix such as "executeBatch0".
func GetMethodFromCalldata(parsedABI abi.ABI, selector []byte) (*abi.Method, error) {
	if len(selector) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(selector))
	}

	methodID := selector[:4]
	for _, method := range parsedABI.Methods {
		if bytes.Equal(Selector(method.Sig), methodID) {
			m := method
			return &m, nil
		}
	}

	return nil, fmt.Errorf("no matching method found for selector: 0x%x", methodID)
}

package userop

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	minCallDataLength  = 4
	minSignatureLength = 64
)

var ErrInvalidUserOp = errors.New("invalid user operation")

// ValidationError describes why an operation was rejected before signing or broadcast.
type ValidationError struct {
	Sender common.Address
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid user operation for %s: %s: %s", e.Sender.Hex(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidUserOp
}

// Validate checks the operation against the deployment state of its sender. When
// deployed is false the operation must carry exactly the expected deployment payload;
// when true it must carry none.
func (op *UserOperation) Validate(deployed bool, expected Deployment) error {
	invalid := func(field, reason string) error {
		return &ValidationError{Sender: op.Sender, Field: field, Reason: reason}
	}

	version, err := op.Version()
	if err != nil {
		return invalid("layout", err.Error())
	}

	actual := op.Deployment()
	switch version {
	case EntryPointV06:
		if deployed && len(actual.InitCode) > 0 {
			return invalid("initCode", "sender is already deployed")
		}
		if !deployed {
			if len(actual.InitCode) == 0 {
				return invalid("initCode", "sender is not deployed and initCode is empty")
			}
			if !bytes.Equal(actual.InitCode, expected.InitCode) {
				return invalid("initCode", "does not match the expected deployment payload")
			}
		}
	case EntryPointV07:
		if actual.Factory != nil && len(actual.FactoryData) == 0 {
			return invalid("factoryData", "factory is set but factoryData is empty")
		}
		if actual.Factory == nil && len(actual.FactoryData) > 0 {
			return invalid("factory", "factoryData is set without a factory")
		}
		if field := op.oversizedPackedField(); field != "" {
			return invalid(field, "does not fit in 128 bits")
		}
		if deployed && actual.Factory != nil {
			return invalid("factory", "sender is already deployed")
		}
		if !deployed {
			if actual.Factory == nil {
				return invalid("factory", "sender is not deployed and factory is empty")
			}
			if !addressEqual(actual.Factory, expected.Factory) || !bytes.Equal(actual.FactoryData, expected.FactoryData) {
				return invalid("factory", "does not match the expected deployment payload")
			}
		}
	}

	if len(op.CallData) < minCallDataLength {
		return invalid("callData", fmt.Sprintf("must be at least %d bytes, got %d", minCallDataLength, len(op.CallData)))
	}
	return op.ValidateSignature()
}

// ValidateSignature checks the signature length alone. It runs again after signing,
// when the placeholder has been replaced by the signer's output.
func (op *UserOperation) ValidateSignature() error {
	if len(op.Signature) < minSignatureLength {
		return &ValidationError{
			Sender: op.Sender,
			Field:  "signature",
			Reason: fmt.Sprintf("must be at least %d bytes, got %d", minSignatureLength, len(op.Signature)),
		}
	}
	return nil
}

package userop

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// GasMultipliers scales gas and fee fields of a built operation. A zero multiplier
// leaves the field unchanged; 1.2 raises it by 20%.
type GasMultipliers struct {
	CallGasLimit         decimal.Decimal
	VerificationGasLimit decimal.Decimal
	PreVerificationGas   decimal.Decimal
	MaxFeePerGas         decimal.Decimal
	MaxPriorityFeePerGas decimal.Decimal
}

// IsZero reports whether no multiplier is set.
func (m GasMultipliers) IsZero() bool {
	return m.CallGasLimit.IsZero() &&
		m.VerificationGasLimit.IsZero() &&
		m.PreVerificationGas.IsZero() &&
		m.MaxFeePerGas.IsZero() &&
		m.MaxPriorityFeePerGas.IsZero()
}

// ApplyGasMultipliers returns a copy of op with every field that has a multiplier
// scaled by it, truncated to an integer.
func ApplyGasMultipliers(op *UserOperation, m GasMultipliers) *UserOperation {
	return op.WithUpdatedGas(&Gas{
		CallGasLimit:         scale(op.CallGasLimit, m.CallGasLimit),
		VerificationGasLimit: scale(op.VerificationGasLimit, m.VerificationGasLimit),
		PreVerificationGas:   scale(op.PreVerificationGas, m.PreVerificationGas),
	}, &Fees{
		MaxFeePerGas:         scale(op.MaxFeePerGas, m.MaxFeePerGas),
		MaxPriorityFeePerGas: scale(op.MaxPriorityFeePerGas, m.MaxPriorityFeePerGas),
	})
}

// scale returns nil when there is nothing to change so WithUpdatedGas keeps the old value.
func scale(v *big.Int, m decimal.Decimal) *big.Int {
	if v == nil || m.IsZero() {
		return nil
	}
	return decimal.NewFromBigInt(v, 0).Mul(m).BigInt()
}

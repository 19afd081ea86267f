// Package userop models ERC-4337 UserOperations for EntryPoint v0.6 and v0.7,
// including the canonical hash the EntryPoint contract signs over.
package userop

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	DefaultCallGasLimit         = big.NewInt(250_000)
	DefaultVerificationGasLimit = big.NewInt(750_000)
	DefaultPreVerificationGas   = big.NewInt(51_000)

	// DummySignature has the length and shape of a real ECDSA signature so that
	// bundler and paymaster simulation pass the account's signature length checks.
	DummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

var (
	ErrMixedLayout   = errors.New("user operation mixes v0.6 and v0.7 fields")
	ErrMissingLayout = errors.New("user operation has no version layout")
	ErrFieldVersion  = errors.New("field does not exist in this entrypoint version")
	ErrUint128       = errors.New("value does not fit in 128 bits")
)

// LayoutV06 holds the fields only EntryPoint v0.6 operations carry.
type LayoutV06 struct {
	InitCode         []byte
	PaymasterAndData []byte
}

// LayoutV07 holds the decomposed deployment and paymaster fields of EntryPoint v0.7.
type LayoutV07 struct {
	Factory                       *common.Address
	FactoryData                   []byte
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
}

// UserOperation is the common core shared by both versions plus exactly one
// version layout. Treat values as immutable: use WithUpdatedGas/WithUpdatedFields
// to derive a new operation. Only the signature and the paymaster data are filled
// in place, during the sign and sponsor steps.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Signature            []byte

	V06 *LayoutV06
	V07 *LayoutV07
}

// Deployment is the account deployment payload: initCode for v0.6, factory and
// factoryData for v0.7. An empty Deployment means the account already exists.
type Deployment struct {
	InitCode    []byte
	Factory     *common.Address
	FactoryData []byte
}

func (d Deployment) IsEmpty() bool {
	return len(d.InitCode) == 0 && d.Factory == nil && len(d.FactoryData) == 0
}

func (d Deployment) check(version EntryPointVersion) error {
	switch version {
	case EntryPointV06:
		if d.Factory != nil || len(d.FactoryData) > 0 {
			return fmt.Errorf("%w: factory/factoryData on a v0.6 operation", ErrMixedLayout)
		}
		return nil
	case EntryPointV07:
		if len(d.InitCode) > 0 {
			return fmt.Errorf("%w: initCode on a v0.7 operation", ErrMixedLayout)
		}
		return nil
	}
	return fmt.Errorf("unsupported entrypoint version %s", version)
}

// Fees are the EIP-1559 fee fields of an operation.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// Gas is the result of gas estimation or sponsorship. Nil members are left
// untouched when patched into an operation.
type Gas struct {
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	ValidAfter                    *big.Int
	ValidUntil                    *big.Int
}

// Build returns an unsigned operation with default gas limits, zero fees and a
// placeholder signature. A nil nonce becomes 0; callers fill the real one later.
func Build(version EntryPointVersion, callData []byte, sender common.Address, nonce *big.Int, deployment Deployment) (*UserOperation, error) {
	if err := deployment.check(version); err != nil {
		return nil, err
	}

	op := &UserOperation{
		Sender:               sender,
		Nonce:                bigOrZero(cloneBig(nonce)),
		CallData:             cloneBytes(callData),
		CallGasLimit:         new(big.Int).Set(DefaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(DefaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		MaxFeePerGas:         new(big.Int),
		MaxPriorityFeePerGas: new(big.Int),
		Signature:            cloneBytes(DummySignature),
	}

	switch version {
	case EntryPointV06:
		op.V06 = &LayoutV06{InitCode: cloneBytes(deployment.InitCode)}
	case EntryPointV07:
		op.V07 = &LayoutV07{
			Factory:     cloneAddress(deployment.Factory),
			FactoryData: cloneBytes(deployment.FactoryData),
		}
	}

	return op, nil
}

// Version reports the layout the operation carries, or an error when it carries
// none or both.
func (op *UserOperation) Version() (EntryPointVersion, error) {
	switch {
	case op.V06 != nil && op.V07 != nil:
		return 0, ErrMixedLayout
	case op.V06 != nil:
		return EntryPointV06, nil
	case op.V07 != nil:
		return EntryPointV07, nil
	}
	return 0, ErrMissingLayout
}

// Deployment returns the deployment payload carried by the operation.
func (op *UserOperation) Deployment() Deployment {
	switch {
	case op.V06 != nil:
		return Deployment{InitCode: cloneBytes(op.V06.InitCode)}
	case op.V07 != nil:
		return Deployment{Factory: cloneAddress(op.V07.Factory), FactoryData: cloneBytes(op.V07.FactoryData)}
	}
	return Deployment{}
}

// Fees returns a copy of the operation's fee fields.
func (op *UserOperation) Fees() Fees {
	return Fees{MaxFeePerGas: cloneBig(op.MaxFeePerGas), MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas)}
}

// InitCode returns the deployment payload in its packed form: initCode for v0.6,
// factory || factoryData for v0.7.
func (op *UserOperation) InitCode() []byte {
	switch {
	case op.V06 != nil:
		return cloneBytes(op.V06.InitCode)
	case op.V07 != nil && op.V07.Factory != nil:
		out := append([]byte{}, op.V07.Factory.Bytes()...)
		return append(out, op.V07.FactoryData...)
	}
	return nil
}

// PaymasterAndData returns the sponsorship payload in its packed form. For v0.7 it is
// paymaster || uint128(verificationGasLimit) || uint128(postOpGasLimit) || paymasterData.
func (op *UserOperation) PaymasterAndData() []byte {
	switch {
	case op.V06 != nil:
		return cloneBytes(op.V06.PaymasterAndData)
	case op.V07 != nil && op.V07.Paymaster != nil:
		out := append([]byte{}, op.V07.Paymaster.Bytes()...)
		out = append(out, uint128Bytes(op.V07.PaymasterVerificationGasLimit)...)
		out = append(out, uint128Bytes(op.V07.PaymasterPostOpGasLimit)...)
		return append(out, op.V07.PaymasterData...)
	}
	return nil
}

// SetSignature replaces the signature in place.
func (op *UserOperation) SetSignature(signature []byte) {
	op.Signature = cloneBytes(signature)
}

// SetPaymasterAndData fills the sponsorship payload in place. v0.7 operations take
// the packed form and split it into its four fields.
func (op *UserOperation) SetPaymasterAndData(data []byte) error {
	version, err := op.Version()
	if err != nil {
		return err
	}

	switch version {
	case EntryPointV06:
		op.V06.PaymasterAndData = cloneBytes(data)
		return nil
	case EntryPointV07:
		if len(data) == 0 {
			op.V07.Paymaster = nil
			op.V07.PaymasterVerificationGasLimit = nil
			op.V07.PaymasterPostOpGasLimit = nil
			op.V07.PaymasterData = nil
			return nil
		}
		if len(data) < common.AddressLength+32 {
			return fmt.Errorf("packed paymasterAndData too short: %d bytes", len(data))
		}
		paymaster := common.BytesToAddress(data[:common.AddressLength])
		op.V07.Paymaster = &paymaster
		op.V07.PaymasterVerificationGasLimit = new(big.Int).SetBytes(data[20:36])
		op.V07.PaymasterPostOpGasLimit = new(big.Int).SetBytes(data[36:52])
		op.V07.PaymasterData = cloneBytes(data[52:])
		return nil
	}
	return fmt.Errorf("unsupported entrypoint version %s", version)
}

// Copy returns a deep copy of the operation.
func (op *UserOperation) Copy() *UserOperation {
	out := &UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		CallData:             cloneBytes(op.CallData),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		Signature:            cloneBytes(op.Signature),
	}
	if op.V06 != nil {
		out.V06 = &LayoutV06{
			InitCode:         cloneBytes(op.V06.InitCode),
			PaymasterAndData: cloneBytes(op.V06.PaymasterAndData),
		}
	}
	if op.V07 != nil {
		out.V07 = &LayoutV07{
			Factory:                       cloneAddress(op.V07.Factory),
			FactoryData:                   cloneBytes(op.V07.FactoryData),
			Paymaster:                     cloneAddress(op.V07.Paymaster),
			PaymasterVerificationGasLimit: cloneBig(op.V07.PaymasterVerificationGasLimit),
			PaymasterPostOpGasLimit:       cloneBig(op.V07.PaymasterPostOpGasLimit),
			PaymasterData:                 cloneBytes(op.V07.PaymasterData),
		}
	}
	return out
}

// WithUpdatedGas returns a copy with the non-nil gas and fee members applied.
func (op *UserOperation) WithUpdatedGas(gas *Gas, fees *Fees) *UserOperation {
	out := op.Copy()
	if gas != nil {
		setIfPresent(&out.CallGasLimit, gas.CallGasLimit)
		setIfPresent(&out.VerificationGasLimit, gas.VerificationGasLimit)
		setIfPresent(&out.PreVerificationGas, gas.PreVerificationGas)
		if out.V07 != nil {
			setIfPresent(&out.V07.PaymasterVerificationGasLimit, gas.PaymasterVerificationGasLimit)
			setIfPresent(&out.V07.PaymasterPostOpGasLimit, gas.PaymasterPostOpGasLimit)
		}
	}
	if fees != nil {
		setIfPresent(&out.MaxFeePerGas, fees.MaxFeePerGas)
		setIfPresent(&out.MaxPriorityFeePerGas, fees.MaxPriorityFeePerGas)
	}
	return out
}

// UpdateFields lists optional replacements for WithUpdatedFields. Nil members are
// left untouched.
type UpdateFields struct {
	Nonce    *big.Int
	CallData []byte

	Gas  *Gas
	Fees *Fees

	// v0.6 only
	InitCode         []byte
	PaymasterAndData []byte

	// v0.7 only
	Factory       *common.Address
	FactoryData   []byte
	Paymaster     *common.Address
	PaymasterData []byte
}

// WithUpdatedFields returns a copy with the given fields replaced. Fields that do
// not exist in the operation's version are rejected.
func (op *UserOperation) WithUpdatedFields(fields UpdateFields) (*UserOperation, error) {
	version, err := op.Version()
	if err != nil {
		return nil, err
	}

	out := op.WithUpdatedGas(fields.Gas, fields.Fees)
	setIfPresent(&out.Nonce, fields.Nonce)
	if fields.CallData != nil {
		out.CallData = cloneBytes(fields.CallData)
	}

	switch version {
	case EntryPointV06:
		if fields.Factory != nil || fields.FactoryData != nil || fields.Paymaster != nil || fields.PaymasterData != nil {
			return nil, fmt.Errorf("%w: v0.7 fields on a %s operation", ErrFieldVersion, version)
		}
		if fields.InitCode != nil {
			out.V06.InitCode = cloneBytes(fields.InitCode)
		}
		if fields.PaymasterAndData != nil {
			out.V06.PaymasterAndData = cloneBytes(fields.PaymasterAndData)
		}
	case EntryPointV07:
		if fields.InitCode != nil || fields.PaymasterAndData != nil {
			return nil, fmt.Errorf("%w: v0.6 fields on a %s operation", ErrFieldVersion, version)
		}
		if fields.Factory != nil {
			out.V07.Factory = cloneAddress(fields.Factory)
		}
		if fields.FactoryData != nil {
			out.V07.FactoryData = cloneBytes(fields.FactoryData)
		}
		if fields.Paymaster != nil {
			out.V07.Paymaster = cloneAddress(fields.Paymaster)
		}
		if fields.PaymasterData != nil {
			out.V07.PaymasterData = cloneBytes(fields.PaymasterData)
		}
	}

	return out, nil
}

// Equal reports whether two operations carry the same field values.
func (op *UserOperation) Equal(other *UserOperation) bool {
	if op == nil || other == nil {
		return op == other
	}
	if op.Sender != other.Sender ||
		!bigEqual(op.Nonce, other.Nonce) ||
		!bytes.Equal(op.CallData, other.CallData) ||
		!bigEqual(op.CallGasLimit, other.CallGasLimit) ||
		!bigEqual(op.VerificationGasLimit, other.VerificationGasLimit) ||
		!bigEqual(op.PreVerificationGas, other.PreVerificationGas) ||
		!bigEqual(op.MaxFeePerGas, other.MaxFeePerGas) ||
		!bigEqual(op.MaxPriorityFeePerGas, other.MaxPriorityFeePerGas) ||
		!bytes.Equal(op.Signature, other.Signature) {
		return false
	}

	if (op.V06 == nil) != (other.V06 == nil) || (op.V07 == nil) != (other.V07 == nil) {
		return false
	}
	if op.V06 != nil {
		if !bytes.Equal(op.V06.InitCode, other.V06.InitCode) || !bytes.Equal(op.V06.PaymasterAndData, other.V06.PaymasterAndData) {
			return false
		}
	}
	if op.V07 != nil {
		a, b := op.V07, other.V07
		if !addressEqual(a.Factory, b.Factory) ||
			!bytes.Equal(a.FactoryData, b.FactoryData) ||
			!addressEqual(a.Paymaster, b.Paymaster) ||
			!bigEqual(a.PaymasterVerificationGasLimit, b.PaymasterVerificationGasLimit) ||
			!bigEqual(a.PaymasterPostOpGasLimit, b.PaymasterPostOpGasLimit) ||
			!bytes.Equal(a.PaymasterData, b.PaymasterData) {
			return false
		}
	}
	return true
}

func setIfPresent(dst **big.Int, v *big.Int) {
	if v != nil {
		*dst = new(big.Int).Set(v)
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// cloneBytes normalizes empty payloads to nil so that "0x" and an unset field compare equal.
func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneAddress(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	out := *a
	return &out
}

func bigEqual(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Cmp(b) == 0
}

func addressEqual(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

type namedBig struct {
	name  string
	value *big.Int
}

// oversizedPackedField names the first v0.7 field that the EntryPoint packs into a
// 128-bit half but that is wider than that, or "" when all of them fit.
func (op *UserOperation) oversizedPackedField() string {
	fields := []namedBig{
		{"callGasLimit", op.CallGasLimit},
		{"verificationGasLimit", op.VerificationGasLimit},
		{"maxFeePerGas", op.MaxFeePerGas},
		{"maxPriorityFeePerGas", op.MaxPriorityFeePerGas},
	}
	if op.V07 != nil {
		fields = append(fields,
			namedBig{"paymasterVerificationGasLimit", op.V07.PaymasterVerificationGasLimit},
			namedBig{"paymasterPostOpGasLimit", op.V07.PaymasterPostOpGasLimit},
		)
	}
	for _, f := range fields {
		if f.value != nil && f.value.BitLen() > 128 {
			return f.name
		}
	}
	return ""
}

// uint128Bytes left-pads v into 16 bytes. Callers check the width first with
// oversizedPackedField; wider values keep only their low 128 bits.
func uint128Bytes(v *big.Int) []byte {
	out := make([]byte, 16)
	b := bigOrZero(v).Bytes()
	if len(b) > 16 {
		b = b[len(b)-16:]
	}
	copy(out[16-len(b):], b)
	return out
}

package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"
)

var (
	v06OnlyKeys = []string{"initCode", "paymasterAndData"}
	v07OnlyKeys = []string{"factory", "factoryData", "paymaster", "paymasterVerificationGasLimit", "paymasterPostOpGasLimit", "paymasterData"}
)

// wireUserOp is the intermediate form FromMap decodes into. Every member is optional
// so that missing and empty values can be told apart.
type wireUserOp struct {
	Sender               *string `mapstructure:"sender"`
	Nonce                *string `mapstructure:"nonce"`
	CallData             *string `mapstructure:"callData"`
	CallGasLimit         *string `mapstructure:"callGasLimit"`
	VerificationGasLimit *string `mapstructure:"verificationGasLimit"`
	PreVerificationGas   *string `mapstructure:"preVerificationGas"`
	MaxFeePerGas         *string `mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas *string `mapstructure:"maxPriorityFeePerGas"`
	Signature            *string `mapstructure:"signature"`

	InitCode         *string `mapstructure:"initCode"`
	PaymasterAndData *string `mapstructure:"paymasterAndData"`

	Factory                       *string `mapstructure:"factory"`
	FactoryData                   *string `mapstructure:"factoryData"`
	Paymaster                     *string `mapstructure:"paymaster"`
	PaymasterVerificationGasLimit *string `mapstructure:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *string `mapstructure:"paymasterPostOpGasLimit"`
	PaymasterData                 *string `mapstructure:"paymasterData"`
}

// ToMap returns the JSON-RPC representation of the operation: quantities and bytes
// as 0x-prefixed hex, addresses checksummed. v0.7 factory and paymaster groups are
// omitted when unset.
func (op *UserOperation) ToMap() map[string]any {
	m := map[string]any{
		"sender":               op.Sender.Hex(),
		"nonce":                encodeQuantity(op.Nonce),
		"callData":             hexutil.Encode(op.CallData),
		"callGasLimit":         encodeQuantity(op.CallGasLimit),
		"verificationGasLimit": encodeQuantity(op.VerificationGasLimit),
		"preVerificationGas":   encodeQuantity(op.PreVerificationGas),
		"maxFeePerGas":         encodeQuantity(op.MaxFeePerGas),
		"maxPriorityFeePerGas": encodeQuantity(op.MaxPriorityFeePerGas),
		"signature":            hexutil.Encode(op.Signature),
	}

	switch {
	case op.V06 != nil:
		m["initCode"] = hexutil.Encode(op.V06.InitCode)
		m["paymasterAndData"] = hexutil.Encode(op.V06.PaymasterAndData)
	case op.V07 != nil:
		if op.V07.Factory != nil {
			m["factory"] = op.V07.Factory.Hex()
			m["factoryData"] = hexutil.Encode(op.V07.FactoryData)
		}
		if op.V07.Paymaster != nil {
			m["paymaster"] = op.V07.Paymaster.Hex()
			m["paymasterVerificationGasLimit"] = encodeQuantity(op.V07.PaymasterVerificationGasLimit)
			m["paymasterPostOpGasLimit"] = encodeQuantity(op.V07.PaymasterPostOpGasLimit)
			m["paymasterData"] = hexutil.Encode(op.V07.PaymasterData)
		}
	}

	return m
}

// DetectVersion guesses the layout of a wire map from its keys. v0.6 operations
// always carry initCode and paymasterAndData.
func DetectVersion(m map[string]any) EntryPointVersion {
	for _, k := range v06OnlyKeys {
		if _, ok := m[k]; ok {
			return EntryPointV06
		}
	}
	return EntryPointV07
}

// FromMap decodes the JSON-RPC representation of an operation of the given version.
func FromMap(version EntryPointVersion, m map[string]any) (*UserOperation, error) {
	var w wireUserOp
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &w,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(m); err != nil {
		return nil, fmt.Errorf("decode user operation: %w", err)
	}

	switch version {
	case EntryPointV06:
		if k, ok := firstPresent(m, v07OnlyKeys); ok {
			return nil, fmt.Errorf("%w: %q in a %s operation", ErrMixedLayout, k, version)
		}
	case EntryPointV07:
		if k, ok := firstPresent(m, v06OnlyKeys); ok {
			return nil, fmt.Errorf("%w: %q in a %s operation", ErrMixedLayout, k, version)
		}
	default:
		return nil, fmt.Errorf("unsupported entrypoint version %s", version)
	}

	d := &fieldDecoder{}
	op := &UserOperation{
		Sender:               d.address("sender", w.Sender),
		Nonce:                d.quantity("nonce", w.Nonce),
		CallData:             d.bytes("callData", w.CallData),
		CallGasLimit:         d.quantity("callGasLimit", w.CallGasLimit),
		VerificationGasLimit: d.quantity("verificationGasLimit", w.VerificationGasLimit),
		PreVerificationGas:   d.quantity("preVerificationGas", w.PreVerificationGas),
		MaxFeePerGas:         d.quantity("maxFeePerGas", w.MaxFeePerGas),
		MaxPriorityFeePerGas: d.quantity("maxPriorityFeePerGas", w.MaxPriorityFeePerGas),
		Signature:            d.bytes("signature", w.Signature),
	}
	if w.Sender == nil {
		return nil, fmt.Errorf("decode user operation: missing sender")
	}

	switch version {
	case EntryPointV06:
		op.V06 = &LayoutV06{
			InitCode:         d.bytes("initCode", w.InitCode),
			PaymasterAndData: d.bytes("paymasterAndData", w.PaymasterAndData),
		}
	case EntryPointV07:
		op.V07 = &LayoutV07{
			Factory:                       d.optionalAddress("factory", w.Factory),
			FactoryData:                   d.bytes("factoryData", w.FactoryData),
			Paymaster:                     d.optionalAddress("paymaster", w.Paymaster),
			PaymasterVerificationGasLimit: d.quantity("paymasterVerificationGasLimit", w.PaymasterVerificationGasLimit),
			PaymasterPostOpGasLimit:       d.quantity("paymasterPostOpGasLimit", w.PaymasterPostOpGasLimit),
			PaymasterData:                 d.bytes("paymasterData", w.PaymasterData),
		}
	}

	if d.err != nil {
		return nil, fmt.Errorf("decode user operation: %w", d.err)
	}
	return op, nil
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	if _, err := op.Version(); err != nil {
		return nil, err
	}
	return json.Marshal(op.ToMap())
}

// UnmarshalJSON decodes either wire version, picking the layout from the keys present.
func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	decoded, err := FromMap(DetectVersion(m), m)
	if err != nil {
		return err
	}
	*op = *decoded
	return nil
}

// ParseQuantity decodes a 0x-prefixed hex quantity. It is more lenient than
// hexutil.DecodeBig: leading zeros are accepted and a bare "0x" is zero, matching
// what bundlers and paymasters send in practice.
func ParseQuantity(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid quantity %q", s)
		}
		return v, nil
	}
	digits := s[2:]
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

// Quantity is a JSON quantity accepting hex strings, decimal strings and plain numbers.
type Quantity big.Int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := ParseQuantity(raw)
	if err != nil {
		return err
	}
	*q = Quantity(*v)
	return nil
}

func (q *Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(encodeQuantity(q.Big()))
}

// Big returns the value, or nil for a nil receiver.
func (q *Quantity) Big() *big.Int {
	if q == nil {
		return nil
	}
	return new(big.Int).Set((*big.Int)(q))
}

func encodeQuantity(v *big.Int) string {
	return hexutil.EncodeBig(bigOrZero(v))
}

func firstPresent(m map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return k, true
		}
	}
	return "", false
}

// fieldDecoder keeps the first decoding error so FromMap reads as a flat list.
type fieldDecoder struct {
	err error
}

func (d *fieldDecoder) fail(field string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("%s: %w", field, err)
	}
}

func (d *fieldDecoder) quantity(field string, s *string) *big.Int {
	if s == nil {
		return nil
	}
	v, err := ParseQuantity(*s)
	if err != nil {
		d.fail(field, err)
		return nil
	}
	return v
}

func (d *fieldDecoder) bytes(field string, s *string) []byte {
	if s == nil || *s == "" || *s == "0x" {
		return nil
	}
	b, err := hexutil.Decode(*s)
	if err != nil {
		d.fail(field, err)
		return nil
	}
	return cloneBytes(b)
}

func (d *fieldDecoder) address(field string, s *string) common.Address {
	if s == nil {
		return common.Address{}
	}
	if !common.IsHexAddress(*s) {
		d.fail(field, fmt.Errorf("invalid address %q", *s))
		return common.Address{}
	}
	return common.HexToAddress(*s)
}

func (d *fieldDecoder) optionalAddress(field string, s *string) *common.Address {
	if s == nil || *s == "" || *s == "0x" {
		return nil
	}
	a := d.address(field, s)
	return &a
}

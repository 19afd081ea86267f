package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_Defaults(t *testing.T) {
	op, err := Build(EntryPointV06, testCallData, testSender, nil, Deployment{})
	require.NoError(t, err)

	version, err := op.Version()
	require.NoError(t, err)
	assert.Equal(t, EntryPointV06, version)
	require.NotNil(t, op.Nonce)
	assert.Equal(t, 0, op.Nonce.Sign())
	assert.Equal(t, 0, op.CallGasLimit.Cmp(big.NewInt(250_000)))
	assert.Equal(t, 0, op.VerificationGasLimit.Cmp(big.NewInt(750_000)))
	assert.Equal(t, 0, op.PreVerificationGas.Cmp(big.NewInt(51_000)))
	assert.Equal(t, 0, op.MaxFeePerGas.Sign())
	assert.Equal(t, 0, op.MaxPriorityFeePerGas.Sign())
	assert.Equal(t, DummySignature, op.Signature)
	assert.Len(t, op.Signature, 65)
	assert.Nil(t, op.V06.InitCode)
	assert.Nil(t, op.V06.PaymasterAndData)
}

func TestBuild_DoesNotAliasInputs(t *testing.T) {
	callData := common.FromHex("0xabcdef01")
	nonce := big.NewInt(7)
	op, err := Build(EntryPointV06, callData, testSender, nonce, Deployment{})
	require.NoError(t, err)

	callData[0] = 0x00
	nonce.SetInt64(8)
	op.CallGasLimit.SetInt64(1)

	assert.Equal(t, testCallData, op.CallData)
	assert.Equal(t, int64(7), op.Nonce.Int64())
	assert.Equal(t, int64(250_000), DefaultCallGasLimit.Int64())
}

func TestBuild_RejectsMixedDeployment(t *testing.T) {
	factory := testFactory

	_, err := Build(EntryPointV06, testCallData, testSender, nil, Deployment{Factory: &factory, FactoryData: []byte{0x01}})
	assert.ErrorIs(t, err, ErrMixedLayout)

	_, err = Build(EntryPointV07, testCallData, testSender, nil, Deployment{InitCode: []byte{0x01}})
	assert.ErrorIs(t, err, ErrMixedLayout)

	_, err = Build(EntryPointVersion(9), testCallData, testSender, nil, Deployment{})
	assert.Error(t, err)
}

func TestWithUpdatedGas_ReturnsCopy(t *testing.T) {
	op := goldenV07(t)
	original := op.Copy()

	updated := op.WithUpdatedGas(&Gas{
		CallGasLimit:                  big.NewInt(1),
		PreVerificationGas:            big.NewInt(3),
		PaymasterVerificationGasLimit: big.NewInt(4),
	}, &Fees{MaxPriorityFeePerGas: big.NewInt(5)})

	assert.True(t, op.Equal(original), "receiver must not change")
	assert.Equal(t, int64(1), updated.CallGasLimit.Int64())
	assert.Equal(t, int64(750_000), updated.VerificationGasLimit.Int64())
	assert.Equal(t, int64(3), updated.PreVerificationGas.Int64())
	assert.Equal(t, int64(4), updated.V07.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(50_000), updated.V07.PaymasterPostOpGasLimit.Int64())
	assert.Equal(t, int64(2_000_000_000), updated.MaxFeePerGas.Int64())
	assert.Equal(t, int64(5), updated.MaxPriorityFeePerGas.Int64())
}

func TestWithUpdatedFields_DispatchesOnVersion(t *testing.T) {
	v06 := goldenV06(t)

	updated, err := v06.WithUpdatedFields(UpdateFields{Nonce: big.NewInt(9), PaymasterAndData: []byte{0x01}})
	require.NoError(t, err)
	assert.Equal(t, int64(9), updated.Nonce.Int64())
	assert.Equal(t, []byte{0x01}, updated.V06.PaymasterAndData)
	assert.Equal(t, int64(1), v06.Nonce.Int64())

	factory := testFactory
	_, err = v06.WithUpdatedFields(UpdateFields{Factory: &factory})
	assert.ErrorIs(t, err, ErrFieldVersion)

	v07 := goldenV07(t)
	_, err = v07.WithUpdatedFields(UpdateFields{InitCode: []byte{0x01}})
	assert.ErrorIs(t, err, ErrFieldVersion)

	updated, err = v07.WithUpdatedFields(UpdateFields{PaymasterData: []byte{0x99}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x99}, updated.V07.PaymasterData)
	assert.Equal(t, []byte{0x12, 0x34}, v07.V07.PaymasterData)
}

func TestSetPaymasterAndData_V07Split(t *testing.T) {
	op := goldenV07(t)

	require.Equal(t, testPaymaster, *op.V07.Paymaster)
	assert.Equal(t, int64(100_000), op.V07.PaymasterVerificationGasLimit.Int64())
	assert.Equal(t, int64(50_000), op.V07.PaymasterPostOpGasLimit.Int64())
	assert.Equal(t, []byte{0x12, 0x34}, op.V07.PaymasterData)
	assert.Len(t, op.PaymasterAndData(), 54)

	assert.Error(t, op.SetPaymasterAndData(make([]byte, 30)))

	require.NoError(t, op.SetPaymasterAndData(nil))
	assert.Nil(t, op.V07.Paymaster)
	assert.Nil(t, op.PaymasterAndData())
}

func TestInitCode_PackedForm(t *testing.T) {
	op := goldenV07(t)
	assert.Equal(t, append(testFactory.Bytes(), 0xde, 0xad, 0xbe, 0xef), op.InitCode())

	deployed, err := Build(EntryPointV07, testCallData, testSender, nil, Deployment{})
	require.NoError(t, err)
	assert.Nil(t, deployed.InitCode())
}

func TestValidate_DeploymentPayload(t *testing.T) {
	expected := Deployment{InitCode: append(testFactory.Bytes(), 0xde, 0xad, 0xbe, 0xef)}
	op := goldenV06(t)

	assert.NoError(t, op.Validate(false, expected))

	err := op.Validate(false, Deployment{InitCode: []byte{0x01}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "initCode", verr.Field)
	assert.Equal(t, testSender, verr.Sender)
	assert.ErrorIs(t, err, ErrInvalidUserOp)

	err = op.Validate(true, Deployment{})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "initCode", verr.Field)

	deployed, err := Build(EntryPointV06, testCallData, testSender, big.NewInt(1), Deployment{})
	require.NoError(t, err)
	assert.NoError(t, deployed.Validate(true, Deployment{}))
	assert.Error(t, deployed.Validate(false, expected))
}

func TestValidate_V07Factory(t *testing.T) {
	factory := testFactory
	expected := Deployment{Factory: &factory, FactoryData: common.FromHex("0xdeadbeef")}
	op := goldenV07(t)

	assert.NoError(t, op.Validate(false, expected))
	assert.Error(t, op.Validate(true, Deployment{}))

	other := common.HexToAddress("0x0000000000000000000000000000000000000001")
	assert.Error(t, op.Validate(false, Deployment{Factory: &other, FactoryData: expected.FactoryData}))

	op.V07.FactoryData = nil
	err := op.Validate(false, Deployment{Factory: &factory})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "factoryData", verr.Field)
}

func TestValidate_V07FieldsWiderThan128Bits(t *testing.T) {
	op := goldenV07(t)
	op.SetSignature(make([]byte, 65))
	require.NoError(t, op.Validate(false, op.Deployment()))

	op.MaxFeePerGas = new(big.Int).Add(op.MaxFeePerGas, new(big.Int).Lsh(big.NewInt(1), 128))
	var verr *ValidationError
	require.ErrorAs(t, op.Validate(false, op.Deployment()), &verr)
	assert.Equal(t, "maxFeePerGas", verr.Field)

	// v0.6 hashes full uint256 fields, so the same value is fine there
	v06 := goldenV06(t)
	v06.MaxFeePerGas = new(big.Int).Set(op.MaxFeePerGas)
	assert.NoError(t, v06.Validate(false, v06.Deployment()))
}

func TestValidate_CallDataAndSignature(t *testing.T) {
	op, err := Build(EntryPointV06, []byte{0x01, 0x02, 0x03}, testSender, nil, Deployment{})
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, op.Validate(true, Deployment{}), &verr)
	assert.Equal(t, "callData", verr.Field)

	op.CallData = testCallData
	op.SetSignature(make([]byte, 63))
	require.ErrorAs(t, op.Validate(true, Deployment{}), &verr)
	assert.Equal(t, "signature", verr.Field)

	op.SetSignature(make([]byte, 64))
	assert.NoError(t, op.Validate(true, Deployment{}))
}

func TestValidate_MalformedLayout(t *testing.T) {
	op := goldenV06(t)
	op.V07 = &LayoutV07{}

	var verr *ValidationError
	require.ErrorAs(t, op.Validate(false, op.Deployment()), &verr)
	assert.Equal(t, "layout", verr.Field)
}

func TestApplyGasMultipliers(t *testing.T) {
	op := goldenV06(t)

	scaled := ApplyGasMultipliers(op, GasMultipliers{
		CallGasLimit: decimal.NewFromFloat(1.5),
		MaxFeePerGas: decimal.RequireFromString("1.1"),
	})

	assert.Equal(t, int64(375_000), scaled.CallGasLimit.Int64())
	assert.Equal(t, int64(2_200_000_000), scaled.MaxFeePerGas.Int64())
	assert.Equal(t, int64(750_000), scaled.VerificationGasLimit.Int64())
	assert.Equal(t, int64(1_000_000_000), scaled.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(250_000), op.CallGasLimit.Int64())

	assert.True(t, GasMultipliers{}.IsZero())
	assert.True(t, ApplyGasMultipliers(op, GasMultipliers{}).Equal(op))
}

func TestEntryPointVersion(t *testing.T) {
	for _, s := range []string{"0.6", "v0.6", " V0.6 "} {
		v, err := ParseEntryPointVersion(s)
		require.NoError(t, err, s)
		assert.Equal(t, EntryPointV06, v)
	}
	v, err := ParseEntryPointVersion("v0.7")
	require.NoError(t, err)
	assert.Equal(t, EntryPointV07, v)
	assert.Equal(t, "v0.7", v.String())

	_, err = ParseEntryPointVersion("0.8")
	assert.Error(t, err)

	ep, err := DefaultEntryPoint(EntryPointV07)
	require.NoError(t, err)
	assert.Equal(t, EntryPointV07Address, ep.Address)

	found, ok := VersionForEntryPoint(EntryPointV06Address)
	assert.True(t, ok)
	assert.Equal(t, EntryPointV06, found)
}

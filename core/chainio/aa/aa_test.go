package aa

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var (
	testFactory = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	testOwner   = common.HexToAddress("0x804e49e8C4eDb560AE7c48B554f6d2e27Bb81557")
	testSender  = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
)

// fakeChain answers factory getAddress and EntryPoint getNonce calls.
type fakeChain struct {
	code     map[common.Address][]byte
	nonce    *big.Int
	callErr  error
	calls    []ethereum.CallMsg
	getAddrs int
}

func (f *fakeChain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code[contract], nil
}

func (f *fakeChain) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls = append(f.calls, call)
	if f.callErr != nil {
		return nil, f.callErr
	}
	method, err := factoryABI.MethodById(call.Data[:4])
	if err == nil && method.Name == "getAddress" {
		f.getAddrs++
		return method.Outputs.Pack(testSender)
	}
	method, err = entryPointABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(f.nonce)
}

func newAccount(t *testing.T, chain *fakeChain, version userop.EntryPointVersion) *SimpleAccount {
	t.Helper()
	ep, err := userop.DefaultEntryPoint(version)
	require.NoError(t, err)
	factory := testFactory
	account, err := NewSimpleAccount(chain, ep, &factory, testOwner, big.NewInt(7))
	require.NoError(t, err)
	return account
}

func TestNewSimpleAccount_FactoryNotSet(t *testing.T) {
	ep, _ := userop.DefaultEntryPoint(userop.EntryPointV06)
	_, err := NewSimpleAccount(&fakeChain{}, ep, nil, testOwner, nil)
	assert.ErrorIs(t, err, ErrFactoryNotSet)

	zero := common.Address{}
	_, err = NewSimpleAccount(&fakeChain{}, ep, &zero, testOwner, nil)
	assert.ErrorIs(t, err, ErrFactoryNotSet)
}

func TestAddress_CallsFactoryOnce(t *testing.T) {
	chain := &fakeChain{}
	account := newAccount(t, chain, userop.EntryPointV06)

	for i := 0; i < 2; i++ {
		sender, err := account.Address(context.Background())
		require.NoError(t, err)
		assert.Equal(t, testSender, sender)
	}
	assert.Equal(t, 1, chain.getAddrs)
	require.Len(t, chain.calls, 1)
	assert.Equal(t, testFactory, *chain.calls[0].To)
	assert.Equal(t, common.FromHex("0x8cb84e18"), chain.calls[0].Data[:4])
}

func TestAddress_Error(t *testing.T) {
	account := newAccount(t, &fakeChain{callErr: errors.New("execution reverted")}, userop.EntryPointV06)
	_, err := account.Address(context.Background())
	assert.ErrorContains(t, err, "execution reverted")
}

func TestIsDeployed(t *testing.T) {
	chain := &fakeChain{code: map[common.Address][]byte{testSender: {0x60, 0x80}}}
	account := newAccount(t, chain, userop.EntryPointV06)

	deployed, err := account.IsDeployed(context.Background(), testSender)
	require.NoError(t, err)
	assert.True(t, deployed)

	deployed, err = account.IsDeployed(context.Background(), testOwner)
	require.NoError(t, err)
	assert.False(t, deployed)
}

func TestDeployment_V06(t *testing.T) {
	account := newAccount(t, &fakeChain{}, userop.EntryPointV06)

	deployment, err := account.Deployment(context.Background())
	require.NoError(t, err)
	assert.Nil(t, deployment.Factory)

	initCode := deployment.InitCode
	require.Len(t, initCode, 20+4+64)
	assert.Equal(t, testFactory.Bytes(), initCode[:20])
	assert.Equal(t, common.FromHex("0x5fbfb9cf"), initCode[20:24])
	assert.Equal(t, common.LeftPadBytes(testOwner.Bytes(), 32), initCode[24:56])
	assert.Equal(t, common.LeftPadBytes([]byte{7}, 32), initCode[56:])
}

func TestDeployment_V07(t *testing.T) {
	account := newAccount(t, &fakeChain{}, userop.EntryPointV07)

	deployment, err := account.Deployment(context.Background())
	require.NoError(t, err)
	assert.Empty(t, deployment.InitCode)
	require.NotNil(t, deployment.Factory)
	assert.Equal(t, testFactory, *deployment.Factory)
	assert.Equal(t, common.FromHex("0x5fbfb9cf"), deployment.FactoryData[:4])
	assert.Len(t, deployment.FactoryData, 4+64)
}

func TestGetNonce(t *testing.T) {
	chain := &fakeChain{nonce: big.NewInt(12)}
	account := newAccount(t, chain, userop.EntryPointV07)

	nonce, err := account.GetNonce(context.Background(), testSender)
	require.NoError(t, err)
	assert.Equal(t, int64(12), nonce.Int64())

	require.Len(t, chain.calls, 1)
	assert.Equal(t, userop.EntryPointV07Address, *chain.calls[0].To)
	method, err := entryPointABI.MethodById(chain.calls[0].Data[:4])
	require.NoError(t, err)
	assert.Equal(t, "getNonce", method.Name)
}

func TestPackExecute(t *testing.T) {
	target := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data, err := PackExecute(target, nil, common.FromHex("0xabcdef01"))
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0xb61d27f6"), data[:4])
	assert.Equal(t, common.LeftPadBytes(target.Bytes(), 32), data[4:36])

	name, err := MethodName(data)
	require.NoError(t, err)
	assert.Equal(t, "execute", name)
}

func TestPackExecuteBatch(t *testing.T) {
	targets := []common.Address{testOwner, testSender}
	calls := [][]byte{{0x01}, {0x02}}

	data, err := PackExecuteBatch(targets, calls)
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0x18dfb3c7"), data[:4])

	data, err = PackExecuteBatchWithValues(targets, []*big.Int{big.NewInt(1), big.NewInt(2)}, calls)
	require.NoError(t, err)
	assert.Equal(t, common.FromHex("0x47e1da2a"), data[:4])
	name, err := MethodName(data)
	require.NoError(t, err)
	assert.Equal(t, "executeBatch", name)

	_, err = PackExecuteBatch(targets, calls[:1])
	assert.ErrorContains(t, err, "length mismatch")
	_, err = PackExecuteBatchWithValues(targets, nil, calls)
	assert.ErrorContains(t, err, "length mismatch")
}

func TestMethodName_Unknown(t *testing.T) {
	_, err := MethodName(common.FromHex("0xdeadbeef"))
	assert.Error(t, err)
}

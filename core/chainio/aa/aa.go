// Package aa talks to the SimpleAccount contracts behind a smart wallet: the factory
// that derives and deploys it, the account's execute methods and the EntryPoint's
// nonce getter.
package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/pkg/byte4"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var ErrFactoryNotSet = errors.New("account factory address is not set")

var (
	factoryABI    = mustParseABI(factoryABIJSON)
	accountABI    = mustParseABI(accountABIJSON)
	entryPointABI = mustParseABI(entryPointABIJSON)

	defaultSalt     = big.NewInt(0)
	defaultNonceKey = big.NewInt(0)
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Errorf("invalid ABI: %w", err))
	}
	return parsed
}

// SimpleAccount is a counterfactual SimpleAccount owned by a single EOA.
type SimpleAccount struct {
	caller     bind.ContractCaller
	entryPoint userop.EntryPoint
	factory    common.Address
	owner      common.Address
	salt       *big.Int

	mu      sync.Mutex
	address *common.Address
}

// NewSimpleAccount binds an owner and salt to a factory. caller is usually an
// *ethclient.Client.
func NewSimpleAccount(caller bind.ContractCaller, entryPoint userop.EntryPoint, factory *common.Address, owner common.Address, salt *big.Int) (*SimpleAccount, error) {
	if factory == nil || *factory == (common.Address{}) {
		return nil, ErrFactoryNotSet
	}
	if !entryPoint.Version.Valid() {
		return nil, fmt.Errorf("unsupported entrypoint version %d", entryPoint.Version)
	}
	if salt == nil {
		salt = defaultSalt
	}
	return &SimpleAccount{
		caller:     caller,
		entryPoint: entryPoint,
		factory:    *factory,
		owner:      owner,
		salt:       new(big.Int).Set(salt),
	}, nil
}

func (a *SimpleAccount) Owner() common.Address {
	return a.owner
}

func (a *SimpleAccount) Factory() common.Address {
	return a.factory
}

// Address asks the factory for the account's counterfactual address. The answer is
// cached since it depends only on the factory, owner and salt.
func (a *SimpleAccount) Address(ctx context.Context) (common.Address, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.address != nil {
		return *a.address, nil
	}

	factory := bind.NewBoundContract(a.factory, factoryABI, a.caller, nil, nil)
	var out []interface{}
	if err := factory.Call(&bind.CallOpts{Context: ctx}, &out, "getAddress", a.owner, a.salt); err != nil {
		return common.Address{}, fmt.Errorf("factory getAddress failed: %w", err)
	}
	sender := *abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	a.address = &sender
	return sender, nil
}

// IsDeployed reports whether code exists at sender.
func (a *SimpleAccount) IsDeployed(ctx context.Context, sender common.Address) (bool, error) {
	code, err := a.caller.CodeAt(ctx, sender, nil)
	if err != nil {
		return false, fmt.Errorf("failed to fetch code for %s: %w", sender.Hex(), err)
	}
	return len(code) > 0, nil
}

// Deployment returns the payload that makes the EntryPoint deploy the account, in the
// layout of the bound EntryPoint version.
func (a *SimpleAccount) Deployment(ctx context.Context) (userop.Deployment, error) {
	calldata, err := factoryABI.Pack("createAccount", a.owner, a.salt)
	if err != nil {
		return userop.Deployment{}, err
	}

	switch a.entryPoint.Version {
	case userop.EntryPointV06:
		initCode := make([]byte, 0, common.AddressLength+len(calldata))
		initCode = append(initCode, a.factory.Bytes()...)
		return userop.Deployment{InitCode: append(initCode, calldata...)}, nil
	case userop.EntryPointV07:
		factory := a.factory
		return userop.Deployment{Factory: &factory, FactoryData: calldata}, nil
	}
	return userop.Deployment{}, fmt.Errorf("unsupported entrypoint version %d", a.entryPoint.Version)
}

// GetNonce reads the EntryPoint nonce of sender under the default key.
func (a *SimpleAccount) GetNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	entryPoint := bind.NewBoundContract(a.entryPoint.Address, entryPointABI, a.caller, nil, nil)
	var out []interface{}
	if err := entryPoint.Call(&bind.CallOpts{Context: ctx}, &out, "getNonce", sender, defaultNonceKey); err != nil {
		return nil, fmt.Errorf("entrypoint getNonce failed: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Generate calldata for UserOps
func PackExecute(targetAddress common.Address, ethValue *big.Int, calldata []byte) ([]byte, error) {
	if ethValue == nil {
		ethValue = big.NewInt(0)
	}
	return accountABI.Pack("execute", targetAddress, ethValue, calldata)
}

// PackExecuteBatch encodes executeBatch(address[],bytes[]), understood by every
// SimpleAccount version.
func PackExecuteBatch(targets []common.Address, calldata [][]byte) ([]byte, error) {
	if len(targets) != len(calldata) {
		return nil, fmt.Errorf("batch length mismatch: %d targets, %d calls", len(targets), len(calldata))
	}
	return accountABI.Pack("executeBatch", targets, calldata)
}

// PackExecuteBatchWithValues encodes executeBatch(address[],uint256[],bytes[]) of the
// v0.7 SimpleAccount.
func PackExecuteBatchWithValues(targets []common.Address, values []*big.Int, calldata [][]byte) ([]byte, error) {
	if len(targets) != len(calldata) || len(targets) != len(values) {
		return nil, fmt.Errorf("batch length mismatch: %d targets, %d values, %d calls", len(targets), len(values), len(calldata))
	}
	return accountABI.Pack("executeBatch0", targets, values, calldata)
}

// MethodName names the account method callData invokes, e.g. "execute".
func MethodName(callData []byte) (string, error) {
	method, err := byte4.GetMethodFromCalldata(accountABI, callData)
	if err != nil {
		return "", err
	}
	return method.RawName, nil
}

// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

// RPCError is a JSON-RPC error returned by the bundler, e.g. an underpriced
// replacement or a simulation revert. Data holds the raw error payload.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    any
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("bundler %s failed with code %d: %s (data: %v)", e.Method, e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("bundler %s failed with code %d: %s", e.Method, e.Code, e.Message)
}

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	client *rpc.Client
	url    string

	expectedChainID *big.Int
	chainIDMismatch atomic.Bool

	logger sdklogging.Logger
}

// NewBundlerClient dials url and verifies that the bundler serves expectedChainID.
// A mismatch is not fatal: it is logged and every later call is tagged as one
// that may fail. A nil expectedChainID skips the check.
func NewBundlerClient(ctx context.Context, url string, expectedChainID *big.Int, log sdklogging.Logger) (*BundlerClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("error creating bundler client: %w", err)
	}

	bc, err := newBundlerClient(ctx, c, url, expectedChainID, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	return bc, nil
}

// NewBundlerClientWithRPC wraps an existing rpc client, e.g. an in-process one.
func NewBundlerClientWithRPC(ctx context.Context, c *rpc.Client, expectedChainID *big.Int, log sdklogging.Logger) (*BundlerClient, error) {
	return newBundlerClient(ctx, c, "", expectedChainID, log)
}

func newBundlerClient(ctx context.Context, c *rpc.Client, url string, expectedChainID *big.Int, log sdklogging.Logger) (*BundlerClient, error) {
	bc := &BundlerClient{
		client:          c,
		url:             url,
		expectedChainID: expectedChainID,
		logger:          logger.ForComponent(log, "bundler"),
	}

	if expectedChainID == nil {
		return bc, nil
	}

	chainID, err := bc.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check bundler chain id: %w", err)
	}
	if chainID.Cmp(expectedChainID) != 0 {
		bc.chainIDMismatch.Store(true)
		bc.logger.Error("bundler chain id does not match the configured network",
			"expected", expectedChainID.String(),
			"actual", chainID.String(),
			"url", bc.url)
	}

	return bc, nil
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

// ChainIDMismatch reports whether the bundler answered with a different chain id
// than the one configured.
func (bc *BundlerClient) ChainIDMismatch() bool {
	return bc.chainIDMismatch.Load()
}

func (bc *BundlerClient) call(ctx context.Context, result any, method string, args ...any) error {
	if bc.chainIDMismatch.Load() {
		bc.logger.Warn("bundler chain id mismatch, call may fail", "method", method, "expected", bc.expectedChainID.String())
	}

	if err := bc.client.CallContext(ctx, result, method, args...); err != nil {
		return toRPCError(method, err)
	}
	return nil
}

// toRPCError turns JSON-RPC protocol errors into *RPCError and leaves transport
// errors as they are.
func toRPCError(method string, err error) error {
	var codeErr rpc.Error
	if !errors.As(err, &codeErr) {
		return fmt.Errorf("%s: %w", method, err)
	}

	rpcErr := &RPCError{Method: method, Code: codeErr.ErrorCode(), Message: codeErr.Error()}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		rpcErr.Data = dataErr.ErrorData()
	}
	return rpcErr
}

// ChainID returns the chain id the bundler reports via eth_chainId.
func (bc *BundlerClient) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := bc.client.CallContext(ctx, &result, "eth_chainId"); err != nil {
		return nil, toRPCError("eth_chainId", err)
	}
	return (*big.Int)(&result), nil
}

// EstimateUserOperationGas asks the bundler to simulate op and returns its gas limits.
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.Gas, error) {
	var gas userop.Gas
	if err := bc.call(ctx, &gas, "eth_estimateUserOperationGas", op.ToMap(), entryPoint.Hex()); err != nil {
		return nil, err
	}

	bc.logger.Debug("bundler gas estimation",
		"sender", op.Sender.Hex(),
		"callGasLimit", gas.CallGasLimit,
		"verificationGasLimit", gas.VerificationGasLimit,
		"preVerificationGas", gas.PreVerificationGas)
	return &gas, nil
}

// SendUserOperation submits a signed operation and returns its userOpHash.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	var hash common.Hash
	if err := bc.call(ctx, &hash, "eth_sendUserOperation", op.ToMap(), entryPoint.Hex()); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// GetUserOperationByHash fetches an operation the bundler knows about. It returns
// nil, nil when the bundler has no record of the hash.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*userop.UserOperationByHash, error) {
	var raw json.RawMessage
	if err := bc.call(ctx, &raw, "eth_getUserOperationByHash", hash); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var result userop.UserOperationByHash
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationByHash: %w", err)
	}
	return &result, nil
}

// GetUserOperationReceipt fetches the receipt of an operation. A nil receipt with a
// nil error means the operation has not been included yet.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.UserOperationReceipt, error) {
	var receipt *userop.UserOperationReceipt
	if err := bc.call(ctx, &receipt, "eth_getUserOperationReceipt", hash); err != nil {
		return nil, err
	}
	return receipt, nil
}

// SupportedEntryPoints lists the entry points the bundler accepts operations for.
func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var entryPoints []common.Address
	if err := bc.call(ctx, &entryPoints, "eth_supportedEntryPoints"); err != nil {
		return nil, err
	}
	return entryPoints, nil
}

// SupportsEntryPoint reports whether entryPoint is among SupportedEntryPoints.
func (bc *BundlerClient) SupportsEntryPoint(ctx context.Context, entryPoint common.Address) (bool, error) {
	entryPoints, err := bc.SupportedEntryPoints(ctx)
	if err != nil {
		return false, err
	}
	return lo.Contains(entryPoints, entryPoint), nil
}

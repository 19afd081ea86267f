package preset

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

// AccountState is the snapshot an operation is built against. Validate checks the
// operation's deployment payload against it.
type AccountState struct {
	Sender     common.Address
	Deployed   bool
	Deployment userop.Deployment
}

// SubmissionError is returned when the bundler rejects an operation. It carries the
// attempted operation so the caller can inspect or replace it.
type SubmissionError struct {
	Op         *userop.UserOperation
	UserOpHash common.Hash
	Err        error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit user operation %s from %s: %v", e.UserOpHash.Hex(), e.Op.Sender.Hex(), e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func checkCallData(callData []byte) error {
	if len(callData) < 4 {
		return &userop.ValidationError{Field: "callData", Reason: fmt.Sprintf("need at least a 4-byte selector, got %d bytes", len(callData))}
	}
	return nil
}

// AccountState asks the account for its address and whether it is deployed yet.
func (c *Client) AccountState(ctx context.Context) (AccountState, error) {
	sender, err := c.account.Address(ctx)
	if err != nil {
		return AccountState{}, err
	}
	deployed, err := c.account.IsDeployed(ctx, sender)
	if err != nil {
		return AccountState{}, err
	}

	state := AccountState{Sender: sender, Deployed: deployed}
	if !deployed {
		if state.Deployment, err = c.account.Deployment(ctx); err != nil {
			return AccountState{}, err
		}
	}
	return state, nil
}

// BuildUserOp creates an unsigned operation with default gas for callData. The
// calldata is checked before any network call.
func (c *Client) BuildUserOp(ctx context.Context, callData []byte) (*userop.UserOperation, AccountState, error) {
	if err := checkCallData(callData); err != nil {
		return nil, AccountState{}, err
	}

	state, err := c.AccountState(ctx)
	if err != nil {
		return nil, AccountState{}, fmt.Errorf("failed to resolve account: %w", err)
	}

	op, err := userop.Build(c.entryPoint.Version, callData, state.Sender, nil, state.Deployment)
	if err != nil {
		return nil, AccountState{}, err
	}

	method, _ := aa.MethodName(callData)
	c.logger.Debug("built user operation",
		"sender", state.Sender.Hex(),
		"deployed", state.Deployed,
		"method", method,
		"entryPoint", c.entryPoint.Version.String())
	return op, state, nil
}

// Prepare fills in the nonce and current fees. The nonce and fee queries run
// concurrently. Given the same nonce and fee quotes the result is the same.
func (c *Client) Prepare(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error) {
	var (
		nonce = op.Nonce
		fees  *userop.Fees
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := c.nonces.Nonce(gctx, op.Sender)
		if err != nil {
			return fmt.Errorf("failed to get nonce: %w", err)
		}
		nonce = n
		return nil
	})
	g.Go(func() error {
		f, err := c.fees.SuggestFees(gctx)
		if err != nil {
			return fmt.Errorf("failed to estimate fees: %w", err)
		}
		fees = f
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return op.WithUpdatedFields(userop.UpdateFields{Nonce: nonce, Fees: fees})
}

// EstimateGas asks the bundler for gas limits with the placeholder signature in
// place. When the sponsor supports stub data it is applied to the estimated copy.
func (c *Client) EstimateGas(ctx context.Context, op *userop.UserOperation) (*userop.Gas, error) {
	estimated := op.Copy()
	if stubber, ok := c.sponsor.(stubSponsor); ok {
		stubbed, err := stubber.StubData(ctx, estimated)
		if err != nil {
			return nil, fmt.Errorf("failed to get paymaster stub data: %w", err)
		}
		estimated = stubbed
	}
	estimated.SetSignature(userop.DummySignature)

	gas, err := c.bundler.EstimateUserOperationGas(ctx, estimated, c.entryPoint.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate user operation gas: %w", err)
	}
	return gas, nil
}

// Sponsor decorates op with sponsorship and authoritative gas limits. Without a
// sponsor, gas limits come from bundler estimation and the operation stays self-funded.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error) {
	if c.sponsor != nil {
		sponsored, err := c.sponsor.Sponsor(ctx, op)
		if err != nil {
			return nil, fmt.Errorf("failed to sponsor user operation: %w", err)
		}
		return sponsored, nil
	}

	gas, err := c.EstimateGas(ctx, op)
	if err != nil {
		return nil, err
	}
	estimated := op.WithUpdatedGas(gas, nil)
	if !c.multipliers.IsZero() {
		estimated = userop.ApplyGasMultipliers(estimated, c.multipliers)
	}
	return estimated, nil
}

// Validate checks op against the account snapshot it was built from.
func (c *Client) Validate(op *userop.UserOperation, state AccountState) error {
	if op.Sender != state.Sender {
		return &userop.ValidationError{Sender: op.Sender, Field: "sender", Reason: fmt.Sprintf("expected %s", state.Sender.Hex())}
	}
	return op.Validate(state.Deployed, state.Deployment)
}

// Sign hashes op for the configured entry point and chain and sets the signer's
// output, unmodified, as the signature.
func (c *Client) Sign(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, common.Hash, error) {
	hash, err := op.Hash(c.entryPoint.Address, c.chainID)
	if err != nil {
		return nil, common.Hash{}, err
	}

	signature, err := c.signer.SignHash(ctx, hash)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to sign user operation %s: %w", hash.Hex(), err)
	}

	signed := op.Copy()
	signed.SetSignature(signature)
	if err := signed.ValidateSignature(); err != nil {
		return nil, common.Hash{}, err
	}
	return signed, hash, nil
}

// Submit sends a signed operation to the bundler and returns a handle to wait on or
// replace it.
func (c *Client) Submit(ctx context.Context, op *userop.UserOperation) (*Response, error) {
	hash, err := op.Hash(c.entryPoint.Address, c.chainID)
	if err != nil {
		return nil, err
	}

	returned, err := c.bundler.SendUserOperation(ctx, op, c.entryPoint.Address)
	if err != nil {
		c.metrics.IncSubmission(metrics.StatusFailure)
		c.logger.Error("bundler rejected user operation",
			"userOpHash", hash.Hex(),
			"sender", op.Sender.Hex(),
			"nonce", op.Nonce,
			"error", err)
		return nil, &SubmissionError{Op: op.Copy(), UserOpHash: hash, Err: err}
	}
	c.metrics.IncSubmission(metrics.StatusSuccess)

	if returned != (common.Hash{}) && returned != hash {
		c.logger.Warn("bundler returned a different userOpHash",
			"expected", hash.Hex(),
			"returned", returned.Hex())
		hash = returned
	}

	if tracker, ok := c.nonces.(nonceTracker); ok && op.Nonce != nil {
		tracker.IncrementNonce(op.Sender, op.Nonce)
	}

	c.logger.Info("submitted user operation",
		"userOpHash", hash.Hex(),
		"sender", op.Sender.Hex(),
		"nonce", op.Nonce,
		"maxFeePerGas", op.MaxFeePerGas)
	return c.newResponse(hash, op), nil
}

// SendUserOp runs the whole chain for callData. Any failure aborts the attempt.
func (c *Client) SendUserOp(ctx context.Context, callData []byte) (*Response, error) {
	op, state, err := c.BuildUserOp(ctx, callData)
	if err != nil {
		return nil, err
	}
	if op, err = c.Prepare(ctx, op); err != nil {
		return nil, err
	}
	if op, err = c.Sponsor(ctx, op); err != nil {
		return nil, err
	}
	if err := c.Validate(op, state); err != nil {
		return nil, err
	}
	if op, _, err = c.Sign(ctx, op); err != nil {
		return nil, err
	}
	return c.Submit(ctx, op)
}

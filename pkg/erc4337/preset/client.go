// Package preset sequences a user operation from calldata to a submitted handle:
// build, prepare, sponsor, validate, sign and submit, plus drop-and-replace
// recovery of operations that stall in the mempool.
package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const (
	DefaultPollInterval           = 2 * time.Second
	DefaultReplacementBumpPercent = 10
)

var ErrMissingCollaborator = errors.New("preset client is missing a collaborator")

// Bundler submits operations and reports on them. *bundler.BundlerClient satisfies it.
type Bundler interface {
	EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.Gas, error)
	SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error)
	GetUserOperationByHash(ctx context.Context, hash common.Hash) (*userop.UserOperationByHash, error)
	GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.UserOperationReceipt, error)
}

// Sponsor pays for operations. *paymaster.Client satisfies it.
type Sponsor interface {
	Sponsor(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error)
	SponsorForReplacement(ctx context.Context, stuck *userop.UserOperation) (*userop.UserOperation, error)
}

// stubSponsor is implemented by sponsors that hand out placeholder data for gas estimation.
type stubSponsor interface {
	StubData(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error)
}

// FeeEstimator quotes current fees. *eip1559.Estimator satisfies it. ReplacementFees
// serves self-funded recovery and must fail on a missing base fee instead of falling
// back to a legacy gas price.
type FeeEstimator interface {
	SuggestFees(ctx context.Context) (*userop.Fees, error)
	ReplacementFees(ctx context.Context, hint eip1559.PriorityFeeHinter) (*userop.Fees, error)
}

// NonceSource yields the next nonce for a sender. *bundler.NonceManager satisfies it.
type NonceSource interface {
	Nonce(ctx context.Context, sender common.Address) (*big.Int, error)
}

// nonceTracker is advanced after every accepted submission.
type nonceTracker interface {
	IncrementNonce(sender common.Address, currentNonce *big.Int)
}

// Signer produces the account owner's signature over a userOpHash.
// *signer.PrivateKeySigner satisfies it.
type Signer interface {
	Address() common.Address
	SignHash(ctx context.Context, hash common.Hash) ([]byte, error)
	SignHashRaw(ctx context.Context, hash common.Hash) (signer.RawSignature, error)
}

// Account resolves the smart wallet an operation is sent from. *aa.SimpleAccount satisfies it.
type Account interface {
	Address(ctx context.Context) (common.Address, error)
	IsDeployed(ctx context.Context, sender common.Address) (bool, error)
	Deployment(ctx context.Context) (userop.Deployment, error)
}

type entryPointChecker interface {
	SupportsEntryPoint(ctx context.Context, entryPoint common.Address) (bool, error)
}

// Dependencies are the collaborators a Client is wired with. Sponsor is optional;
// without it operations are self-funded and gas comes from the bundler.
type Dependencies struct {
	Bundler Bundler
	Sponsor Sponsor
	Fees    FeeEstimator
	Nonces  NonceSource
	Signer  Signer
	Account Account
}

type Option func(*Client)

func WithLogger(log sdklogging.Logger) Option {
	return func(c *Client) { c.logger = logger.ForComponent(log, "preset") }
}

func WithMetrics(m *metrics.UserOpMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithGasMultipliers scales bundler gas estimates of self-funded operations.
// Sponsored gas is left as the paymaster quoted it.
func WithGasMultipliers(m userop.GasMultipliers) Option {
	return func(c *Client) { c.multipliers = m }
}

func WithPollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithReplacementBumpPercent sets the fee bump for self-funded replacements.
// Sponsored replacements use the paymaster client's own bump.
func WithReplacementBumpPercent(pct int64) Option {
	return func(c *Client) {
		if pct > 0 {
			c.bumpPercent = pct
		}
	}
}

// Client drives user operations for a single account against one EntryPoint.
// It holds no per-operation state and is safe for concurrent use.
type Client struct {
	bundler Bundler
	sponsor Sponsor
	fees    FeeEstimator
	nonces  NonceSource
	signer  Signer
	account Account

	entryPoint userop.EntryPoint
	chainID    *big.Int

	logger       sdklogging.Logger
	metrics      *metrics.UserOpMetrics
	multipliers  userop.GasMultipliers
	pollInterval time.Duration
	bumpPercent  int64
}

// NewClient wires a Client. When the bundler can list its entry points, a missing
// entryPoint is reported as a warning rather than an error.
func NewClient(ctx context.Context, deps Dependencies, entryPoint userop.EntryPoint, chainID *big.Int, opts ...Option) (*Client, error) {
	missing := []string{}
	if deps.Bundler == nil {
		missing = append(missing, "bundler")
	}
	if deps.Fees == nil {
		missing = append(missing, "fee estimator")
	}
	if deps.Nonces == nil {
		missing = append(missing, "nonce source")
	}
	if deps.Signer == nil {
		missing = append(missing, "signer")
	}
	if deps.Account == nil {
		missing = append(missing, "account")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingCollaborator, missing)
	}
	if !entryPoint.Version.Valid() {
		return nil, fmt.Errorf("unsupported entrypoint version %d", entryPoint.Version)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("invalid chain id %v", chainID)
	}

	c := &Client{
		bundler:      deps.Bundler,
		sponsor:      deps.Sponsor,
		fees:         deps.Fees,
		nonces:       deps.Nonces,
		signer:       deps.Signer,
		account:      deps.Account,
		entryPoint:   entryPoint,
		chainID:      new(big.Int).Set(chainID),
		logger:       logger.EnsureLogger(nil),
		pollInterval: DefaultPollInterval,
		bumpPercent:  DefaultReplacementBumpPercent,
	}
	for _, opt := range opts {
		opt(c)
	}

	if checker, ok := c.bundler.(entryPointChecker); ok {
		supported, err := checker.SupportsEntryPoint(ctx, entryPoint.Address)
		switch {
		case err != nil:
			c.logger.Warn("could not list bundler entry points", "error", err)
		case !supported:
			c.logger.Warn("bundler does not list the configured entry point, operations may be rejected",
				"entryPoint", entryPoint.Address.Hex(),
				"version", entryPoint.Version.String())
		}
	}

	return c, nil
}

func (c *Client) EntryPoint() userop.EntryPoint {
	return c.entryPoint
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

package eip1559

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

const (
	DefaultPriorityFeeBufferPercent = 25
	DefaultMaxFeeBufferPercent      = 10
)

var ErrMissingBaseFee = errors.New("latest block has no base fee")

// Backend is the node RPC surface the estimator reads. *ethclient.Client satisfies it.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// PriorityFeeHinter supplies a bundler-side priority fee suggestion, e.g.
// rundler_maxPriorityFeePerGas.
type PriorityFeeHinter interface {
	MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error)
}

type Options struct {
	// PriorityFeeBufferPercent is added on top of the suggested priority fee.
	PriorityFeeBufferPercent int64
	// MaxFeeBufferPercent is added on top of baseFee + buffered priority fee.
	MaxFeeBufferPercent int64
	// MinPriorityFee floors the buffered priority fee. Some networks reject
	// operations below a bundler-specific minimum.
	MinPriorityFee *big.Int
}

func DefaultOptions() Options {
	return Options{
		PriorityFeeBufferPercent: DefaultPriorityFeeBufferPercent,
		MaxFeeBufferPercent:      DefaultMaxFeeBufferPercent,
	}
}

type Estimator struct {
	backend Backend
	opts    Options
	logger  sdklogging.Logger
	metrics *metrics.UserOpMetrics
}

// NewEstimator builds an estimator over backend. Zero buffer percentages select the defaults.
func NewEstimator(backend Backend, opts Options, log sdklogging.Logger, m *metrics.UserOpMetrics) *Estimator {
	if opts.PriorityFeeBufferPercent == 0 {
		opts.PriorityFeeBufferPercent = DefaultPriorityFeeBufferPercent
	}
	if opts.MaxFeeBufferPercent == 0 {
		opts.MaxFeeBufferPercent = DefaultMaxFeeBufferPercent
	}
	return &Estimator{
		backend: backend,
		opts:    opts,
		logger:  logger.ForComponent(log, "eip1559"),
		metrics: m,
	}
}

// SuggestFees returns EIP-1559 fees derived from the latest base fee and the
// suggested priority fee. When either is unavailable it falls back to a single
// legacy gas price for both fields; only a failing fallback is an error.
func (e *Estimator) SuggestFees(ctx context.Context) (*userop.Fees, error) {
	fees, err := e.eip1559Fees(ctx)
	if err == nil {
		e.metrics.IncFeeEstimation(metrics.FeeStrategyEIP1559, metrics.StatusSuccess)
		e.logger.Debug("estimated eip-1559 fees",
			"maxFeePerGas_gwei", gwei(fees.MaxFeePerGas),
			"maxPriorityFeePerGas_gwei", gwei(fees.MaxPriorityFeePerGas))
		return fees, nil
	}

	e.logger.Debug("eip-1559 fee data unavailable, falling back to legacy gas price", "error", err)

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		e.metrics.IncFeeEstimation(metrics.FeeStrategyLegacy, metrics.StatusFailure)
		return nil, fmt.Errorf("failed to get legacy gas price: %w", err)
	}
	e.metrics.IncFeeEstimation(metrics.FeeStrategyLegacy, metrics.StatusSuccess)

	return &userop.Fees{
		MaxFeePerGas:         new(big.Int).Set(gasPrice),
		MaxPriorityFeePerGas: new(big.Int).Set(gasPrice),
	}, nil
}

func (e *Estimator) eip1559Fees(ctx context.Context) (*userop.Fees, error) {
	var (
		header *types.Header
		tipCap *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		header, err = e.backend.HeaderByNumber(gctx, nil)
		return err
	})
	g.Go(func() error {
		var err error
		tipCap, err = e.backend.SuggestGasTipCap(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if header == nil || header.BaseFee == nil {
		return nil, ErrMissingBaseFee
	}
	return e.feesFrom(header.BaseFee, tipCap), nil
}

// ReplacementFees is the fresh estimate used when replacing a stuck operation. The
// latest block and the priority fee hint are fetched concurrently. Unlike
// SuggestFees there is no legacy fallback: a missing or zero base fee is an error.
// A nil hint uses the node's suggested tip instead.
func (e *Estimator) ReplacementFees(ctx context.Context, hint PriorityFeeHinter) (*userop.Fees, error) {
	var (
		header *types.Header
		tipCap *big.Int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		header, err = e.backend.HeaderByNumber(gctx, nil)
		if err != nil {
			return fmt.Errorf("failed to get latest block: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if hint != nil {
			tipCap, err = hint.MaxPriorityFeePerGas(gctx)
		} else {
			tipCap, err = e.backend.SuggestGasTipCap(gctx)
		}
		if err != nil {
			return fmt.Errorf("failed to get priority fee hint: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		e.metrics.IncFeeEstimation(metrics.FeeStrategyReplacement, metrics.StatusFailure)
		return nil, err
	}

	if header == nil || header.BaseFee == nil || header.BaseFee.Sign() == 0 {
		e.metrics.IncFeeEstimation(metrics.FeeStrategyReplacement, metrics.StatusFailure)
		return nil, ErrMissingBaseFee
	}
	if tipCap == nil {
		e.metrics.IncFeeEstimation(metrics.FeeStrategyReplacement, metrics.StatusFailure)
		return nil, fmt.Errorf("priority fee hint returned no value")
	}

	e.metrics.IncFeeEstimation(metrics.FeeStrategyReplacement, metrics.StatusSuccess)
	return e.feesFrom(header.BaseFee, tipCap), nil
}

// feesFrom applies the buffers: tip' = max(tip + p%, min), maxFee = (base + tip') + m%.
func (e *Estimator) feesFrom(baseFee, tipCap *big.Int) *userop.Fees {
	priority := AddPercent(tipCap, e.opts.PriorityFeeBufferPercent)
	if e.opts.MinPriorityFee != nil && priority.Cmp(e.opts.MinPriorityFee) < 0 {
		priority = new(big.Int).Set(e.opts.MinPriorityFee)
	}

	maxFee := AddPercent(new(big.Int).Add(baseFee, priority), e.opts.MaxFeeBufferPercent)

	return &userop.Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: priority}
}

// SuggestFee estimates with the default buffers and returns (maxFeePerGas,
// maxPriorityFeePerGas).
func SuggestFee(ctx context.Context, backend Backend) (*big.Int, *big.Int, error) {
	fees, err := NewEstimator(backend, DefaultOptions(), nil, nil).SuggestFees(ctx)
	if err != nil {
		return nil, nil, err
	}
	return fees.MaxFeePerGas, fees.MaxPriorityFeePerGas, nil
}

// AddPercent returns v * (100 + pct) / 100, truncated.
func AddPercent(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+pct))
	return out.Div(out, big.NewInt(100))
}

func gwei(v *big.Int) string {
	return decimal.NewFromBigInt(v, -9).String()
}

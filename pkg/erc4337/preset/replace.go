package preset

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var ErrUserOpNotFound = errors.New("user operation not found")

// ReplaceResult holds exactly one of Receipt, when the original operation landed
// before the replacement was sent, or Response for the resubmitted operation.
type ReplaceResult struct {
	Receipt  *userop.UserOperationReceipt
	Response *Response
}

// Landed reports whether the original operation was included instead of replaced.
func (r *ReplaceResult) Landed() bool {
	return r.Receipt != nil
}

// DropAndReplace re-prices, re-sponsors and re-signs the operation behind hash,
// then submits it unless a receipt for hash appeared in the meantime. The receipt
// check sits right before submission so that a landed original is never replaced.
func (c *Client) DropAndReplace(ctx context.Context, hash common.Hash) (*ReplaceResult, error) {
	result, err := c.dropAndReplace(ctx, hash)
	if err != nil {
		c.metrics.IncReplacement(metrics.ReplaceOutcomeFailed)
		return nil, err
	}
	if result.Landed() {
		c.metrics.IncReplacement(metrics.ReplaceOutcomeLanded)
	} else {
		c.metrics.IncReplacement(metrics.ReplaceOutcomeResubmitted)
	}
	return result, nil
}

func (c *Client) dropAndReplace(ctx context.Context, hash common.Hash) (*ReplaceResult, error) {
	found, err := c.bundler.GetUserOperationByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user operation %s: %w", hash.Hex(), err)
	}
	if found == nil || found.UserOperation == nil {
		return nil, fmt.Errorf("%w: %s", ErrUserOpNotFound, hash.Hex())
	}
	if found.EntryPoint != (common.Address{}) && found.EntryPoint != c.entryPoint.Address {
		return nil, fmt.Errorf("user operation %s was sent to entry point %s, client uses %s",
			hash.Hex(), found.EntryPoint.Hex(), c.entryPoint.Address.Hex())
	}
	stuck := found.UserOperation

	replacement, err := c.reprice(ctx, stuck)
	if err != nil {
		return nil, fmt.Errorf("failed to re-price user operation %s: %w", hash.Hex(), err)
	}

	signed, newHash, err := c.Sign(ctx, replacement)
	if err != nil {
		return nil, err
	}

	receipt, err := c.bundler.GetUserOperationReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to re-check receipt of %s before replacing: %w", hash.Hex(), err)
	}
	if receipt != nil {
		c.logger.Info("user operation landed before replacement, not resubmitting",
			"userOpHash", hash.Hex(),
			"success", receipt.Success)
		return &ReplaceResult{Receipt: receipt}, nil
	}

	resp, err := c.Submit(ctx, signed)
	if err != nil {
		return nil, err
	}
	c.logger.Info("replaced stuck user operation",
		"oldUserOpHash", hash.Hex(),
		"newUserOpHash", newHash.Hex(),
		"oldMaxFeePerGas", stuck.MaxFeePerGas,
		"newMaxFeePerGas", signed.MaxFeePerGas)
	return &ReplaceResult{Response: resp}, nil
}

// reprice produces the unsigned replacement. Sponsored operations go back to the
// paymaster; self-funded ones get the bumped or freshly estimated fees, whichever is higher.
func (c *Client) reprice(ctx context.Context, stuck *userop.UserOperation) (*userop.UserOperation, error) {
	if c.sponsor != nil {
		return c.sponsor.SponsorForReplacement(ctx, stuck)
	}

	if stuck.MaxFeePerGas == nil || stuck.MaxPriorityFeePerGas == nil {
		return nil, paymaster.ErrMissingPriorFee
	}
	fresh, err := c.fees.ReplacementFees(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate replacement fees: %w", err)
	}
	floor := paymaster.ReplacementFloor(stuck.Fees(), *fresh, c.bumpPercent)

	replacement := stuck.WithUpdatedGas(nil, &floor)
	replacement.SetSignature(userop.DummySignature)
	return replacement, nil
}

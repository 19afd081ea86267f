package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var (
	ErrMissingPriorFee = errors.New("stuck user operation has no prior fee")
	// ErrBelowReplacementFloor means the paymaster priced a replacement under the fee
	// overrides it was sent. Its sponsorship covers those fees, so they cannot be raised
	// locally.
	ErrBelowReplacementFloor = errors.New("paymaster answered below the replacement fee floor")
)

// PaymasterResponse is the sponsorship result. v0.6 paymasters answer with
// paymasterAndData, v0.7 ones with the decomposed paymaster fields. The gas and fee
// values supersede whatever the operation carried.
type PaymasterResponse struct {
	PaymasterAndData hexutil.Bytes `json:"paymasterAndData,omitempty"`

	Paymaster                     *common.Address  `json:"paymaster,omitempty"`
	PaymasterData                 hexutil.Bytes    `json:"paymasterData,omitempty"`
	PaymasterVerificationGasLimit *userop.Quantity `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *userop.Quantity `json:"paymasterPostOpGasLimit,omitempty"`

	CallGasLimit         *userop.Quantity `json:"callGasLimit,omitempty"`
	VerificationGasLimit *userop.Quantity `json:"verificationGasLimit,omitempty"`
	PreVerificationGas   *userop.Quantity `json:"preVerificationGas,omitempty"`
	MaxFeePerGas         *userop.Quantity `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *userop.Quantity `json:"maxPriorityFeePerGas,omitempty"`
}

// Gas returns the gas limits carried by the response.
func (r *PaymasterResponse) Gas() *userop.Gas {
	return &userop.Gas{
		CallGasLimit:                  r.CallGasLimit.Big(),
		VerificationGasLimit:          r.VerificationGasLimit.Big(),
		PreVerificationGas:            r.PreVerificationGas.Big(),
		PaymasterVerificationGasLimit: r.PaymasterVerificationGasLimit.Big(),
		PaymasterPostOpGasLimit:       r.PaymasterPostOpGasLimit.Big(),
	}
}

// Fees returns the fee fields carried by the response.
func (r *PaymasterResponse) Fees() *userop.Fees {
	return &userop.Fees{
		MaxFeePerGas:         r.MaxFeePerGas.Big(),
		MaxPriorityFeePerGas: r.MaxPriorityFeePerGas.Big(),
	}
}

// Apply returns a copy of op with the response's gas, fees and sponsorship data.
func (r *PaymasterResponse) Apply(op *userop.UserOperation) (*userop.UserOperation, error) {
	return r.applySponsorship(op.WithUpdatedGas(r.Gas(), r.Fees()))
}

// applySponsorship fills only the paymaster fields into a copy of op.
func (r *PaymasterResponse) applySponsorship(op *userop.UserOperation) (*userop.UserOperation, error) {
	version, err := op.Version()
	if err != nil {
		return nil, err
	}

	out := op.Copy()
	switch version {
	case userop.EntryPointV06:
		if err := out.SetPaymasterAndData(r.PaymasterAndData); err != nil {
			return nil, err
		}
	case userop.EntryPointV07:
		if r.Paymaster == nil {
			// some v0.7 paymasters still answer with the packed form
			if err := out.SetPaymasterAndData(r.PaymasterAndData); err != nil {
				return nil, err
			}
			break
		}
		paymaster := *r.Paymaster
		out.V07.Paymaster = &paymaster
		out.V07.PaymasterData = append([]byte(nil), r.PaymasterData...)
		if len(out.V07.PaymasterData) == 0 {
			out.V07.PaymasterData = nil
		}
		if v := r.PaymasterVerificationGasLimit.Big(); v != nil {
			out.V07.PaymasterVerificationGasLimit = v
		}
		if v := r.PaymasterPostOpGasLimit.Big(); v != nil {
			out.V07.PaymasterPostOpGasLimit = v
		}
	}
	return out, nil
}

type sponsorshipRequest struct {
	PolicyID       string            `json:"policyId"`
	EntryPoint     string            `json:"entryPoint"`
	DummySignature string            `json:"dummySignature"`
	UserOperation  map[string]any    `json:"userOperation"`
	Overrides      map[string]string `json:"overrides,omitempty"`
}

// projection is the minimal view of op the sponsor prices: sender, nonce,
// deployment payload and callData.
func projection(op *userop.UserOperation) (map[string]any, error) {
	version, err := op.Version()
	if err != nil {
		return nil, err
	}

	full := op.ToMap()
	m := map[string]any{
		"sender":   full["sender"],
		"nonce":    full["nonce"],
		"callData": full["callData"],
	}
	switch version {
	case userop.EntryPointV06:
		m["initCode"] = full["initCode"]
	case userop.EntryPointV07:
		if factory, ok := full["factory"]; ok {
			m["factory"] = factory
			m["factoryData"] = full["factoryData"]
		}
	}
	return m, nil
}

func (c *Client) requestSponsorship(ctx context.Context, op *userop.UserOperation, overrides *userop.Fees) (*PaymasterResponse, error) {
	projected, err := projection(op)
	if err != nil {
		return nil, err
	}

	req := sponsorshipRequest{
		PolicyID:       c.config.PolicyID,
		EntryPoint:     c.config.EntryPoint.Address.Hex(),
		DummySignature: hexutil.Encode(userop.DummySignature),
		UserOperation:  projected,
	}
	if overrides != nil {
		req.Overrides = map[string]string{
			"maxFeePerGas":         hexutil.EncodeBig(overrides.MaxFeePerGas),
			"maxPriorityFeePerGas": hexutil.EncodeBig(overrides.MaxPriorityFeePerGas),
		}
	}

	var resp PaymasterResponse
	if err := c.call(ctx, &resp, MethodRequestGasAndPaymasterAndData, req); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Sponsor requests gas limits and sponsorship data for op and returns a copy with
// them applied. The operation's own gas and fee guesses are discarded.
func (c *Client) Sponsor(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error) {
	resp, err := c.requestSponsorship(ctx, op, nil)
	c.record(metrics.SponsorKindSponsor, err)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("paymaster sponsored user operation",
		"sender", op.Sender.Hex(),
		"policyId", c.config.PolicyID,
		"maxFeePerGas", resp.MaxFeePerGas.Big(),
		"preVerificationGas", resp.PreVerificationGas.Big())

	return resp.Apply(op)
}

// SponsorForReplacement re-prices and re-sponsors a stuck operation. Each fee field
// becomes max(stuck fee + bump%, fresh estimate) and is passed to the paymaster as an
// override. An answer below that floor fails with ErrBelowReplacementFloor. The result
// carries the placeholder signature and must be signed again.
func (c *Client) SponsorForReplacement(ctx context.Context, stuck *userop.UserOperation) (*userop.UserOperation, error) {
	if stuck.MaxFeePerGas == nil || stuck.MaxPriorityFeePerGas == nil {
		c.record(metrics.SponsorKindReplacement, ErrMissingPriorFee)
		return nil, ErrMissingPriorFee
	}

	fresh, err := c.estimator.ReplacementFees(ctx, c)
	if err != nil {
		c.record(metrics.SponsorKindReplacement, err)
		return nil, fmt.Errorf("failed to estimate replacement fees: %w", err)
	}

	floor := ReplacementFloor(stuck.Fees(), *fresh, c.config.ReplacementBumpPercent)

	resp, err := c.requestSponsorship(ctx, stuck, &floor)
	if err != nil {
		c.record(metrics.SponsorKindReplacement, err)
		return nil, err
	}

	final, err := acceptedFees(floor, resp.Fees())
	if err != nil {
		c.record(metrics.SponsorKindReplacement, err)
		return nil, err
	}
	c.record(metrics.SponsorKindReplacement, nil)

	c.logger.Info("re-sponsored stuck user operation",
		"sender", stuck.Sender.Hex(),
		"oldMaxFeePerGas", stuck.MaxFeePerGas.String(),
		"newMaxFeePerGas", final.MaxFeePerGas.String(),
		"oldMaxPriorityFeePerGas", stuck.MaxPriorityFeePerGas.String(),
		"newMaxPriorityFeePerGas", final.MaxPriorityFeePerGas.String())

	replaced, err := resp.applySponsorship(stuck.WithUpdatedGas(resp.Gas(), &final))
	if err != nil {
		return nil, err
	}
	replaced.SetSignature(userop.DummySignature)
	return replaced, nil
}

// acceptedFees returns the fees a replacement is sent with. A field the paymaster left
// out takes the floor it was sent as an override; a field below the floor is an error.
func acceptedFees(floor userop.Fees, answered *userop.Fees) (userop.Fees, error) {
	fee, err := acceptedFee("maxFeePerGas", floor.MaxFeePerGas, answered.MaxFeePerGas)
	if err != nil {
		return userop.Fees{}, err
	}
	tip, err := acceptedFee("maxPriorityFeePerGas", floor.MaxPriorityFeePerGas, answered.MaxPriorityFeePerGas)
	if err != nil {
		return userop.Fees{}, err
	}
	return userop.Fees{MaxFeePerGas: fee, MaxPriorityFeePerGas: tip}, nil
}

func acceptedFee(field string, floor, answered *big.Int) (*big.Int, error) {
	if answered == nil {
		return new(big.Int).Set(floor), nil
	}
	if answered.Cmp(floor) < 0 {
		return nil, fmt.Errorf("%w: %s %s < %s", ErrBelowReplacementFloor, field, answered, floor)
	}
	return new(big.Int).Set(answered), nil
}

// ReplacementFloor is the per-field max of the bumped old fees and the fresh estimate.
func ReplacementFloor(old, fresh userop.Fees, bumpPercent int64) userop.Fees {
	return userop.Fees{
		MaxFeePerGas:         maxBig(eip1559.AddPercent(old.MaxFeePerGas, bumpPercent), fresh.MaxFeePerGas),
		MaxPriorityFeePerGas: maxBig(eip1559.AddPercent(old.MaxPriorityFeePerGas, bumpPercent), fresh.MaxPriorityFeePerGas),
	}
}

func maxBig(a, b *big.Int) *big.Int {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return new(big.Int).Set(b)
	case b == nil || a.Cmp(b) >= 0:
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

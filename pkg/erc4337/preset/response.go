package preset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

var ErrWaitTimeout = errors.New("timed out waiting for user operation receipt")

// WaitTimeoutError is returned by Wait when no receipt showed up in time. The
// operation may still land, or be replaced through Response.Replace.
type WaitTimeoutError struct {
	UserOpHash common.Hash
	Timeout    time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("no receipt for user operation %s after %s", e.UserOpHash.Hex(), e.Timeout)
}

func (e *WaitTimeoutError) Is(target error) bool {
	return target == ErrWaitTimeout
}

// Response is the handle for a submitted operation.
type Response struct {
	Hash common.Hash
	Op   *userop.UserOperation

	client  *Client
	replace func(ctx context.Context, hash common.Hash) (*ReplaceResult, error)
}

func (c *Client) newResponse(hash common.Hash, op *userop.UserOperation) *Response {
	return &Response{
		Hash:    hash,
		Op:      op,
		client:  c,
		replace: c.DropAndReplace,
	}
}

// Wait polls the bundler every poll interval until a receipt appears or timeout
// elapses. Failed polls are logged and retried; only the timeout is fatal. If ctx
// itself is cancelled its error is returned instead.
func (r *Response) Wait(ctx context.Context, timeout time.Duration) (*userop.UserOperationReceipt, error) {
	c := r.client
	start := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			c.logger.Warn("user operation receipt wait timed out",
				"userOpHash", r.Hash.Hex(),
				"timeout", timeout,
				"polls", attempt-1)
			return nil, &WaitTimeoutError{UserOpHash: r.Hash, Timeout: timeout}
		case <-ticker.C:
		}

		receipt, err := c.bundler.GetUserOperationReceipt(waitCtx, r.Hash)
		switch {
		case err != nil:
			c.metrics.IncReceiptPoll(metrics.PollResultError)
			c.logger.Debug("receipt poll failed, retrying",
				"userOpHash", r.Hash.Hex(),
				"attempt", attempt,
				"error", err)
		case receipt == nil:
			c.metrics.IncReceiptPoll(metrics.PollResultPending)
		default:
			c.metrics.IncReceiptPoll(metrics.PollResultFound)
			c.metrics.ObserveReceiptWait(time.Since(start).Seconds())
			c.logger.Info("user operation landed",
				"userOpHash", r.Hash.Hex(),
				"success", receipt.Success,
				"transactionHash", receipt.Receipt.TransactionHash.Hex(),
				"elapsed", time.Since(start).Round(time.Millisecond))
			return receipt, nil
		}
	}
}

// Replace drops the operation in favour of a re-priced, re-sponsored copy. The
// returned Response can itself be replaced again.
func (r *Response) Replace(ctx context.Context) (*ReplaceResult, error) {
	return r.replace(ctx, r.Hash)
}

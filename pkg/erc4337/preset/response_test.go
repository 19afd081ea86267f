package preset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

func TestWait_ReceiptAfterTwoPendingPolls(t *testing.T) {
	h := newHarness(t, true)
	resp, err := h.client.SendUserOp(context.Background(), testCallData)
	require.NoError(t, err)

	landed := &userop.UserOperationReceipt{UserOpHash: resp.Hash, Sender: testSender, Success: true}
	h.bundler.receipts = []*userop.UserOperationReceipt{nil, nil, landed}

	receipt, err := resp.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, landed, receipt)
	assert.LessOrEqual(t, h.bundler.pollCount(), 3)
}

func TestWait_TimeoutCarriesHash(t *testing.T) {
	h := newHarness(t, true, WithPollInterval(20*time.Millisecond))
	resp, err := h.client.SendUserOp(context.Background(), testCallData)
	require.NoError(t, err)

	start := time.Now()
	receipt, err := resp.Wait(context.Background(), 40*time.Millisecond)
	assert.Nil(t, receipt)

	var timeoutErr *WaitTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, resp.Hash, timeoutErr.UserOpHash)
	assert.ErrorIs(t, err, ErrWaitTimeout)
	assert.Contains(t, err.Error(), resp.Hash.Hex())
	assert.LessOrEqual(t, h.bundler.pollCount(), 2)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_SwallowsPollErrors(t *testing.T) {
	h := newHarness(t, true)
	resp, err := h.client.SendUserOp(context.Background(), testCallData)
	require.NoError(t, err)

	landed := &userop.UserOperationReceipt{UserOpHash: resp.Hash, Success: true}
	h.bundler.receiptErrs = []error{errTransient, errTransient}
	h.bundler.receipts = []*userop.UserOperationReceipt{nil, nil, landed}

	receipt, err := resp.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, 3, h.bundler.pollCount())
}

func TestWait_ParentCancelled(t *testing.T) {
	h := newHarness(t, true)
	resp, err := h.client.SendUserOp(context.Background(), testCallData)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = resp.Wait(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrWaitTimeout)
}

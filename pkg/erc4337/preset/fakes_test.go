package preset

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

const testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var (
	testSender   = common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	testFactory  = common.HexToAddress("0x91E60e0613810449d098b0b5Ec8b51A0FE8c8985")
	testChainID  = big.NewInt(11155111)
	testCallData = common.FromHex("0xabcdef01")
	zeroSponsor  = make([]byte, 20)
)

// trace records the order in which collaborators are called.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(event string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type fakeBundler struct {
	mu    sync.Mutex
	trace *trace

	entryPoint common.Address
	sendErr    error
	sent       []*userop.UserOperation

	estimate *userop.Gas

	// receipts are served one per poll; past the end the last entry repeats
	receipts    []*userop.UserOperationReceipt
	receiptErrs []error
	polls       int

	byHash    map[common.Hash]*userop.UserOperationByHash
	supported []common.Address
}

func (f *fakeBundler) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (*userop.Gas, error) {
	f.trace.add("estimate")
	return f.estimate, nil
}

func (f *fakeBundler) SendUserOperation(ctx context.Context, op *userop.UserOperation, entryPoint common.Address) (common.Hash, error) {
	f.trace.add("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent = append(f.sent, op.Copy())
	return op.Hash(entryPoint, testChainID)
}

func (f *fakeBundler) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*userop.UserOperationByHash, error) {
	f.trace.add("getByHash")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byHash[hash], nil
}

func (f *fakeBundler) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*userop.UserOperationReceipt, error) {
	f.trace.add("receipt")
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	f.polls++
	if i < len(f.receiptErrs) && f.receiptErrs[i] != nil {
		return nil, f.receiptErrs[i]
	}
	if len(f.receipts) == 0 {
		return nil, nil
	}
	if i >= len(f.receipts) {
		i = len(f.receipts) - 1
	}
	return f.receipts[i], nil
}

func (f *fakeBundler) SupportsEntryPoint(ctx context.Context, entryPoint common.Address) (bool, error) {
	for _, ep := range f.supported {
		if ep == entryPoint {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBundler) sentOps() []*userop.UserOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*userop.UserOperation(nil), f.sent...)
}

func (f *fakeBundler) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type fakeSponsor struct {
	trace            *trace
	paymasterAndData []byte
	replaceFees      *userop.Fees
	sponsorCalls     int
	replaceCalls     int
}

func (s *fakeSponsor) Sponsor(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error) {
	s.trace.add("sponsor")
	s.sponsorCalls++
	out := op.WithUpdatedGas(&userop.Gas{
		CallGasLimit:         big.NewInt(80_000),
		VerificationGasLimit: big.NewInt(120_000),
		PreVerificationGas:   big.NewInt(45_000),
	}, nil)
	if err := out.SetPaymasterAndData(s.paymasterAndData); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *fakeSponsor) SponsorForReplacement(ctx context.Context, stuck *userop.UserOperation) (*userop.UserOperation, error) {
	s.trace.add("sponsorForReplacement")
	s.replaceCalls++
	out := stuck.WithUpdatedGas(nil, s.replaceFees)
	out.SetSignature(userop.DummySignature)
	return out, nil
}

type fakeFees struct {
	fees         *userop.Fees
	err          error
	replacements int
}

func (f *fakeFees) SuggestFees(ctx context.Context) (*userop.Fees, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &userop.Fees{
		MaxFeePerGas:         new(big.Int).Set(f.fees.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(f.fees.MaxPriorityFeePerGas),
	}, nil
}

func (f *fakeFees) ReplacementFees(ctx context.Context, hint eip1559.PriorityFeeHinter) (*userop.Fees, error) {
	f.replacements++
	return f.SuggestFees(ctx)
}

type fakeAccount struct {
	deployed bool
	calls    int
}

func (a *fakeAccount) Address(ctx context.Context) (common.Address, error) {
	a.calls++
	return testSender, nil
}

func (a *fakeAccount) IsDeployed(ctx context.Context, sender common.Address) (bool, error) {
	a.calls++
	return a.deployed, nil
}

func (a *fakeAccount) Deployment(ctx context.Context) (userop.Deployment, error) {
	a.calls++
	return userop.Deployment{InitCode: append(testFactory.Bytes(), 0xde, 0xad, 0xbe, 0xef)}, nil
}

type chainNonce struct{ nonce int64 }

func (c chainNonce) GetNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	return big.NewInt(c.nonce), nil
}

type recordingSigner struct {
	*signer.PrivateKeySigner
	trace *trace
}

func (s recordingSigner) SignHash(ctx context.Context, hash common.Hash) ([]byte, error) {
	s.trace.add("sign")
	return s.PrivateKeySigner.SignHash(ctx, hash)
}

type harness struct {
	client  *Client
	bundler *fakeBundler
	sponsor *fakeSponsor
	account *fakeAccount
	nonces  *bundler.NonceManager
	signer  *signer.PrivateKeySigner
	trace   *trace
}

func newHarness(t *testing.T, sponsored bool, opts ...Option) *harness {
	t.Helper()
	tr := &trace{}
	key, err := signer.FromPrivateKeyHex(testKeyHex)
	require.NoError(t, err)

	ep, err := userop.DefaultEntryPoint(userop.EntryPointV06)
	require.NoError(t, err)

	h := &harness{
		bundler: &fakeBundler{trace: tr, entryPoint: ep.Address, byHash: map[common.Hash]*userop.UserOperationByHash{}, supported: []common.Address{ep.Address}},
		account: &fakeAccount{deployed: true},
		nonces:  bundler.NewNonceManager(chainNonce{nonce: 5}, nil),
		signer:  key,
		trace:   tr,
	}
	deps := Dependencies{
		Bundler: h.bundler,
		Fees:    &fakeFees{fees: &userop.Fees{MaxFeePerGas: big.NewInt(2_000), MaxPriorityFeePerGas: big.NewInt(100)}},
		Nonces:  h.nonces,
		Signer:  recordingSigner{PrivateKeySigner: key, trace: tr},
		Account: h.account,
	}
	if sponsored {
		h.sponsor = &fakeSponsor{
			trace:            tr,
			paymasterAndData: zeroSponsor,
			replaceFees:      &userop.Fees{MaxFeePerGas: big.NewInt(2_200), MaxPriorityFeePerGas: big.NewInt(110)},
		}
		deps.Sponsor = h.sponsor
	}

	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	h.client, err = NewClient(context.Background(), deps, ep, testChainID, opts...)
	require.NoError(t, err)
	return h
}

// stuckOp is a signed, sponsored operation sitting in the bundler's mempool.
func (h *harness) stuckOp(t *testing.T) (*userop.UserOperation, common.Hash) {
	t.Helper()
	op, err := userop.Build(userop.EntryPointV06, testCallData, testSender, big.NewInt(5), userop.Deployment{})
	require.NoError(t, err)
	op = op.WithUpdatedGas(nil, &userop.Fees{MaxFeePerGas: big.NewInt(1_000), MaxPriorityFeePerGas: big.NewInt(100)})
	require.NoError(t, op.SetPaymasterAndData(zeroSponsor))

	signed, hash, err := h.client.Sign(context.Background(), op)
	require.NoError(t, err)
	h.bundler.byHash[hash] = &userop.UserOperationByHash{UserOperation: signed, EntryPoint: h.bundler.entryPoint}
	h.trace.events = nil
	return signed, hash
}

var errTransient = errors.New("connection reset by peer")

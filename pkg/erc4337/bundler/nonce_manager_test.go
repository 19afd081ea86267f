package bundler

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNonceFetcher struct {
	nonce *big.Int
	err   error
}

func (s *stubNonceFetcher) GetNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	return s.nonce, s.err
}

func TestNonceManager_MaxOfChainAndCache(t *testing.T) {
	sender := common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454")
	fetcher := &stubNonceFetcher{nonce: big.NewInt(5)}
	nm := NewNonceManager(fetcher, nil)

	nonce, err := nm.Nonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, int64(5), nonce.Int64())

	// submitted but not mined yet
	nm.IncrementNonce(sender, nonce)
	nonce, err = nm.Nonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, int64(6), nonce.Int64())

	// chain moved past the cache
	fetcher.nonce = big.NewInt(9)
	nonce, err = nm.Nonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, int64(9), nonce.Int64())
}

func TestNonceManager_IncrementNeverMovesBackwards(t *testing.T) {
	sender := common.HexToAddress("0x01")
	nm := NewNonceManager(&stubNonceFetcher{nonce: big.NewInt(0)}, nil)

	nm.IncrementNonce(sender, big.NewInt(4))
	nm.IncrementNonce(sender, big.NewInt(1))

	cached, ok := nm.GetCachedNonce(sender)
	require.True(t, ok)
	assert.Equal(t, int64(5), cached.Int64())
}

func TestNonceManager_ResetAndSet(t *testing.T) {
	sender := common.HexToAddress("0x01")
	nm := NewNonceManager(&stubNonceFetcher{nonce: big.NewInt(2)}, nil)

	nm.SetNonce(sender, big.NewInt(10))
	nonce, err := nm.Nonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, int64(10), nonce.Int64())

	nm.ResetNonce(sender)
	_, ok := nm.GetCachedNonce(sender)
	assert.False(t, ok)

	nonce, err = nm.Nonce(context.Background(), sender)
	require.NoError(t, err)
	assert.Equal(t, int64(2), nonce.Int64())
}

func TestNonceManager_FetchError(t *testing.T) {
	nm := NewNonceManager(&stubNonceFetcher{err: errors.New("rpc down")}, nil)
	_, err := nm.Nonce(context.Background(), common.HexToAddress("0x01"))
	assert.ErrorContains(t, err, "rpc down")
}

func TestNonceManager_ConcurrentSenders(t *testing.T) {
	nm := NewNonceManager(&stubNonceFetcher{nonce: big.NewInt(0)}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sender := common.BigToAddress(big.NewInt(int64(i)))
			nonce, err := nm.Nonce(context.Background(), sender)
			if err == nil {
				nm.IncrementNonce(sender, nonce)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		cached, ok := nm.GetCachedNonce(common.BigToAddress(big.NewInt(int64(i))))
		require.True(t, ok)
		assert.Equal(t, int64(1), cached.Int64())
	}
}

package bundler

import (
	"context"
	"math/big"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

// NonceFetcher reads the next nonce of a sender from the EntryPoint contract.
type NonceFetcher interface {
	GetNonce(ctx context.Context, sender common.Address) (*big.Int, error)
}

// NonceManager tracks the next nonce per sender so that back to back operations
// do not reuse a nonce that is still pending in the bundler's mempool.
type NonceManager struct {
	fetcher NonceFetcher
	logger  sdklogging.Logger

	// pendingNonces maps a sender to the next nonce to use
	pendingNonces map[common.Address]*big.Int
	mu            sync.Mutex
}

func NewNonceManager(fetcher NonceFetcher, log sdklogging.Logger) *NonceManager {
	return &NonceManager{
		fetcher:       fetcher,
		logger:        logger.EnsureLogger(log),
		pendingNonces: make(map[common.Address]*big.Int),
	}
}

// Nonce returns max(on-chain nonce, cached pending nonce) for sender.
func (nm *NonceManager) Nonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	onChainNonce, err := nm.fetcher.GetNonce(ctx, sender)
	if err != nil {
		return nil, err
	}

	nm.mu.Lock()
	defer nm.mu.Unlock()

	cachedNonce, hasCached := nm.pendingNonces[sender]
	switch {
	case !hasCached:
		nm.logger.Debug("first user operation for sender, using on-chain nonce",
			"sender", sender.Hex(), "nonce", onChainNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	case onChainNonce.Cmp(cachedNonce) > 0:
		// pending operations were mined or dropped
		nm.logger.Debug("on-chain nonce is ahead of cache",
			"sender", sender.Hex(), "onchain", onChainNonce.String(), "cached", cachedNonce.String())
		return new(big.Int).Set(onChainNonce), nil
	default:
		nm.logger.Debug("using cached pending nonce",
			"sender", sender.Hex(), "onchain", onChainNonce.String(), "cached", cachedNonce.String())
		return new(big.Int).Set(cachedNonce), nil
	}
}

// IncrementNonce records that currentNonce has been submitted for sender.
func (nm *NonceManager) IncrementNonce(sender common.Address, currentNonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	next := new(big.Int).Add(currentNonce, big.NewInt(1))
	if cached, ok := nm.pendingNonces[sender]; ok && cached.Cmp(next) > 0 {
		return
	}
	nm.pendingNonces[sender] = next
	nm.logger.Debug("incremented pending nonce", "sender", sender.Hex(), "next", next.String())
}

// ResetNonce drops the cached nonce so the next call reads fresh chain state.
// Use this after a nonce conflict.
func (nm *NonceManager) ResetNonce(sender common.Address) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	delete(nm.pendingNonces, sender)
	nm.logger.Info("reset cached nonce", "sender", sender.Hex())
}

func (nm *NonceManager) SetNonce(sender common.Address, nonce *big.Int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nm.pendingNonces[sender] = new(big.Int).Set(nonce)
}

// GetCachedNonce returns the cached nonce for a sender without fetching from chain.
func (nm *NonceManager) GetCachedNonce(sender common.Address) (*big.Int, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	nonce, exists := nm.pendingNonces[sender]
	if !exists {
		return nil, false
	}
	return new(big.Int).Set(nonce), true
}

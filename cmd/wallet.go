package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/core/chainio/signer"
	"github.com/AvaProtocol/ap-userop/core/config"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/paymaster"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
)

var errMissingControllerKey = errors.New("controller private key is not set, use controller_private_key or " + config.ControllerPrivateKeyEnv)

// wallet is the fully wired client for the account described by the config.
type wallet struct {
	cfg     *config.Config
	eth     *ethclient.Client
	bundler *bundler.BundlerClient
	account *aa.SimpleAccount
	nonces  *bundler.NonceManager
	client  *preset.Client
}

func openWallet(ctx context.Context, cfg *config.Config, m *metrics.UserOpMetrics) (*wallet, error) {
	if cfg.ControllerPrivateKey == nil {
		return nil, errMissingControllerKey
	}
	owner := signer.NewPrivateKeySigner(cfg.ControllerPrivateKey)
	if cfg.Owner != (common.Address{}) && cfg.Owner != owner.Address() {
		return nil, fmt.Errorf("%w: owner_address %s does not match the controller key", config.ErrInvalidConfig, cfg.Owner.Hex())
	}

	eth, err := ethclient.DialContext(ctx, cfg.EthRpcUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to eth rpc: %w", err)
	}

	account, err := aa.NewSimpleAccount(eth, cfg.EntryPoint, cfg.FactoryAddress, owner.Address(), cfg.AccountSalt)
	if err != nil {
		eth.Close()
		return nil, err
	}

	bundlerClient, err := bundler.NewBundlerClient(ctx, cfg.BundlerUrl, cfg.ChainID, cfg.Logger)
	if err != nil {
		eth.Close()
		return nil, err
	}

	estimator := eip1559.NewEstimator(eth, cfg.FeeOptions, cfg.Logger, m)
	nonces := bundler.NewNonceManager(account, cfg.Logger)

	deps := preset.Dependencies{
		Bundler: bundlerClient,
		Fees:    estimator,
		Nonces:  nonces,
		Signer:  owner,
		Account: account,
	}
	if cfg.PaymasterUrl != "" {
		deps.Sponsor = paymaster.NewClient(paymaster.Config{
			URL:                    cfg.PaymasterUrl,
			PolicyID:               cfg.PaymasterPolicyID,
			EntryPoint:             cfg.EntryPoint,
			ChainID:                cfg.ChainID,
			ReplacementBumpPercent: cfg.ReplacementBumpPercent,
		}, estimator, cfg.Logger, m)
	}

	client, err := preset.NewClient(ctx, deps, cfg.EntryPoint, cfg.ChainID,
		preset.WithLogger(cfg.Logger),
		preset.WithMetrics(m),
		preset.WithGasMultipliers(cfg.GasMultipliers),
		preset.WithPollInterval(cfg.ReceiptPollInterval),
		preset.WithReplacementBumpPercent(cfg.ReplacementBumpPercent),
	)
	if err != nil {
		bundlerClient.Close()
		eth.Close()
		return nil, err
	}

	return &wallet{
		cfg:     cfg,
		eth:     eth,
		bundler: bundlerClient,
		account: account,
		nonces:  nonces,
		client:  client,
	}, nil
}

func (w *wallet) Close() {
	w.bundler.Close()
	w.eth.Close()
}

// loadWallet reads the config flag, starts the optional metrics endpoint and wires
// the wallet.
func loadWallet(ctx context.Context) (*wallet, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, err
	}

	var m *metrics.UserOpMetrics
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.NewUserOpMetrics(reg)
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
				cfg.Logger.Warn("metrics endpoint stopped", "addr", metricsAddr, "error", err)
			}
		}()
	}

	return openWallet(ctx, cfg, m)
}

package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
)

const (
	DefaultReceiptPollInterval    = 2 * time.Second
	DefaultReceiptTimeout         = 3 * time.Minute
	DefaultReplacementBumpPercent = 10

	// ControllerPrivateKeyEnv overrides controller_private_key so keys stay out of files.
	ControllerPrivateKeyEnv = "CONTROLLER_PRIVATE_KEY"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the validated network configuration of the userop client.
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	ChainID    *big.Int
	EthRpcUrl  string
	BundlerUrl string

	PaymasterUrl      string
	PaymasterPolicyID string

	EntryPoint     userop.EntryPoint
	FactoryAddress *common.Address
	Owner          common.Address
	AccountSalt    *big.Int

	// json:"-" keeps the key out of logged config dumps
	ControllerPrivateKey *ecdsa.PrivateKey `json:"-"`

	ReceiptPollInterval time.Duration
	ReceiptTimeout      time.Duration

	FeeOptions             eip1559.Options
	ReplacementBumpPercent int64
	GasMultipliers         userop.GasMultipliers
}

// These are read from configPath
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`

	ChainID    int64  `yaml:"chain_id" validate:"required,gt=0"`
	EthRpcUrl  string `yaml:"eth_rpc_url" validate:"required,url"`
	BundlerUrl string `yaml:"bundler_url" validate:"required,url"`

	PaymasterUrl      string `yaml:"paymaster_url" validate:"omitempty,url"`
	PaymasterPolicyID string `yaml:"paymaster_policy_id" validate:"required_with=PaymasterUrl"`

	EntrypointVersion string `yaml:"entrypoint_version" validate:"required,oneof=0.6 v0.6 0.7 v0.7"`
	EntrypointAddress string `yaml:"entrypoint_address" validate:"omitempty,eth_addr"`
	FactoryAddress    string `yaml:"factory_address" validate:"omitempty,eth_addr"`
	OwnerAddress      string `yaml:"owner_address" validate:"omitempty,eth_addr"`
	AccountSalt       int64  `yaml:"account_salt" validate:"gte=0"`

	ControllerPrivateKey string `yaml:"controller_private_key"`

	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval" validate:"gte=0"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout" validate:"gte=0"`

	Fees           FeesRaw           `yaml:"fees"`
	GasMultipliers GasMultipliersRaw `yaml:"gas_multipliers"`
}

// FeesRaw holds fee buffers in percent. Zero selects the default.
type FeesRaw struct {
	PriorityFeeBufferPercent int64  `yaml:"priority_fee_buffer_percent" validate:"gte=0,lte=1000"`
	MaxFeeBufferPercent      int64  `yaml:"max_fee_buffer_percent" validate:"gte=0,lte=1000"`
	ReplacementBumpPercent   int64  `yaml:"replacement_bump_percent" validate:"gte=0,lte=1000"`
	MinPriorityFeeWei        string `yaml:"min_priority_fee_wei" validate:"omitempty,number"`
}

// GasMultipliersRaw holds decimal multipliers such as "1.2". Empty leaves the field as estimated.
type GasMultipliersRaw struct {
	CallGasLimit         string `yaml:"call_gas_limit" validate:"omitempty,numeric"`
	VerificationGasLimit string `yaml:"verification_gas_limit" validate:"omitempty,numeric"`
	PreVerificationGas   string `yaml:"pre_verification_gas" validate:"omitempty,numeric"`
	MaxFeePerGas         string `yaml:"max_fee_per_gas" validate:"omitempty,numeric"`
	MaxPriorityFeePerGas string `yaml:"max_priority_fee_per_gas" validate:"omitempty,numeric"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewConfig reads and validates the YAML file at configFilePath.
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFilePath, err)
	}
	return ParseConfig(data)
}

// ParseConfig validates a YAML document and builds the Config from it.
func ParseConfig(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if key := os.Getenv(ControllerPrivateKeyEnv); key != "" {
		raw.ControllerPrivateKey = key
	}
	return raw.Build()
}

// Build validates the raw values and converts them to a Config.
func (raw ConfigRaw) Build() (*Config, error) {
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, describeValidation(err))
	}

	if raw.Environment == "" {
		raw.Environment = sdklogging.Production
	}
	logger, err := sdklogging.NewZapLogger(raw.Environment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	version, err := userop.ParseEntryPointVersion(raw.EntrypointVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	entryPoint, err := userop.DefaultEntryPoint(version)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if raw.EntrypointAddress != "" {
		entryPoint.Address = common.HexToAddress(raw.EntrypointAddress)
	}

	cfg := &Config{
		Environment:         raw.Environment,
		Logger:              logger,
		ChainID:             big.NewInt(raw.ChainID),
		EthRpcUrl:           raw.EthRpcUrl,
		BundlerUrl:          raw.BundlerUrl,
		PaymasterUrl:        raw.PaymasterUrl,
		PaymasterPolicyID:   raw.PaymasterPolicyID,
		EntryPoint:          entryPoint,
		Owner:               common.HexToAddress(raw.OwnerAddress),
		AccountSalt:         big.NewInt(raw.AccountSalt),
		ReceiptPollInterval: lo.Ternary(raw.ReceiptPollInterval > 0, raw.ReceiptPollInterval, DefaultReceiptPollInterval),
		ReceiptTimeout:      lo.Ternary(raw.ReceiptTimeout > 0, raw.ReceiptTimeout, DefaultReceiptTimeout),
		FeeOptions: eip1559.Options{
			PriorityFeeBufferPercent: lo.Ternary(raw.Fees.PriorityFeeBufferPercent > 0, raw.Fees.PriorityFeeBufferPercent, eip1559.DefaultPriorityFeeBufferPercent),
			MaxFeeBufferPercent:      lo.Ternary(raw.Fees.MaxFeeBufferPercent > 0, raw.Fees.MaxFeeBufferPercent, eip1559.DefaultMaxFeeBufferPercent),
		},
		ReplacementBumpPercent: lo.Ternary(raw.Fees.ReplacementBumpPercent > 0, raw.Fees.ReplacementBumpPercent, DefaultReplacementBumpPercent),
	}

	if raw.FactoryAddress != "" {
		factory := common.HexToAddress(raw.FactoryAddress)
		cfg.FactoryAddress = &factory
	}

	if raw.Fees.MinPriorityFeeWei != "" {
		minFee, ok := new(big.Int).SetString(raw.Fees.MinPriorityFeeWei, 10)
		if !ok || minFee.Sign() < 0 {
			return nil, fmt.Errorf("%w: min_priority_fee_wei %q is not a non-negative integer", ErrInvalidConfig, raw.Fees.MinPriorityFeeWei)
		}
		cfg.FeeOptions.MinPriorityFee = minFee
	}

	if cfg.GasMultipliers, err = raw.GasMultipliers.parse(); err != nil {
		return nil, err
	}

	if raw.ControllerPrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw.ControllerPrivateKey, "0x"))
		if err != nil {
			// do not echo the key back
			return nil, fmt.Errorf("%w: cannot parse controller private key", ErrInvalidConfig)
		}
		cfg.ControllerPrivateKey = key
	}

	return cfg, nil
}

func (g GasMultipliersRaw) parse() (userop.GasMultipliers, error) {
	var out userop.GasMultipliers
	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"call_gas_limit", g.CallGasLimit, &out.CallGasLimit},
		{"verification_gas_limit", g.VerificationGasLimit, &out.VerificationGasLimit},
		{"pre_verification_gas", g.PreVerificationGas, &out.PreVerificationGas},
		{"max_fee_per_gas", g.MaxFeePerGas, &out.MaxFeePerGas},
		{"max_priority_fee_per_gas", g.MaxPriorityFeePerGas, &out.MaxPriorityFeePerGas},
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}
		d, err := decimal.NewFromString(f.value)
		if err != nil || d.IsNegative() {
			return out, fmt.Errorf("%w: gas_multipliers.%s %q is not a positive decimal", ErrInvalidConfig, f.name, f.value)
		}
		*f.dst = d
	}
	return out, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
	})
	return strings.Join(msgs, "; ")
}

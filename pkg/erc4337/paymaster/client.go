// Package paymaster requests gas sponsorship for user operations over the
// paymaster's JSON-RPC endpoint.
package paymaster

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
	"github.com/oklog/ulid/v2"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/eip1559"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
	"github.com/AvaProtocol/ap-userop/version"
)

const (
	MethodRequestGasAndPaymasterAndData = "alchemy_requestGasAndPaymasterAndData"
	MethodGetPaymasterStubData          = "pm_getPaymasterStubData"
	MethodMaxPriorityFeePerGas          = "rundler_maxPriorityFeePerGas"

	DefaultReplacementBumpPercent = 10
	defaultTimeout                = 30 * time.Second
)

// RPCError is a JSON-RPC error returned by the paymaster. Data keeps the raw payload.
type RPCError struct {
	Method  string
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("paymaster %s failed with code %d: %s (data: %s)", e.Method, e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("paymaster %s failed with code %d: %s", e.Method, e.Code, e.Message)
}

// ReplacementEstimator produces the fresh fee estimate used when replacing a stuck
// operation. *eip1559.Estimator satisfies it.
type ReplacementEstimator interface {
	ReplacementFees(ctx context.Context, hint eip1559.PriorityFeeHinter) (*userop.Fees, error)
}

type Config struct {
	URL        string
	PolicyID   string
	EntryPoint userop.EntryPoint
	ChainID    *big.Int

	// ReplacementBumpPercent is the minimum increase over the stuck operation's fees.
	ReplacementBumpPercent int64
	Timeout                time.Duration
}

// Client talks to an ERC-4337 paymaster service. It keeps no per-operation state
// and is safe for concurrent use.
type Client struct {
	http      *resty.Client
	config    Config
	estimator ReplacementEstimator
	logger    sdklogging.Logger
	metrics   *metrics.UserOpMetrics
}

func NewClient(config Config, estimator ReplacementEstimator, log sdklogging.Logger, m *metrics.UserOpMetrics) *Client {
	if config.ReplacementBumpPercent == 0 {
		config.ReplacementBumpPercent = DefaultReplacementBumpPercent
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	httpClient := resty.New().SetTimeout(config.Timeout)
	httpClient.SetHeaders(map[string]string{
		"Accept":       "application/json",
		"Content-Type": "application/json",
		"User-Agent":   version.UserAgent(),
	})

	return &Client{
		http:      httpClient,
		config:    config,
		estimator: estimator,
		logger:    logger.ForComponent(log, "paymaster"),
		metrics:   m,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

// call issues one JSON-RPC request and decodes its result into result.
func (c *Client) call(ctx context.Context, result any, method string, params ...any) error {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", ID: ulid.Make().String(), Method: method, Params: params}

	resp, err := c.http.R().SetContext(ctx).SetBody(req).Post(c.config.URL)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: unexpected http status %d: %s", method, resp.StatusCode(), resp.String())
	}

	var decoded rpcResponse
	if err := json.Unmarshal(resp.Body(), &decoded); err != nil {
		return fmt.Errorf("%s: failed to parse JSON-RPC response: %w", method, err)
	}
	if decoded.Error != nil {
		return &RPCError{Method: method, Code: decoded.Error.Code, Message: decoded.Error.Message, Data: decoded.Error.Data}
	}
	if len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return fmt.Errorf("%s: missing result in JSON-RPC response", method)
	}

	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("%s: failed to decode result: %w", method, err)
	}
	return nil
}

func (c *Client) record(kind string, err error) {
	if err != nil {
		c.metrics.IncSponsorRequest(kind, metrics.StatusFailure)
		return
	}
	c.metrics.IncSponsorRequest(kind, metrics.StatusSuccess)
}

// MaxPriorityFeePerGas returns the bundler's priority fee hint.
func (c *Client) MaxPriorityFeePerGas(ctx context.Context) (*big.Int, error) {
	var result userop.Quantity
	err := c.call(ctx, &result, MethodMaxPriorityFeePerGas)
	c.record(metrics.SponsorKindFeeHint, err)
	if err != nil {
		return nil, err
	}
	return result.Big(), nil
}

// StubData asks for ERC-7677 placeholder sponsorship fields and returns a copy of op
// carrying them, suitable for bundler gas estimation. Gas and fee fields are kept.
func (c *Client) StubData(ctx context.Context, op *userop.UserOperation) (*userop.UserOperation, error) {
	var stub PaymasterResponse
	err := c.call(ctx, &stub, MethodGetPaymasterStubData,
		op.ToMap(),
		c.config.EntryPoint.Address.Hex(),
		hexutil.EncodeBig(chainIDOrZero(c.config.ChainID)),
		map[string]any{"policyId": c.config.PolicyID},
	)
	c.record(metrics.SponsorKindStub, err)
	if err != nil {
		return nil, err
	}

	out, err := stub.applySponsorship(op)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func chainIDOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

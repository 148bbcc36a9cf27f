package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RPCSignerConfig configures an RPCSigner.
type RPCSignerConfig struct {
	// Endpoint receives eth_signTransaction. For node providers this is the
	// node itself.
	Endpoint string
	// APIKey is sent as X-API-Key when set.
	APIKey string
	// From is the signing account.
	From    common.Address
	ChainID *big.Int
	// MaxRetries is the number of attempts for transient failures (default: 3).
	MaxRetries     int
	InitialBackoff time.Duration // default: 1s
	MaxBackoff     time.Duration // default: 10s
	// HTTPClient overrides the default client (tests).
	HTTPClient HTTPClient
	Logger     *slog.Logger
}

// HTTPClient is the subset of *http.Client used by RPCSigner.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RPCSigner signs transactions by calling eth_signTransaction on a remote
// endpoint: an unlocked node account or an external signing service.
type RPCSigner struct {
	cfg    RPCSignerConfig
	client HTTPClient
	logger *slog.Logger
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// txArgs is the eth_signTransaction parameter object.
type txArgs struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	Data                 hexutil.Bytes   `json:"data,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId"`
}

// NewRPCSigner creates an RPCSigner, applying defaults.
func NewRPCSigner(cfg RPCSignerConfig) *RPCSigner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RPCSigner{cfg: cfg, client: client, logger: logger}
}

// Address returns the signing account.
func (s *RPCSigner) Address() common.Address {
	return s.cfg.From
}

// SignTransaction asks the endpoint to sign tx, retrying transient failures
// with capped exponential backoff.
func (s *RPCSigner) SignTransaction(ctx context.Context, tx *types.Transaction) (*types.Transaction, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "eth_signTransaction",
		Params:  []any{s.buildArgs(tx)},
		ID:      1,
	}

	var lastErr error
	backoff := s.cfg.InitialBackoff
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.cfg.MaxBackoff)
		}

		result, err := s.call(ctx, req)
		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return nil, fmt.Errorf("signing failed: %w", err)
			}
			s.logger.Warn("Signer request failed, retrying",
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			continue
		}

		signed, err := decodeSignResult(result)
		if err != nil {
			return nil, fmt.Errorf("failed to decode signed transaction: %w", err)
		}
		return signed, nil
	}

	return nil, fmt.Errorf("signing failed after %d attempts: %w", s.cfg.MaxRetries, lastErr)
}

func (s *RPCSigner) buildArgs(tx *types.Transaction) txArgs {
	args := txArgs{
		From:    s.cfg.From,
		To:      tx.To(),
		Gas:     hexutil.Uint64(tx.Gas()),
		Value:   (*hexutil.Big)(tx.Value()),
		Nonce:   hexutil.Uint64(tx.Nonce()),
		Data:    tx.Data(),
		ChainID: (*hexutil.Big)(s.cfg.ChainID),
	}
	if tx.Type() == types.DynamicFeeTxType {
		args.MaxFeePerGas = (*hexutil.Big)(tx.GasFeeCap())
		args.MaxPriorityFeePerGas = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args.GasPrice = (*hexutil.Big)(tx.GasPrice())
	}
	return args
}

func (s *RPCSigner) call(ctx context.Context, req rpcRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		httpReq.Header.Set("X-API-Key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("http request failed: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 500 {
		return nil, &RetryableError{Err: fmt.Errorf("server error: %d %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("client error: %d %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		err := fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		if isRetryableRPCCode(rpcResp.Error.Code) {
			return nil, &RetryableError{Err: err}
		}
		return nil, err
	}
	return rpcResp.Result, nil
}

// decodeSignResult accepts either a raw hex string or geth's {raw, tx} object.
func decodeSignResult(result json.RawMessage) (*types.Transaction, error) {
	var raw hexutil.Bytes
	if err := json.Unmarshal(result, &raw); err != nil {
		var obj struct {
			Raw hexutil.Bytes `json:"raw"`
		}
		if objErr := json.Unmarshal(result, &obj); objErr != nil || len(obj.Raw) == 0 {
			return nil, fmt.Errorf("unexpected result %s", string(result))
		}
		raw = obj.Raw
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// RetryableError marks a transient signer failure.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

func isRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// -32000 to -32099 are implementation-defined server errors.
func isRetryableRPCCode(code int) bool {
	return code >= -32099 && code <= -32000
}

var _ Signer = (*RPCSigner)(nil)

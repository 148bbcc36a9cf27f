package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyVerified is returned when the explorer already has the source.
	ErrAlreadyVerified = errors.New("already verified")
	// ErrCodeNotIndexed is returned while the explorer has not yet indexed a
	// freshly deployed contract.
	ErrCodeNotIndexed = errors.New("contract code not yet indexed")
)

// apiURLs maps chain ids to Etherscan API endpoints.
var apiURLs = map[uint64]string{
	1:        "https://api.etherscan.io/api",
	3:        "https://api-ropsten.etherscan.io/api",
	4:        "https://api-rinkeby.etherscan.io/api",
	5:        "https://api-goerli.etherscan.io/api",
	42:       "https://api-kovan.etherscan.io/api",
	11155111: "https://api-sepolia.etherscan.io/api",
}

// APIURL returns the explorer API for chainID. overrides is keyed by the
// decimal chain id and wins over the built-in table.
func APIURL(chainID uint64, overrides map[string]string) (string, error) {
	if u, ok := overrides[strconv.FormatUint(chainID, 10)]; ok && u != "" {
		return u, nil
	}
	if u, ok := apiURLs[chainID]; ok {
		return u, nil
	}
	return "", fmt.Errorf("no Etherscan API known for chain %d; set etherscan.api_urls.%d", chainID, chainID)
}

// EtherscanGenericResp is the envelope of every Etherscan API response.
type EtherscanGenericResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  string `json:"result"`
}

// Status is the state of a verification request.
type Status int

const (
	StatusPending Status = iota
	StatusPass
	StatusFail
	StatusAlready
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusFail:
		return "fail"
	case StatusAlready:
		return "already verified"
	default:
		return "pending"
	}
}

// SourceRequest is a verifysourcecode submission.
type SourceRequest struct {
	Address         common.Address
	Input           *StandardInput
	ContractName    string // "<source path>:<name>"
	CompilerVersion string // "v0.8.12+commit.f00d7308"
	ConstructorArgs []byte
}

// EtherscanClient talks to one Etherscan-compatible API.
type EtherscanClient struct {
	apiKey  string
	url     string
	limiter *rate.Limiter
	http    *http.Client
}

// NewEtherscanClient creates a client. limiter paces every request; the
// public API allows 5 per second.
func NewEtherscanClient(apiKey, url string, limiter *rate.Limiter) *EtherscanClient {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Limit(5), 1)
	}
	return &EtherscanClient{
		apiKey:  apiKey,
		url:     url,
		limiter: limiter,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// IsVerified reports whether the explorer has source for addr.
func (c *EtherscanClient) IsVerified(ctx context.Context, addr common.Address) (bool, error) {
	resp, err := c.get(ctx, url.Values{
		"module":  {"contract"},
		"action":  {"getabi"},
		"address": {addr.Hex()},
	})
	if err != nil {
		return false, err
	}
	if resp.Status == "1" {
		return true, nil
	}
	if strings.Contains(strings.ToLower(resp.Result), "not verified") {
		return false, nil
	}
	return false, resp.err("getabi")
}

// VerifySource submits source for verification and returns the request GUID.
func (c *EtherscanClient) VerifySource(ctx context.Context, req SourceRequest) (string, error) {
	input, err := json.Marshal(req.Input)
	if err != nil {
		return "", fmt.Errorf("marshal standard input: %w", err)
	}
	resp, err := c.post(ctx, url.Values{
		"module":          {"contract"},
		"action":          {"verifysourcecode"},
		"contractaddress": {req.Address.Hex()},
		"sourceCode":      {string(input)},
		"codeformat":      {"solidity-standard-json-input"},
		"contractname":    {req.ContractName},
		"compilerversion": {req.CompilerVersion},
		// Etherscan's spelling.
		"constructorArguements": {common.Bytes2Hex(req.ConstructorArgs)},
	})
	if err != nil {
		return "", err
	}
	if resp.Status == "1" {
		return resp.Result, nil
	}
	return "", resp.submitErr("verifysourcecode")
}

// CheckStatus polls a verifysourcecode request once.
func (c *EtherscanClient) CheckStatus(ctx context.Context, guid string) (Status, string, error) {
	resp, err := c.get(ctx, url.Values{
		"module": {"contract"},
		"action": {"checkverifystatus"},
		"guid":   {guid},
	})
	if err != nil {
		return StatusPending, "", err
	}
	return classify(resp), resp.Result, nil
}

// VerifyProxy asks the explorer to link proxy to its implementation.
func (c *EtherscanClient) VerifyProxy(ctx context.Context, proxy, expectedImpl common.Address) (string, error) {
	form := url.Values{
		"module":  {"contract"},
		"action":  {"verifyproxycontract"},
		"address": {proxy.Hex()},
	}
	if expectedImpl != (common.Address{}) {
		form.Set("expectedimplementation", expectedImpl.Hex())
	}
	resp, err := c.post(ctx, form)
	if err != nil {
		return "", err
	}
	if resp.Status == "1" {
		return resp.Result, nil
	}
	return "", resp.submitErr("verifyproxycontract")
}

// CheckProxyStatus polls a verifyproxycontract request once.
func (c *EtherscanClient) CheckProxyStatus(ctx context.Context, guid string) (Status, string, error) {
	resp, err := c.get(ctx, url.Values{
		"module": {"contract"},
		"action": {"checkproxyverification"},
		"guid":   {guid},
	})
	if err != nil {
		return StatusPending, "", err
	}
	if resp.Status == "1" {
		return StatusPass, resp.Result, nil
	}
	return classify(resp), resp.Result, nil
}

func classify(resp *EtherscanGenericResp) Status {
	result := strings.ToLower(resp.Result)
	switch {
	case strings.Contains(result, "already verified"):
		return StatusAlready
	case strings.Contains(result, "pending"), strings.Contains(result, "in queue"):
		return StatusPending
	case resp.Status == "1" || strings.HasPrefix(result, "pass"):
		return StatusPass
	default:
		return StatusFail
	}
}

func (r *EtherscanGenericResp) err(action string) error {
	return fmt.Errorf("etherscan %s: %s: %s", action, r.Message, r.Result)
}

func (r *EtherscanGenericResp) submitErr(action string) error {
	result := strings.ToLower(r.Result)
	switch {
	case strings.Contains(result, "already verified"):
		return fmt.Errorf("%w: %s", ErrAlreadyVerified, r.Result)
	case strings.Contains(result, "unable to locate contractcode"):
		return fmt.Errorf("%w: %s", ErrCodeNotIndexed, r.Result)
	}
	return r.err(action)
}

func (c *EtherscanClient) get(ctx context.Context, q url.Values) (*EtherscanGenericResp, error) {
	q.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *EtherscanClient) post(ctx context.Context, form url.Values) (*EtherscanGenericResp, error) {
	form.Set("apikey", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *EtherscanClient) do(req *http.Request) (*EtherscanGenericResp, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("etherscan request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read etherscan response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("etherscan returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out EtherscanGenericResp
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode etherscan response: %w", err)
	}
	return &out, nil
}

// internal/aggregator/client.go
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

const (
	DefaultURL     = "https://li.quest/v1"
	defaultTimeout = 30 * time.Second
	apiKeyHeader   = "x-lifi-api-key"
	maxBodyBytes   = 4 << 20
)

// Request is a same-chain swap quote request in base units.
type Request struct {
	ChainID     int64
	FromToken   common.Address
	ToToken     common.Address
	FromAmount  *big.Int
	FromAddress common.Address
	SlippageBps int
}

// TxRequest is the ready-to-sign transaction the aggregator returns.
type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	ChainID  int64
}

// Response is the parsed part of a quote.
type Response struct {
	ID              string
	Tool            string
	ToolName        string
	Steps           []string
	FromAmount      *big.Int
	ToAmount        *big.Int
	ToAmountMin     *big.Int
	ApprovalAddress common.Address
	Tx              *TxRequest
}

type quoteBody struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	ToolDetails struct {
		Name string `json:"name"`
	} `json:"toolDetails"`
	Estimate *struct {
		FromAmount      string `json:"fromAmount"`
		ToAmount        string `json:"toAmount"`
		ToAmountMin     string `json:"toAmountMin"`
		ApprovalAddress string `json:"approvalAddress"`
	} `json:"estimate"`
	IncludedSteps []struct {
		ToolDetails struct {
			Name string `json:"name"`
		} `json:"toolDetails"`
	} `json:"includedSteps"`
	TransactionRequest *struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		GasLimit string `json:"gasLimit"`
		GasPrice string `json:"gasPrice"`
		ChainID  int64  `json:"chainId"`
	} `json:"transactionRequest"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client talks to the LI.FI quote API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an aggregator client. An empty apiKey uses the public tier.
func NewClient(baseURL, apiKey string, logger *zap.Logger, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("aggregator url parse %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("aggregator url must be http(s), got %q", baseURL)
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger.Named("aggregator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Quote requests the best route for req.
func (c *Client) Quote(ctx context.Context, req Request) (*Response, error) {
	if req.FromAmount == nil || req.FromAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrBadRequest)
	}

	chain := strconv.FormatInt(req.ChainID, 10)
	q := url.Values{}
	q.Set("fromChain", chain)
	q.Set("toChain", chain)
	q.Set("fromToken", req.FromToken.Hex())
	q.Set("toToken", req.ToToken.Hex())
	q.Set("fromAmount", req.FromAmount.String())
	q.Set("fromAddress", req.FromAddress.Hex())
	q.Set("slippage", strconv.FormatFloat(float64(req.SlippageBps)/10_000, 'f', -1, 64))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && (eb.Code != 0 || eb.Message != "") {
			apiErr.Code = eb.Code
			apiErr.Message = eb.Message
		}
		apiErr.Kind = classify(apiErr.Status, apiErr.Code)
		return nil, apiErr
	}

	var qb quoteBody
	if err := json.Unmarshal(body, &qb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	out, err := parseQuote(&qb)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Quote received",
		zap.String("id", out.ID),
		zap.String("tool", out.Tool),
		zap.Strings("steps", out.Steps),
		zap.String("to_amount", out.ToAmount.String()))
	return out, nil
}

func parseQuote(qb *quoteBody) (*Response, error) {
	if qb.Estimate == nil || strings.TrimSpace(qb.Estimate.ToAmount) == "" {
		return nil, ErrNoRoute
	}

	out := &Response{
		ID:       qb.ID,
		Tool:     qb.Tool,
		ToolName: qb.ToolDetails.Name,
	}
	for _, step := range qb.IncludedSteps {
		if step.ToolDetails.Name != "" {
			out.Steps = append(out.Steps, step.ToolDetails.Name)
		}
	}

	var err error
	if out.ToAmount, err = parseDecimalBig(qb.Estimate.ToAmount); err != nil {
		return nil, fmt.Errorf("%w: toAmount: %v", ErrInvalidResponse, err)
	}
	if out.ToAmount.Sign() == 0 {
		return nil, ErrNoRoute
	}
	if out.FromAmount, err = parseDecimalBig(qb.Estimate.FromAmount); err != nil {
		return nil, fmt.Errorf("%w: fromAmount: %v", ErrInvalidResponse, err)
	}
	if out.ToAmountMin, err = parseDecimalBig(qb.Estimate.ToAmountMin); err != nil {
		return nil, fmt.Errorf("%w: toAmountMin: %v", ErrInvalidResponse, err)
	}
	if common.IsHexAddress(qb.Estimate.ApprovalAddress) {
		out.ApprovalAddress = common.HexToAddress(qb.Estimate.ApprovalAddress)
	}

	if tr := qb.TransactionRequest; tr != nil {
		if !common.IsHexAddress(tr.To) {
			return nil, fmt.Errorf("%w: transactionRequest.to %q", ErrInvalidResponse, tr.To)
		}
		data, err := hexutil.Decode(tr.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: transactionRequest.data: %v", ErrInvalidResponse, err)
		}
		tx := &TxRequest{
			To:      common.HexToAddress(tr.To),
			Data:    data,
			ChainID: tr.ChainID,
		}
		if tx.Value, err = parseHexBig(tr.Value); err != nil {
			return nil, fmt.Errorf("%w: transactionRequest.value: %v", ErrInvalidResponse, err)
		}
		gasLimit, err := parseHexBig(tr.GasLimit)
		if err != nil || !gasLimit.IsUint64() {
			return nil, fmt.Errorf("%w: transactionRequest.gasLimit %q", ErrInvalidResponse, tr.GasLimit)
		}
		tx.GasLimit = gasLimit.Uint64()
		if tx.GasPrice, err = parseHexBig(tr.GasPrice); err != nil {
			return nil, fmt.Errorf("%w: transactionRequest.gasPrice: %v", ErrInvalidResponse, err)
		}
		out.Tx = tx
	}
	return out, nil
}

// parseDecimalBig parses a base-10 integer string; empty means zero.
func parseDecimalBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("not a non-negative integer: %q", s)
	}
	return v, nil
}

// parseHexBig parses a 0x-prefixed quantity, tolerating leading zeros
// ("0x00") that hexutil rejects. Empty means zero.
func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return nil, errors.New("missing 0x prefix")
	}
	digits := s[2:]
	if digits == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "OpenMCP-Fleet/internal/errors"
	"OpenMCP-Fleet/internal/web3"
)

const defaultTimeout = 10 * time.Second

// Config 描述市场服务的访问地址。
type Config struct {
	QuoteURL string
	RiskURL  string
	PriceURL string
	APIKey   string
	Timeout  time.Duration
}

// Client 通过 HTTP 调用报价、风控与价格服务。
type Client struct {
	quoteURL   string
	riskURL    string
	priceURL   string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		quoteURL:   strings.TrimRight(strings.TrimSpace(cfg.QuoteURL), "/"),
		riskURL:    strings.TrimRight(strings.TrimSpace(cfg.RiskURL), "/"),
		priceURL:   strings.TrimRight(strings.TrimSpace(cfg.PriceURL), "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Quote 实现 QuoteProvider。
func (c *Client) Quote(ctx context.Context, inputAsset, outputAsset string, amount float64) (Quote, error) {
	var quote Quote
	body := map[string]any{"input_asset": inputAsset, "output_asset": outputAsset, "amount": amount}
	if err := c.call(ctx, "quote", http.MethodPost, c.quoteURL, "/quote", body, &quote); err != nil {
		return Quote{}, err
	}
	return quote, nil
}

// Execute 实现 QuoteProvider：服务端返回未签名交易，由钱包签名广播。
func (c *Client) Execute(ctx context.Context, wallet web3.Wallet, quote Quote) (string, error) {
	var prepared struct {
		Transaction string `json:"transaction"`
	}
	body := map[string]any{"quote_id": quote.ID, "wallet": wallet.Address()}
	if err := c.call(ctx, "swap", http.MethodPost, c.quoteURL, "/swap", body, &prepared); err != nil {
		return "", err
	}
	raw, err := hexutil.Decode(prepared.Transaction)
	if err != nil {
		return "", xerrors.ServiceError("swap", fmt.Errorf("交易编码非法: %w", err))
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", xerrors.ServiceError("swap", fmt.Errorf("交易解码失败: %w", err))
	}
	return wallet.SignAndSubmit(ctx, tx)
}

// Assess 实现 RiskOracle。
func (c *Client) Assess(ctx context.Context, asset string) (RiskAssessment, error) {
	var out RiskAssessment
	path := "/assess?asset=" + url.QueryEscape(asset)
	if err := c.call(ctx, "risk", http.MethodGet, c.riskURL, path, nil, &out); err != nil {
		return RiskAssessment{}, err
	}
	if out.Asset == "" {
		out.Asset = asset
	}
	if out.Score < 0 || out.Score > 1000 {
		return RiskAssessment{}, xerrors.ServiceError("risk", fmt.Errorf("风险分 %v 超出范围", out.Score))
	}
	return out, nil
}

// Prices 实现 PriceFeed。
func (c *Client) Prices(ctx context.Context, assets []string) (map[string]float64, error) {
	if len(assets) == 0 {
		return map[string]float64{}, nil
	}
	var out struct {
		Prices map[string]float64 `json:"prices"`
	}
	path := "/prices?assets=" + url.QueryEscape(strings.Join(assets, ","))
	if err := c.call(ctx, "price", http.MethodGet, c.priceURL, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Prices == nil {
		out.Prices = map[string]float64{}
	}
	return out.Prices, nil
}

func (c *Client) call(ctx context.Context, service, method, base, path string, body any, out any) error {
	if base == "" {
		return xerrors.ServiceError(service, fmt.Errorf("未配置 %s 服务地址", service))
	}
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化请求失败")
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return xerrors.ServiceError(service, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.ServiceError(service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return xerrors.ServiceError(service, fmt.Errorf("返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.ServiceError(service, fmt.Errorf("解析响应失败: %w", err))
	}
	return nil
}

var (
	_ QuoteProvider = (*Client)(nil)
	_ RiskOracle    = (*Client)(nil)
	_ PriceFeed     = (*Client)(nil)
)

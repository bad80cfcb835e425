package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tokenprice/oracle-service/store"
)

// networkEndpoints maps a supported network to its upstream JSON-RPC
// endpoint suffix. An unknown network is a synchronous failure at the
// Client level (supportsNetwork), never reached here.
var networkEndpoints = map[string]string{
	"ethereum":  "eth-mainnet",
	"polygon":   "polygon-mainnet",
	"bsc":       "bnb-mainnet",
	"avalanche": "avax-mainnet",
	"arbitrum":  "arb-mainnet",
	"optimism":  "opt-mainnet",
}

// AlchemyProvider implements AssetDataProvider against Alchemy-style
// JSON-RPC/REST endpoints, one per network. Grounded on the teacher's
// provider/openai.go pooled-transport HTTP client shape and
// provider.DetectProvider's per-model routing restructured into
// per-network routing.
type AlchemyProvider struct {
	apiKey  string
	client  *http.Client
	baseURL string // overridable in tests
}

// NewAlchemyProvider builds a provider using the given API key and a
// pooled HTTP transport sized for many concurrent oracle calls.
func NewAlchemyProvider(apiKey string, timeout time.Duration) *AlchemyProvider {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	return &AlchemyProvider{
		apiKey: apiKey,
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

func (p *AlchemyProvider) endpoint(network string) (string, error) {
	if p.baseURL != "" {
		return p.baseURL, nil
	}
	slug, ok := networkEndpoints[network]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return fmt.Sprintf("https://%s.g.alchemy.com/v2/%s", slug, p.apiKey), nil
}

// priceFeedPrice is the price-by-address endpoint response shape.
type priceFeedPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"value"`
}

// GetPrice fetches a current or historical price. Historical retrieval is
// synthesized from the same price-history endpoint when timestamp is set;
// a 404/empty result is reported as (nil, nil), never an error.
func (p *AlchemyProvider) GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	url, err := p.endpoint(network)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"addresses": []map[string]string{{"network": network, "address": token}},
	}
	if timestamp != nil {
		body["timestamp"] = timestamp.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal price request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/prices/v1/by-address", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("price provider returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		Data []priceFeedPrice `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, nil
	}

	usd, err := strconv.ParseFloat(parsed.Data[0].Price, 64)
	if err != nil || usd <= 0 {
		return nil, nil
	}

	ts := time.Now().UTC()
	if timestamp != nil {
		ts = timestamp.UTC()
	}
	return &store.PriceRecord{
		Token:       token,
		Network:     network,
		Timestamp:   ts,
		USD:         usd,
		LastUpdated: time.Now().UTC(),
		Symbol:      parsed.Data[0].Symbol,
	}, nil
}

func (p *AlchemyProvider) GetTokenMetadata(ctx context.Context, token, network string) (*TokenMetadata, error) {
	url, err := p.endpoint(network)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "alchemy_getTokenMetadata", "params": []string{token},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Result struct {
			Name        string `json:"name"`
			Symbol      string `json:"symbol"`
			Decimals    int    `json:"decimals"`
			Logo        string `json:"logo"`
			TotalSupply string `json:"totalSupply"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode metadata response: %w", err)
	}
	return &TokenMetadata{
		Symbol:      parsed.Result.Symbol,
		Name:        parsed.Result.Name,
		Decimals:    parsed.Result.Decimals,
		TotalSupply: parsed.Result.TotalSupply,
		LogoURI:     parsed.Result.Logo,
	}, nil
}

func (p *AlchemyProvider) GetEarliestAssetTransfer(ctx context.Context, token, network string) (*AssetTransfer, error) {
	url, err := p.endpoint(network)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "alchemy_getAssetTransfers",
		"params": []map[string]interface{}{{
			"contractAddresses": []string{token},
			"category":          []string{"erc20"},
			"order":             "asc",
			"maxCount":          "0x1",
		}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build transfers request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transfers request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Result struct {
			Transfers []struct {
				BlockNum string `json:"blockNum"`
			} `json:"transfers"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode transfers response: %w", err)
	}
	if len(parsed.Result.Transfers) == 0 {
		return nil, nil
	}
	return &AssetTransfer{BlockNum: parsed.Result.Transfers[0].BlockNum}, nil
}

func (p *AlchemyProvider) GetBlock(ctx context.Context, network, blockNum string) (*Block, error) {
	url, err := p.endpoint(network)
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "eth_getBlockByNumber", "params": []interface{}{blockNum, false},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build block request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("block request failed: %w", err)
	}
	defer resp.Body.Close()

	var parsed struct {
		Result struct {
			Timestamp string `json:"timestamp"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode block response: %w", err)
	}
	if parsed.Result.Timestamp == "" {
		return nil, nil
	}
	unixHex := parsed.Result.Timestamp
	var unixSec int64
	if _, err := fmt.Sscanf(unixHex, "0x%x", &unixSec); err != nil {
		return nil, fmt.Errorf("parse block timestamp %q: %w", unixHex, err)
	}
	return &Block{Timestamp: time.Unix(unixSec, 0).UTC()}, nil
}

// Package oracle implements the Oracle Client: normalizes a
// (token, network, timestamp?) request, talks to the upstream asset-data
// provider, and returns a canonical PriceRecord or nil.
//
// Grounded on the teacher's provider/provider.go (Registry + DetectProvider
// string-routing, restructured here into a per-network endpoint map) and
// provider/openai.go's pooled-transport HTTP client shape.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tokenprice/oracle-service/store"
)

// ErrUnsupportedNetwork is returned when a caller asks for a network the
// client has no route for.
var ErrUnsupportedNetwork = errors.New("oracle: unsupported network")

// ErrNoData is returned (never wrapped) when the upstream has no price
// for the requested token/network/timestamp. It is not a failure — callers
// fall through to interpolation.
var ErrNoData = errors.New("oracle: no data")

// TokenMetadata mirrors the upstream provider's getTokenMetadata response.
type TokenMetadata struct {
	Symbol      string
	Name        string
	Decimals    int
	TotalSupply string
	LogoURI     string
}

// AssetTransfer mirrors one element of getAssetTransfers({category: "erc20"}).
type AssetTransfer struct {
	BlockNum string
}

// Block mirrors the upstream provider's getBlock response.
type Block struct {
	Timestamp time.Time
}

// AssetDataProvider is the upstream contract the Oracle Client consumes:
// token metadata, asset transfers, block timestamps, and a USD price by
// whatever means the provider offers (direct feed, derivation, or a
// plug-in data source). A deterministic stub satisfies this interface for
// tests without any network access.
type AssetDataProvider interface {
	// GetPrice returns the USD price of token on network, at timestamp if
	// given or "now" if nil. Returns (nil, nil) — not an error — when the
	// provider genuinely has no price for the request.
	GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error)

	// GetTokenMetadata fetches symbol/name/decimals/supply/logo for token.
	GetTokenMetadata(ctx context.Context, token, network string) (*TokenMetadata, error)

	// GetEarliestAssetTransfer returns the earliest ERC-20 transfer
	// involving the contract (order ASC, limit 1), or nil if none found.
	GetEarliestAssetTransfer(ctx context.Context, token, network string) (*AssetTransfer, error)

	// GetBlock resolves a block number to its timestamp.
	GetBlock(ctx context.Context, network, blockNum string) (*Block, error)
}

// Client is the Oracle Client tier: per-network routing, retry with
// exponential backoff, token-creation-date discovery, and batched fetches.
type Client struct {
	provider        AssetDataProvider
	maxRetries      int
	retryBaseDelay  time.Duration
	batchSize       int
	rateLimitPerSec int
	supported       map[string]struct{}

	// sleep is overridable in tests to avoid real backoff delays.
	sleep func(time.Duration)
}

// Config holds the Oracle Client's tunables, sourced from config.Config.
type Config struct {
	MaxRetries      int
	RetryBaseDelay  time.Duration
	BatchSize       int
	RateLimitPerSec int
	Networks        []string
}

// New builds an Oracle Client over the given AssetDataProvider.
func New(provider AssetDataProvider, cfg Config) *Client {
	supported := make(map[string]struct{}, len(cfg.Networks))
	for _, n := range cfg.Networks {
		supported[n] = struct{}{}
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Client{
		provider:        provider,
		maxRetries:      cfg.MaxRetries,
		retryBaseDelay:  cfg.RetryBaseDelay,
		batchSize:       batchSize,
		rateLimitPerSec: cfg.RateLimitPerSec,
		supported:       supported,
		sleep:           time.Sleep,
	}
}

// GetPrice fetches the current or historical price for token/network. A
// nil return with nil error means "upstream has no data" — callers fall
// through to interpolation.
func (c *Client) GetPrice(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	if !c.supportsNetwork(network) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	rec, err := c.provider.GetPrice(ctx, token, network, timestamp)
	if err != nil {
		return nil, fmt.Errorf("oracle get price: %w", err)
	}
	return rec, nil
}

// GetPriceWithRetry wraps GetPrice with exponential backoff. A nil
// (no-data) return is never retried — only thrown errors are.
func (c *Client) GetPriceWithRetry(ctx context.Context, token, network string, timestamp *time.Time) (*store.PriceRecord, error) {
	if !c.supportsNetwork(network) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt)) * c.retryBaseDelay
			c.sleep(delay)
		}

		rec, err := c.provider.GetPrice(ctx, token, network, timestamp)
		if err == nil {
			return rec, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("oracle get price with retry: exhausted %d attempts: %w", c.maxRetries, lastErr)
}

// GetTokenCreationDate requests the earliest ERC-20 asset transfer for the
// contract, then resolves that block's timestamp. Returns nil if no
// transfer is found (a genuinely novel token).
func (c *Client) GetTokenCreationDate(ctx context.Context, token, network string) (*time.Time, error) {
	if !c.supportsNetwork(network) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}

	transfer, err := c.provider.GetEarliestAssetTransfer(ctx, token, network)
	if err != nil {
		return nil, fmt.Errorf("get earliest asset transfer: %w", err)
	}
	if transfer == nil {
		return nil, nil
	}

	block, err := c.provider.GetBlock(ctx, network, transfer.BlockNum)
	if err != nil {
		return nil, fmt.Errorf("get block: %w", err)
	}
	if block == nil {
		return nil, nil
	}
	ts := block.Timestamp.UTC()
	return &ts, nil
}

// GetTokenMetadata fetches symbol/name/decimals/supply/logo for token.
func (c *Client) GetTokenMetadata(ctx context.Context, token, network string) (*TokenMetadata, error) {
	if !c.supportsNetwork(network) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedNetwork, network)
	}
	return c.provider.GetTokenMetadata(ctx, token, network)
}

// PriceRequest is one element of a BatchGetPrices call.
type PriceRequest struct {
	Token     string
	Network   string
	Timestamp *time.Time
}

// BatchGetPrices processes requests in chunks of batchSize, each chunk run
// with all-settled semantics (one failure doesn't abort the chunk). Between
// chunks it sleeps at least 1000/rateLimitPerSecond ms. The result slice is
// positionally aligned with requests; a failed or empty lookup yields nil
// at that index.
func (c *Client) BatchGetPrices(ctx context.Context, requests []PriceRequest) []*store.PriceRecord {
	results := make([]*store.PriceRecord, len(requests))

	for start := 0; start < len(requests); start += c.batchSize {
		end := start + c.batchSize
		if end > len(requests) {
			end = len(requests)
		}

		type settled struct {
			idx int
			rec *store.PriceRecord
		}
		out := make(chan settled, end-start)
		for i := start; i < end; i++ {
			req := requests[i]
			go func(idx int, req PriceRequest) {
				rec, err := c.GetPriceWithRetry(ctx, req.Token, req.Network, req.Timestamp)
				if err != nil {
					out <- settled{idx: idx}
					return
				}
				out <- settled{idx: idx, rec: rec}
			}(i, req)
		}
		for i := start; i < end; i++ {
			s := <-out
			results[s.idx] = s.rec
		}

		if end < len(requests) && c.rateLimitPerSec > 0 {
			c.sleep(time.Duration(1000/c.rateLimitPerSec) * time.Millisecond)
		}
	}
	return results
}

func (c *Client) supportsNetwork(network string) bool {
	if len(c.supported) == 0 {
		return true
	}
	_, ok := c.supported[network]
	return ok
}

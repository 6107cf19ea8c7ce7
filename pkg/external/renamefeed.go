package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/gene-curation-server/internal/domain"
)

// RenameFeedClient queries the upstream nomenclature authority's versioned
// rename dataset. It is the lookup behind the resolver's self-healing step:
// given a symbol the registry does not know, it answers whether that symbol
// is a previous name or alias of a currently approved one.
type RenameFeedClient struct {
	baseURL        string
	httpClient     *http.Client
	rateLimit      *rate.Limiter
	circuitBreaker *gobreaker.CircuitBreaker
	cache          *lru.Cache[string, *domain.SymbolMapping]
	logger         *logrus.Logger
}

// RenameFeedConfig represents configuration for the rename feed client
type RenameFeedConfig struct {
	BaseURL   string        `json:"base_url"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit int           `json:"rate_limit"` // requests per second
	CacheSize int           `json:"cache_size"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	MaxRequests      uint32        `json:"max_requests"`
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold uint32        `json:"failure_threshold"`
}

// renameFeedResponse represents the JSON response structure from the feed
type renameFeedResponse struct {
	DatasetVersion string `json:"dataset_version"`
	Response       struct {
		NumFound int `json:"numFound"`
		Docs     []struct {
			Symbol          string   `json:"symbol"`
			Status          string   `json:"status"`
			PreviousSymbols []string `json:"prev_symbol"`
			AliasSymbols    []string `json:"alias_symbol"`
			ExternalID      string   `json:"external_id"`
		} `json:"docs"`
	} `json:"response"`
}

// NewRenameFeedClient creates a new rename feed client
func NewRenameFeedClient(config RenameFeedConfig, logger *logrus.Logger) (*RenameFeedClient, error) {
	if config.BaseURL == "" {
		config.BaseURL = "https://rest.genenames.org"
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 3 // authority recommendation: 3 requests per second
	}
	if config.CacheSize == 0 {
		config.CacheSize = 2048
	}
	if config.CircuitBreaker.MaxRequests == 0 {
		config.CircuitBreaker.MaxRequests = 3
	}
	if config.CircuitBreaker.Interval == 0 {
		config.CircuitBreaker.Interval = 10 * time.Second
	}
	if config.CircuitBreaker.Timeout == 0 {
		config.CircuitBreaker.Timeout = 5 * time.Second
	}
	if config.CircuitBreaker.FailureThreshold == 0 {
		config.CircuitBreaker.FailureThreshold = 5
	}

	cache, err := lru.New[string, *domain.SymbolMapping](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}

	cbSettings := gobreaker.Settings{
		Name:        "RenameFeed",
		MaxRequests: config.CircuitBreaker.MaxRequests,
		Interval:    config.CircuitBreaker.Interval,
		Timeout:     config.CircuitBreaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.CircuitBreaker.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from,
				"to_state":        to,
			}).Warn("Circuit breaker state changed")
		},
	}

	return &RenameFeedClient{
		baseURL: config.BaseURL,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		rateLimit:      rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		cache:          cache,
		logger:         logger,
	}, nil
}

// Lookup returns the current approved symbol record for the given text, or
// domain.ErrNotFound when the authority does not know it. Results are cached;
// a miss in the dataset is cached as a nil mapping so repeated unknown texts
// do not keep hitting the feed.
func (c *RenameFeedClient) Lookup(ctx context.Context, symbol string) (*domain.SymbolMapping, error) {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol cannot be empty")
	}

	if mapping, ok := c.cache.Get(symbol); ok {
		if mapping == nil {
			return nil, fmt.Errorf("symbol %s not in rename dataset: %w", symbol, domain.ErrNotFound)
		}
		return mapping, nil
	}

	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return c.searchSymbol(ctx, symbol)
	})
	if err != nil {
		return nil, fmt.Errorf("rename feed lookup for %s failed: %w", symbol, err)
	}

	feed := result.(*renameFeedResponse)
	mapping := c.matchDoc(feed, symbol)
	c.cache.Add(symbol, mapping)

	if mapping == nil {
		c.logger.WithFields(logrus.Fields{
			"symbol": symbol,
		}).Debug("Symbol not present in rename dataset")
		return nil, fmt.Errorf("symbol %s not in rename dataset: %w", symbol, domain.ErrNotFound)
	}

	c.logger.WithFields(logrus.Fields{
		"symbol":          symbol,
		"current_symbol":  mapping.CurrentSymbol,
		"dataset_version": mapping.DatasetVersion,
	}).Debug("Resolved symbol via rename dataset")

	return mapping, nil
}

// matchDoc picks the doc that actually carries the queried symbol. The feed
// search is fuzzy across three fields, so the first doc is not necessarily a
// match for the text we asked about.
func (c *RenameFeedClient) matchDoc(feed *renameFeedResponse, symbol string) *domain.SymbolMapping {
	for _, doc := range feed.Response.Docs {
		hit := strings.ToUpper(doc.Symbol) == symbol
		for _, prev := range doc.PreviousSymbols {
			if strings.ToUpper(prev) == symbol {
				hit = true
				break
			}
		}
		for _, alias := range doc.AliasSymbols {
			if strings.ToUpper(alias) == symbol {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}

		return &domain.SymbolMapping{
			CurrentSymbol:   strings.ToUpper(doc.Symbol),
			PreviousSymbols: upperAll(doc.PreviousSymbols),
			Aliases:         upperAll(doc.AliasSymbols),
			ExternalID:      doc.ExternalID,
			DatasetVersion:  feed.DatasetVersion,
		}
	}
	return nil
}

// searchSymbol performs the actual API call against the feed
func (c *RenameFeedClient) searchSymbol(ctx context.Context, symbol string) (*renameFeedResponse, error) {
	params := url.Values{
		"q":      {fmt.Sprintf("symbol:%s OR prev_symbol:%s OR alias_symbol:%s", symbol, symbol, symbol)},
		"rows":   {"10"},
		"format": {"json"},
	}

	searchURL := fmt.Sprintf("%s/search?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, "GET", searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Gene-Curation-Server/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rename feed returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var feed renameFeedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to parse JSON response: %w", err)
	}

	return &feed, nil
}

func upperAll(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToUpper(s)
	}
	return out
}

// Package pricing resolves per-model token prices. The price table is fetched
// once from the upstream proxy on first use and can be overlaid with a local
// pricing.yaml file; entries from the file win over fetched entries.
package pricing

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"proxychat/internal/logger"
	"proxychat/pkg/agenttypes"
)

// listPath is the proxy endpoint serving the JSON price table.
const listPath = "/pricing/list"

// Service implements agenttypes.PriceLookup backed by the upstream proxy's
// price list. Initialization is lazy and happens at most once: a proxy that is
// down at startup only costs one failed request, after which all lookups
// report "unknown" until the process restarts.
type Service struct {
	baseURL      string
	overridePath string
	client       *http.Client

	once  sync.Once
	mu    sync.RWMutex
	table agenttypes.PriceTable
}

// NewService creates a pricing service. baseURL is the upstream proxy base
// (the same one chat calls go to); overridePath names an optional pricing.yaml
// and may be empty.
func NewService(baseURL string, overridePath string) *Service {
	return &Service{
		baseURL:      strings.TrimRight(baseURL, "/"),
		overridePath: overridePath,
		client:       &http.Client{Timeout: 10 * time.Second},
		table:        make(agenttypes.PriceTable),
	}
}

// Price returns the price entry for the exact model identifier. The first call
// triggers the fetch and override merge.
func (s *Service) Price(model string) (agenttypes.ModelPrice, bool) {
	s.once.Do(s.initialize)

	s.mu.RLock()
	defer s.mu.RUnlock()
	price, ok := s.table[model]
	return price, ok
}

// initialize builds the price table: fetched entries first, then the local
// override file on top. Either source failing is logged and skipped, never
// fatal.
func (s *Service) initialize() {
	table := make(agenttypes.PriceTable)

	if fetched, err := s.fetch(); err != nil {
		logger.Warn("Failed to fetch price list, costs will be unknown", "error", err)
	} else {
		for model, price := range fetched {
			table[model] = price
		}
	}

	if s.overridePath != "" {
		if override, err := loadOverride(s.overridePath); err != nil {
			logger.Warn("Failed to load pricing override", "file", s.overridePath, "error", err)
		} else {
			for model, price := range override {
				table[model] = price
			}
		}
	}

	logger.Debug("Price table initialized", "models", len(table))

	s.mu.Lock()
	s.table = table
	s.mu.Unlock()
}

func (s *Service) fetch() (agenttypes.PriceTable, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("no base URL configured")
	}

	resp, err := s.client.Get(s.baseURL + listPath)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price list returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var table agenttypes.PriceTable
	if err := json.Unmarshal(body, &table); err != nil {
		return nil, fmt.Errorf("failed to parse price list: %w", err)
	}
	return table, nil
}

// loadOverride reads a pricing.yaml mapping model identifiers to price
// entries. A missing file is not an error; the override is simply absent.
func loadOverride(path string) (agenttypes.PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var table agenttypes.PriceTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return table, nil
}

// Static wraps a fixed price table as a PriceLookup. Used for tests and for
// deployments that pin prices in configuration.
type Static agenttypes.PriceTable

// Price implements agenttypes.PriceLookup.
func (s Static) Price(model string) (agenttypes.ModelPrice, bool) {
	price, ok := s[model]
	return price, ok
}

package market

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// forexCurrencies are the ISO codes the suffix rule accepts as pair halves.
var forexCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true,
	"AUD": true, "CHF": true, "CAD": true, "NZD": true,
	"CNY": true, "SEK": true, "NOK": true, "SGD": true,
	"HKD": true,
}

// Catalog maps symbols to asset classes and CoinGecko coin ids. The
// embedded file is the explicit allowlist; unlisted symbols fall back to
// the suffix rules in Classify.
type Catalog struct {
	classes map[string]AssetClass
	byClass map[AssetClass][]string
	coinIDs map[string]string
}

type catalogFile struct {
	Classes      map[string][]string `yaml:"classes"`
	CoinGeckoIDs map[string]string   `yaml:"coingecko_ids"`
}

// LoadCatalog parses the embedded symbol catalog.
func LoadCatalog() (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(catalogYAML, &file); err != nil {
		return nil, fmt.Errorf("failed to parse symbol catalog: %w", err)
	}

	catalog := &Catalog{
		classes: make(map[string]AssetClass),
		byClass: make(map[AssetClass][]string),
		coinIDs: make(map[string]string, len(file.CoinGeckoIDs)),
	}

	for name, symbols := range file.Classes {
		class := AssetClass(name)
		switch class {
		case AssetCrypto, AssetStock, AssetForex, AssetCommodity, AssetIndex:
		default:
			return nil, fmt.Errorf("symbol catalog: unknown asset class %q", name)
		}
		for _, symbol := range symbols {
			symbol = strings.ToUpper(strings.TrimSpace(symbol))
			if existing, ok := catalog.classes[symbol]; ok {
				return nil, fmt.Errorf("symbol catalog: %s listed under both %s and %s", symbol, existing, class)
			}
			catalog.classes[symbol] = class
			catalog.byClass[class] = append(catalog.byClass[class], symbol)
		}
	}
	for class := range catalog.byClass {
		sort.Strings(catalog.byClass[class])
	}

	for symbol, id := range file.CoinGeckoIDs {
		catalog.coinIDs[strings.ToUpper(symbol)] = id
	}

	return catalog, nil
}

// Classify resolves a symbol's asset class: explicit catalog entry first,
// then suffix rules (stablecoin-quoted pairs are crypto, three-letter
// currency pairs are forex).
func (c *Catalog) Classify(symbol string) (AssetClass, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if class, ok := c.classes[symbol]; ok {
		return class, true
	}

	for _, suffix := range []string{"USDT", "USDC", "BUSD"} {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			return AssetCrypto, true
		}
	}
	if len(symbol) == 6 && forexCurrencies[symbol[:3]] && forexCurrencies[symbol[3:]] {
		return AssetForex, true
	}

	return "", false
}

// Symbols returns the cataloged symbols for one class, sorted.
func (c *Catalog) Symbols(class AssetClass) []string {
	return append([]string(nil), c.byClass[class]...)
}

// AllSymbols returns every cataloged symbol, sorted. The poller uses this
// as its default watchlist.
func (c *Catalog) AllSymbols() []string {
	all := make([]string, 0, len(c.classes))
	for symbol := range c.classes {
		all = append(all, symbol)
	}
	sort.Strings(all)
	return all
}

// CoinGeckoID maps a crypto symbol to its CoinGecko coin id.
func (c *Catalog) CoinGeckoID(symbol string) (string, bool) {
	id, ok := c.coinIDs[strings.ToUpper(symbol)]
	return id, ok
}

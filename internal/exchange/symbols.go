package exchange

import "strings"

// baseOverrides maps API base currencies to the venue's legacy codes.
var baseOverrides = map[string]string{
	"BTC": "XBT",
}

// VenueSymbol converts an API-format pair ("BTC/USDT") to the Kraken
// Futures perpetual contract code ("PF_XBTUSD"). Quote currencies collapse
// to USD: the perpetuals are USD-margined regardless of the stable pairing.
func VenueSymbol(apiSymbol string) string {
	base := apiSymbol
	if i := strings.Index(apiSymbol, "/"); i >= 0 {
		base = apiSymbol[:i]
	}
	base = strings.ToUpper(base)
	if override, ok := baseOverrides[base]; ok {
		base = override
	}
	return "PF_" + base + "USD"
}

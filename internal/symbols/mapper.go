package symbols

import "strings"

// ToBinance converts various exchange-specific symbol formats to Binance style,
// which is the canonical key used by the event store and the cascade engine.
// It ensures symbols are uppercase without separators and uses BTC instead of XBT.
// Currently supported exchanges: binance, bybit, kucoin, okx, hyperliquid,
// coinbase, kraken.
func ToBinance(exchange, sym string) string {
	switch strings.ToLower(exchange) {
	case "binance":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "1000SHIBUSDT":
			sym = "SHIBUSDT"
		}
	case "bybit":
		switch sym {
		case "1000BONKUSDT":
			sym = "BONKUSDT"
		case "1000PEPEUSDT":
			sym = "PEPEUSDT"
		case "SHIB1000USDT":
			sym = "SHIBUSDT"
		}
	case "coinbase":
		sym = strings.ReplaceAll(sym, "-", "")
	case "kraken":
		sym = strings.ReplaceAll(sym, "/", "")
		sym = strings.ReplaceAll(sym, "-", "")
	case "kucoin":
		sym = strings.ReplaceAll(sym, "-", "")
		sym = strings.TrimSuffix(sym, "M")
		if strings.HasPrefix(sym, "XBT") {
			sym = "BTC" + sym[3:]
		}
	case "okx":
		sym = strings.TrimSuffix(sym, "-SWAP")
		sym = strings.ReplaceAll(sym, "-", "")
	case "hyperliquid":
		// coin names only ("BTC", "kPEPE"); perps settle in USDC but the
		// canonical key carries the USDT suffix.
		sym = strings.TrimPrefix(sym, "k")
		if !strings.HasSuffix(sym, "USDT") {
			sym = strings.ToUpper(sym) + "USDT"
		}
	default:
		// others already use the desired format
	}
	return sym
}

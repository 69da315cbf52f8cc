package hyperliquid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"cascadeflow/config"
	liqchan "cascadeflow/internal/channel/liq"
)

func minimalConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Source.Hyperliquid.FallbackVaults = []string{"0x2222222222222222222222222222222222222222"}
	cfg.Source.Hyperliquid.Liquidation = config.LiquidationStreamConfig{
		Enabled: true,
		Symbols: []string{"BTC"},
	}
	return cfg
}

func TestVaultTradeFiltering(t *testing.T) {
	cfg := minimalConfig()
	ch := liqchan.NewChannels(4)
	r := Hyperliquid_LIQ_NewReader(cfg, ch, []string{"BTC"})
	r.ctx = context.Background()
	r.seedVaults()

	log := r.log.WithComponent("hyperliquid_test")

	payload := []byte(`{"channel":"trades","data":[` +
		`{"coin":"BTC","side":"A","px":"50000","sz":"0.5","time":1700000000000,"tid":1,"users":["0x2222222222222222222222222222222222222222","0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]},` +
		`{"coin":"BTC","side":"B","px":"50010","sz":"0.2","time":1700000000001,"tid":2,"users":["0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb","0xcccccccccccccccccccccccccccccccccccccccc"]}]}`)
	r.handleMessage(payload, log)

	if got := len(ch.Raw); got != 1 {
		t.Fatalf("expected 1 forwarded trade, got %d", got)
	}

	msg := <-ch.Raw
	if msg.Exchange != "hyperliquid" {
		t.Fatalf("expected exchange hyperliquid, got %s", msg.Exchange)
	}
	if msg.Symbol != "BTC" {
		t.Fatalf("expected symbol BTC, got %s", msg.Symbol)
	}

	var envelope struct {
		VaultSide string `json:"vault_side"`
		Trade     struct {
			Tid int64 `json:"tid"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		t.Fatalf("failed to unmarshal forwarded payload: %v", err)
	}
	if envelope.VaultSide != "buy" {
		t.Fatalf("expected vault_side buy when the vault is the buyer, got %s", envelope.VaultSide)
	}
	if envelope.Trade.Tid != 1 {
		t.Fatalf("expected tid 1, got %d", envelope.Trade.Tid)
	}
}

func TestVaultRotationPickedUpOnRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"name":"Hyperliquidity Provider","vaultAddress":"0xdddddddddddddddddddddddddddddddddddddddd"},
			{"name":"HLP Liquidator","vaultAddress":"0xEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEEE"}
		]`))
	}))
	defer srv.Close()

	cfg := minimalConfig()
	cfg.Source.Hyperliquid.InfoURL = srv.URL
	r := Hyperliquid_LIQ_NewReader(cfg, liqchan.NewChannels(4), []string{"BTC"})
	r.ctx = context.Background()
	r.seedVaults()

	r.refreshVaults()

	r.vaultMu.RLock()
	defer r.vaultMu.RUnlock()
	if _, ok := r.vaults["0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee"]; !ok {
		t.Fatal("expected the rotated liquidator vault to be discovered")
	}
	if _, ok := r.vaults["0xdddddddddddddddddddddddddddddddddddddddd"]; ok {
		t.Fatal("expected non-liquidator vaults to be excluded")
	}
	if _, ok := r.vaults["0x2222222222222222222222222222222222222222"]; !ok {
		t.Fatal("expected the configured fallback vault to be retained")
	}
}

func TestNonTradeMessagesIgnored(t *testing.T) {
	cfg := minimalConfig()
	ch := liqchan.NewChannels(4)
	r := Hyperliquid_LIQ_NewReader(cfg, ch, []string{"BTC"})
	r.ctx = context.Background()
	r.seedVaults()

	log := r.log.WithComponent("hyperliquid_test")
	r.handleMessage([]byte(`{"channel":"subscriptionResponse","data":null}`), log)
	r.handleMessage([]byte(`not json`), log)

	if got := len(ch.Raw); got != 0 {
		t.Fatalf("expected no forwarded messages, got %d", got)
	}
}

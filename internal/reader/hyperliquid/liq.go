package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	liq "cascadeflow/internal/channel/liq"
	metrics "cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/logger"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// Hyperliquid_LIQ_Reader streams trades from the Hyperliquid websocket and
// forwards the subset where one counterparty is a known liquidator vault.
// Hyperliquid has no dedicated liquidation feed; forced closures are executed
// by liquidator vaults, whose addresses rotate and are re-discovered
// periodically through the info endpoint.
type Hyperliquid_LIQ_Reader struct {
	config   *appconfig.Config
	channels *liq.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
	symbols  []string

	httpClient *http.Client

	vaultMu sync.RWMutex
	vaults  map[string]struct{}
}

// Hyperliquid_LIQ_NewReader constructs a new Hyperliquid liquidation reader.
func Hyperliquid_LIQ_NewReader(cfg *appconfig.Config, ch *liq.Channels, symbols []string) *Hyperliquid_LIQ_Reader {
	return &Hyperliquid_LIQ_Reader{
		config:     cfg,
		channels:   ch,
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		symbols:    symbols,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		vaults:     make(map[string]struct{}),
	}
}

// Hyperliquid_LIQ_Start launches the trade stream workers and the vault
// refresh loop.
func (r *Hyperliquid_LIQ_Reader) Hyperliquid_LIQ_Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("hyperliquid liquidation reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	cfg := r.config.Source.Hyperliquid.Liquidation
	log := r.log.WithComponent("hyperliquid_liq_reader").WithFields(logger.Fields{"operation": "Hyperliquid_LIQ_Start"})

	if !cfg.Enabled {
		log.Warn("hyperliquid liquidation stream disabled via configuration")
		return fmt.Errorf("hyperliquid liquidation stream disabled")
	}
	if len(r.symbols) == 0 {
		if len(cfg.Symbols) == 0 {
			log.Warn("no symbols configured for hyperliquid liquidation reader")
			return fmt.Errorf("no symbols configured for hyperliquid liquidation reader")
		}
		r.symbols = cfg.Symbols
	}

	r.seedVaults()
	r.refreshVaults()

	log.WithFields(logger.Fields{"symbols": strings.Join(r.symbols, ",")}).Info("starting hyperliquid liquidation reader")

	for _, symbol := range r.symbols {
		coin := strings.TrimSpace(symbol)
		if coin == "" {
			continue
		}
		r.wg.Add(1)
		go r.streamCoin(coin)
	}

	r.wg.Add(1)
	go r.vaultRefreshLoop()

	log.Info("hyperliquid liquidation reader started successfully")
	return nil
}

// Hyperliquid_LIQ_Stop waits for all workers to stop.
func (r *Hyperliquid_LIQ_Reader) Hyperliquid_LIQ_Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("hyperliquid_liq_reader").Info("stopping hyperliquid liquidation reader")
	r.wg.Wait()
	r.log.WithComponent("hyperliquid_liq_reader").Info("hyperliquid liquidation reader stopped")
}

func (r *Hyperliquid_LIQ_Reader) seedVaults() {
	r.vaultMu.Lock()
	for _, addr := range r.config.Source.Hyperliquid.FallbackVaults {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			r.vaults[addr] = struct{}{}
		}
	}
	r.vaultMu.Unlock()
}

func (r *Hyperliquid_LIQ_Reader) vaultRefreshLoop() {
	defer r.wg.Done()

	interval := r.config.Source.Hyperliquid.VaultRefresh
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.refreshVaults()
		}
	}
}

// refreshVaults queries the info endpoint for vault summaries and retains the
// liquidator vault addresses. On failure the previous set stays in effect.
func (r *Hyperliquid_LIQ_Reader) refreshVaults() {
	log := r.log.WithComponent("hyperliquid_liq_reader").WithFields(logger.Fields{"worker": "vault_refresh"})

	infoURL := strings.TrimSpace(r.config.Source.Hyperliquid.InfoURL)
	if infoURL == "" {
		infoURL = "https://api.hyperliquid.xyz/info"
	}

	body, err := json.Marshal(map[string]string{"type": "vaultSummaries"})
	if err != nil {
		log.WithError(err).Warn("failed to build vault summaries request")
		return
	}

	req, err := http.NewRequestWithContext(r.ctx, http.MethodPost, infoURL, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("failed to build vault summaries request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("vault summaries request failed, keeping previous vault set")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(logger.Fields{"status": resp.StatusCode}).Warn("vault summaries request rejected, keeping previous vault set")
		io.Copy(io.Discard, resp.Body)
		return
	}

	var summaries []struct {
		Name         string `json:"name"`
		VaultAddress string `json:"vaultAddress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&summaries); err != nil {
		log.WithError(err).Warn("failed to decode vault summaries, keeping previous vault set")
		return
	}

	found := make(map[string]struct{})
	for _, s := range summaries {
		if strings.Contains(strings.ToLower(s.Name), "liquidator") {
			addr := strings.ToLower(strings.TrimSpace(s.VaultAddress))
			if addr != "" {
				found[addr] = struct{}{}
			}
		}
	}
	if len(found) == 0 {
		log.Debug("no liquidator vaults discovered, keeping previous vault set")
		return
	}

	for _, addr := range r.config.Source.Hyperliquid.FallbackVaults {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr != "" {
			found[addr] = struct{}{}
		}
	}

	r.vaultMu.Lock()
	r.vaults = found
	r.vaultMu.Unlock()

	log.WithFields(logger.Fields{"vaults": len(found)}).Info("refreshed liquidator vault set")
}

func (r *Hyperliquid_LIQ_Reader) isVault(addr string) bool {
	addr = strings.ToLower(addr)
	r.vaultMu.RLock()
	_, ok := r.vaults[addr]
	r.vaultMu.RUnlock()
	return ok
}

func (r *Hyperliquid_LIQ_Reader) streamCoin(coin string) {
	defer r.wg.Done()

	log := r.log.WithComponent("hyperliquid_liq_reader").WithFields(logger.Fields{
		"coin":   coin,
		"worker": "trade_stream",
	})

	cfg := r.config.Source.Hyperliquid.Liquidation
	wsURL := strings.TrimSpace(cfg.URL)
	if wsURL == "" {
		wsURL = "wss://api.hyperliquid.xyz/ws"
	}

	retry := &backoff.Backoff{
		Min:    cfg.ReconnectDelay,
		Max:    cfg.MaxReconnect,
		Jitter: true,
	}
	if retry.Min <= 0 {
		retry.Min = time.Second
	}
	if retry.Max <= 0 {
		retry.Max = 30 * time.Second
	}

	for {
		if r.ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(r.ctx, wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to hyperliquid websocket, retrying")
			select {
			case <-time.After(retry.Duration()):
				continue
			case <-r.ctx.Done():
				return
			}
		}

		subMsg := map[string]any{
			"method": "subscribe",
			"subscription": map[string]string{
				"type": "trades",
				"coin": coin,
			},
		}
		if err := conn.WriteJSON(subMsg); err != nil {
			log.WithError(err).Warn("failed to send hyperliquid subscription, reconnecting")
			_ = conn.Close()
			select {
			case <-time.After(retry.Duration()):
				continue
			case <-r.ctx.Done():
				return
			}
		}
		retry.Reset()

		conn.SetReadDeadline(time.Now().Add(35 * time.Second))
		pingCtx, pingCancel := context.WithCancel(context.Background())
		pingTicker := time.NewTicker(20 * time.Second)

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(35 * time.Second))
			return nil
		})

		go func() {
			defer pingTicker.Stop()
			for {
				select {
				case <-pingCtx.Done():
					return
				case <-pingTicker.C:
					conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := conn.WriteJSON(map[string]string{"method": "ping"}); err != nil {
						log.WithError(err).Warn("failed to send hyperliquid ping")
						pingCancel()
						return
					}
				}
			}
		}()

	loop:
		for {
			if r.ctx.Err() != nil {
				_ = conn.Close()
				break loop
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				_ = conn.Close()
				log.WithError(err).Warn("hyperliquid trade stream error, reconnecting")
				break loop
			}
			conn.SetReadDeadline(time.Now().Add(35 * time.Second))

			r.handleMessage(msg, log)
		}

		pingCancel()
		select {
		case <-time.After(retry.Duration()):
		case <-r.ctx.Done():
			return
		}
	}
}

type hlTrade struct {
	Coin  string    `json:"coin"`
	Side  string    `json:"side"`
	Px    string    `json:"px"`
	Sz    string    `json:"sz"`
	Time  int64     `json:"time"`
	Tid   int64     `json:"tid"`
	Users [2]string `json:"users"`
}

// handleMessage filters trade batches down to vault-involved executions and
// forwards each one annotated with the side the vault traded on. Users are
// ordered [buyer, seller].
func (r *Hyperliquid_LIQ_Reader) handleMessage(msg []byte, log *logger.Entry) {
	var envelope struct {
		Channel string    `json:"channel"`
		Data    []hlTrade `json:"data"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		log.WithError(err).Debug("failed to unmarshal hyperliquid message, skipping")
		return
	}
	if envelope.Channel != "trades" {
		return
	}

	for _, trade := range envelope.Data {
		vaultSide := ""
		if r.isVault(trade.Users[0]) {
			vaultSide = "buy"
		} else if r.isVault(trade.Users[1]) {
			vaultSide = "sell"
		} else {
			continue
		}

		payload, err := json.Marshal(struct {
			VaultSide string  `json:"vault_side"`
			Trade     hlTrade `json:"trade"`
		}{VaultSide: vaultSide, Trade: trade})
		if err != nil {
			log.WithError(err).Warn("failed to marshal hyperliquid liquidation trade")
			continue
		}

		raw := models.RawLiquidationMessage{
			Exchange:  "hyperliquid",
			Symbol:    trade.Coin,
			Market:    "liquidation",
			Data:      payload,
			Timestamp: time.UnixMilli(trade.Time).UTC(),
		}

		if r.channels.SendRaw(r.ctx, raw) {
			logger.IncrementLiquidationRead(len(payload))
			log.WithFields(logger.Fields{
				"payload_bytes": len(payload),
				"vault_side":    vaultSide,
			}).Debug("forwarded hyperliquid liquidation trade to raw channel")
		} else if r.ctx.Err() != nil {
			return
		} else {
			metrics.EmitDropMetric(r.log, metrics.DropMetricLiquidationRaw, "hyperliquid", "liquidation", trade.Coin, "raw")
			log.Warn("liquidation raw channel full, dropping hyperliquid trade")
		}
	}
}

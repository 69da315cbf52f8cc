package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	appconfig "cascadeflow/config"
	liqchannel "cascadeflow/internal/channel/liq"
	metrics "cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/internal/store"
	"cascadeflow/internal/symbols"
	"cascadeflow/logger"
)

// EventObserver receives every normalized event, after storage. The volume
// analyzer implements this.
type EventObserver interface {
	Observe(models.LiquidationEvent)
}

// LiquidationProcessor normalizes raw liquidation payloads, deduplicates them
// and fans the events out to the store, the archive queue and any observers.
// Events are sharded to workers by canonical symbol so each symbol's ring
// buffer only ever has one writer.
type LiquidationProcessor struct {
	config    *appconfig.Config
	channels  *liqchannel.Channels
	store     *store.Store
	archive   chan<- models.LiquidationEvent
	observers []EventObserver

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	shards []chan models.RawLiquidationMessage

	dedupMu  sync.Mutex
	dedup    map[string]int64 // dedup key -> expiry, unix millis
	dedupTTL int64
	dedupCap int

	symbols       map[string]struct{}
	filterSymbols bool
}

// NewLiquidationProcessor builds the processor. The archive channel may be nil
// when cold storage is disabled.
func NewLiquidationProcessor(cfg *appconfig.Config, ch *liqchannel.Channels, st *store.Store, archive chan<- models.LiquidationEvent, observers ...EventObserver) *LiquidationProcessor {
	symSet := make(map[string]struct{})
	add := func(exchange string, list []string, enabled bool) {
		if !enabled {
			return
		}
		for _, x := range list {
			symSet[symbols.ToBinance(exchange, x)] = struct{}{}
		}
	}
	add("binance", cfg.Source.Binance.Liquidation.Symbols, cfg.Source.Binance.Liquidation.Enabled)
	add("bybit", cfg.Source.Bybit.Liquidation.Symbols, cfg.Source.Bybit.Liquidation.Enabled)
	add("okx", cfg.Source.Okx.Liquidation.Symbols, cfg.Source.Okx.Liquidation.Enabled)
	add("kucoin", cfg.Source.Kucoin.Liquidation.Symbols, cfg.Source.Kucoin.Liquidation.Enabled)
	add("hyperliquid", cfg.Source.Hyperliquid.Liquidation.Symbols, cfg.Source.Hyperliquid.Liquidation.Enabled)

	return &LiquidationProcessor{
		config:        cfg,
		channels:      ch,
		store:         st,
		archive:       archive,
		observers:     observers,
		log:           logger.GetLogger(),
		dedup:         make(map[string]int64),
		dedupTTL:      cfg.Processor.DedupWindow.Milliseconds(),
		dedupCap:      cfg.Processor.DedupCapacity,
		symbols:       symSet,
		filterSymbols: len(symSet) > 0,
	}
}

// Start begins consuming raw liquidation messages.
func (p *LiquidationProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("liquidation processor already running")
	}
	p.running = true
	p.ctx = ctx

	workers := p.config.Processor.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	p.shards = make([]chan models.RawLiquidationMessage, workers)
	for i := range p.shards {
		p.shards[i] = make(chan models.RawLiquidationMessage, 256)
	}
	p.mu.Unlock()

	log := p.log.WithComponent("liq_processor").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"workers": workers}).Info("starting liquidation processor")

	for i := range p.shards {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.wg.Add(1)
	go p.dispatch()
	return nil
}

// Stop waits for in-flight messages to drain.
func (p *LiquidationProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("liq_processor").Info("stopping liquidation processor")
	p.wg.Wait()
	p.log.WithComponent("liq_processor").Info("liquidation processor stopped")
}

// dispatch routes raw messages to the worker owning the canonical symbol.
func (p *LiquidationProcessor) dispatch() {
	defer p.wg.Done()
	defer func() {
		for _, shard := range p.shards {
			close(shard)
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case msg, ok := <-p.channels.Raw:
			if !ok {
				return
			}
			canonical := symbols.ToBinance(msg.Exchange, msg.Symbol)
			if p.filterSymbols {
				if _, ok := p.symbols[canonical]; !ok {
					continue
				}
			}
			shard := p.shards[shardIndex(canonical, len(p.shards))]
			select {
			case shard <- msg:
			default:
				metrics.EmitDropMetric(p.log, metrics.DropMetricLiquidationRaw, msg.Exchange, msg.Market, canonical, "shard")
			}
		}
	}
}

func (p *LiquidationProcessor) worker(id int) {
	defer p.wg.Done()
	for msg := range p.shards[id] {
		p.handleMessage(msg)
	}
}

func shardIndex(symbol string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

func (p *LiquidationProcessor) handleMessage(raw models.RawLiquidationMessage) {
	var events []models.LiquidationEvent

	switch raw.Exchange {
	case "binance":
		events = normalizeBinanceLiq(raw)
	case "bybit":
		events = normalizeBybitLiq(raw)
	case "okx":
		events = normalizeOkxLiq(raw)
	case "kucoin":
		events = normalizeKucoinLiq(raw)
	case "hyperliquid":
		events = normalizeHyperliquidLiq(raw)
	default:
		p.log.WithComponent("liq_processor").WithFields(logger.Fields{
			"exchange": raw.Exchange,
		}).Debug("unsupported liquidation exchange, dropping message")
		return
	}

	now := time.Now().UnixMilli()
	for _, ev := range events {
		if ev.Symbol == "" || (ev.Price <= 0 && ev.Notional <= 0) {
			continue
		}
		ev.Exchange = raw.Exchange
		if ev.EventTime == 0 {
			ev.EventTime = raw.Timestamp.UnixMilli()
		}
		ev.IngestTime = now
		if p.isDuplicate(ev) {
			continue
		}

		p.store.Add(ev)
		for _, obs := range p.observers {
			obs.Observe(ev)
		}
		if p.archive != nil {
			select {
			case p.archive <- ev:
			default:
				metrics.EmitDropMetric(p.log, metrics.DropMetricArchive, ev.Exchange, raw.Market, ev.Symbol, "archive")
			}
		}
	}
}

// isDuplicate records the event's identity and reports whether it was already
// seen inside the dedup window. Reconnecting readers can replay the tail of an
// exchange stream, so identity is exchange-scoped.
func (p *LiquidationProcessor) isDuplicate(ev models.LiquidationEvent) bool {
	key := ev.TradeID
	if key == "" {
		key = fmt.Sprintf("%d|%.8f|%.8f", ev.EventTime, ev.Price, ev.Quantity)
	}
	key = ev.Exchange + "|" + ev.Symbol + "|" + key

	now := time.Now().UnixMilli()
	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	if exp, ok := p.dedup[key]; ok && exp > now {
		return true
	}
	if len(p.dedup) >= p.dedupCap {
		for k, exp := range p.dedup {
			if exp <= now {
				delete(p.dedup, k)
			}
		}
		// Still saturated after purging expired entries: reset rather than
		// grow without bound.
		if len(p.dedup) >= p.dedupCap {
			p.dedup = make(map[string]int64, p.dedupCap/2)
		}
	}
	p.dedup[key] = now + p.dedupTTL
	return false
}

// sideFromOrder maps a liquidation order side to the position side that was
// closed: a forced sell closes longs, a forced buy closes shorts.
func sideFromOrder(orderSide string) models.Side {
	if strings.EqualFold(orderSide, "sell") || strings.EqualFold(orderSide, "ask") || orderSide == "A" {
		return models.SideLongLiquidated
	}
	return models.SideShortLiquidated
}

func normalizeBinanceLiq(raw models.RawLiquidationMessage) []models.LiquidationEvent {
	type binanceOrder struct {
		EventTime int64 `json:"E"`
		Order     struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Qty       string `json:"q"`
			Price     string `json:"p"`
			AvgPrice  string `json:"ap"`
			TradeTime int64  `json:"T"`
		} `json:"o"`
	}
	var evt binanceOrder
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil
	}
	price := parseFloat(evt.Order.AvgPrice)
	if price == 0 {
		price = parseFloat(evt.Order.Price)
	}
	qty := parseFloat(evt.Order.Qty)
	return []models.LiquidationEvent{{
		Symbol:    symbols.ToBinance("binance", evt.Order.Symbol),
		Side:      sideFromOrder(evt.Order.Side),
		Price:     price,
		Quantity:  qty,
		Notional:  price * qty,
		EventTime: evt.EventTime,
		TradeID:   fmt.Sprintf("%s-%d", evt.Order.Symbol, evt.Order.TradeTime),
	}}
}

func normalizeBybitLiq(raw models.RawLiquidationMessage) []models.LiquidationEvent {
	type bybitMsg struct {
		Topic string `json:"topic"`
		Ts    int64  `json:"ts"`
		Data  []struct {
			Time   int64  `json:"T"`
			Symbol string `json:"s"`
			Side   string `json:"S"`
			Size   string `json:"v"`
			Price  string `json:"p"`
		} `json:"data"`
	}
	var evt bybitMsg
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil
	}
	out := make([]models.LiquidationEvent, 0, len(evt.Data))
	for _, d := range evt.Data {
		price := parseFloat(d.Price)
		qty := parseFloat(d.Size)
		eventTime := d.Time
		if eventTime == 0 {
			eventTime = evt.Ts
		}
		out = append(out, models.LiquidationEvent{
			Symbol:    symbols.ToBinance("bybit", d.Symbol),
			Side:      sideFromOrder(d.Side),
			Price:     price,
			Quantity:  qty,
			Notional:  price * qty,
			EventTime: eventTime,
			TradeID:   fmt.Sprintf("%s-%d-%s", d.Symbol, eventTime, d.Size),
		})
	}
	return out
}

func normalizeOkxLiq(raw models.RawLiquidationMessage) []models.LiquidationEvent {
	type okxMsg struct {
		Data []struct {
			InstID  string `json:"instId"`
			Details []struct {
				Side  string `json:"side"`
				Size  string `json:"sz"`
				Price string `json:"bkPx"`
				Ts    string `json:"ts"`
			} `json:"details"`
		} `json:"data"`
	}
	var evt okxMsg
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil
	}
	var out []models.LiquidationEvent
	for _, d := range evt.Data {
		sym := symbols.ToBinance("okx", d.InstID)
		for _, det := range d.Details {
			price := parseFloat(det.Price)
			qty := parseFloat(det.Size)
			ts := parseInt64(det.Ts)
			out = append(out, models.LiquidationEvent{
				Symbol:    sym,
				Side:      sideFromOrder(det.Side),
				Price:     price,
				Quantity:  qty,
				Notional:  price * qty,
				EventTime: ts,
				TradeID:   fmt.Sprintf("%s-%s-%s", d.InstID, det.Ts, det.Size),
			})
		}
	}
	return out
}

// normalizeKucoinLiq handles execution payloads forwarded by the KuCoin
// reader. KuCoin has no dedicated liquidation stream; the reader forwards
// liquidation-flagged match executions and the taker side tells us which
// positions were forced out: an aggressive sell closes longs. Numeric fields
// arrive as either strings or numbers depending on the SDK model, so parsing
// is permissive.
func normalizeKucoinLiq(raw models.RawLiquidationMessage) []models.LiquidationEvent {
	type kucoinExec struct {
		Data struct {
			Symbol    string `json:"symbol"`
			Side      string `json:"side"`
			MatchSize any    `json:"matchSize"`
			Size      any    `json:"size"`
			Price     any    `json:"price"`
			Ts        int64  `json:"ts"`
			TradeID   string `json:"tradeId"`
		} `json:"data"`
	}
	var evt kucoinExec
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil
	}
	price := asFloat(evt.Data.Price)
	qty := asFloat(evt.Data.MatchSize)
	if qty == 0 {
		qty = asFloat(evt.Data.Size)
	}
	ts := evt.Data.Ts
	if ts > 1_000_000_000_000_000 {
		ts /= 1_000_000 // nanos to millis
	}
	return []models.LiquidationEvent{{
		Symbol:    symbols.ToBinance("kucoin", evt.Data.Symbol),
		Side:      sideFromOrder(evt.Data.Side),
		Price:     price,
		Quantity:  qty,
		Notional:  price * qty,
		EventTime: ts,
		TradeID:   evt.Data.TradeID,
	}}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		return parseFloat(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	default:
		return 0
	}
}

// normalizeHyperliquidLiq handles trades captured by the Hyperliquid reader.
// The reader only forwards trades where one counterparty is a known
// liquidator vault and annotates which side the vault traded on. The vault
// selling means it is unwinding a seized long.
func normalizeHyperliquidLiq(raw models.RawLiquidationMessage) []models.LiquidationEvent {
	type hlTrade struct {
		VaultSide string `json:"vault_side"`
		Trade     struct {
			Coin  string `json:"coin"`
			Px    string `json:"px"`
			Sz    string `json:"sz"`
			Time  int64  `json:"time"`
			Tid   int64  `json:"tid"`
		} `json:"trade"`
	}
	var evt hlTrade
	if err := json.Unmarshal(raw.Data, &evt); err != nil {
		return nil
	}
	price := parseFloat(evt.Trade.Px)
	qty := parseFloat(evt.Trade.Sz)
	return []models.LiquidationEvent{{
		Symbol:    symbols.ToBinance("hyperliquid", evt.Trade.Coin),
		Side:      sideFromOrder(evt.VaultSide),
		Price:     price,
		Quantity:  qty,
		Notional:  price * qty,
		EventTime: evt.Trade.Time,
		TradeID:   strconv.FormatInt(evt.Trade.Tid, 10),
	}}
}

func parseFloat(v string) float64 {
	if v == "" {
		return 0
	}
	val, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return val
}

func parseInt64(v string) int64 {
	if v == "" {
		return 0
	}
	val, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return val
}

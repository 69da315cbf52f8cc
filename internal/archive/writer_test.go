package archive

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

func archiveConfig() *appconfig.Config {
	cfg := &appconfig.Config{}
	cfg.Archive.Enabled = true
	cfg.Archive.BatchSize = 100
	cfg.Archive.FlushInterval = time.Minute
	cfg.Archive.MaxQueue = 4
	cfg.Storage.S3.Bucket = "cascade-archive"
	cfg.Storage.S3.Region = "us-east-1"
	return cfg
}

func newTestWriter(cfg *appconfig.Config) *Writer {
	return &Writer{
		cfg:       cfg,
		log:       logger.GetLogger(),
		wg:        &sync.WaitGroup{},
		buffer:    make(map[string][]models.LiquidationEvent),
		lastFlush: make(map[string]time.Time),
	}
}

func testEvent(symbol string, eventTime time.Time) models.LiquidationEvent {
	return models.LiquidationEvent{
		Exchange:   "binance",
		Symbol:     symbol,
		Side:       models.SideLongLiquidated,
		Price:      50000,
		Quantity:   0.5,
		EventTime:  eventTime.UnixMilli(),
		IngestTime: eventTime.UnixMilli(),
		TradeID:    "t1",
	}
}

func TestNormalizeBucketName(t *testing.T) {
	bucket, err := normalizeBucketName("  cascade-archive  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket != "cascade-archive" {
		t.Fatalf("expected trimmed bucket name, got %q", bucket)
	}
}

func TestNormalizeBucketNameRequiresValue(t *testing.T) {
	if _, err := normalizeBucketName("   "); err == nil {
		t.Fatal("expected error for empty bucket name")
	}
}

func TestGenerateS3KeyPartitions(t *testing.T) {
	w := newTestWriter(archiveConfig())
	at := time.Date(2026, 8, 31, 12, 34, 56, 0, time.UTC)

	key := w.generateS3Key("btcusdt", at)
	if !strings.HasPrefix(key, "liquidations/symbol=BTCUSDT/date=2026-08-31/hour=12/") {
		t.Fatalf("unexpected key prefix: %s", key)
	}
	if !strings.HasSuffix(key, ".parquet") {
		t.Fatalf("expected parquet suffix: %s", key)
	}
	if !strings.Contains(key, "liq_BTCUSDT_20260831123456_") {
		t.Fatalf("expected timestamped file name: %s", key)
	}
}

func TestCreateParquetProducesData(t *testing.T) {
	w := newTestWriter(archiveConfig())
	now := time.Now()
	events := []models.LiquidationEvent{
		testEvent("BTCUSDT", now),
		testEvent("BTCUSDT", now.Add(time.Second)),
	}

	data, err := w.createParquet(events)
	if err != nil {
		t.Fatalf("failed to build parquet: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty parquet output")
	}
	// parquet files start and end with the PAR1 magic
	if string(data[:4]) != "PAR1" || string(data[len(data)-4:]) != "PAR1" {
		t.Fatal("output is not a parquet file")
	}
}

func TestQueueBoundDropsOldest(t *testing.T) {
	w := newTestWriter(archiveConfig())
	now := time.Now()

	for i := 0; i < 6; i++ {
		w.add(testEvent("BTCUSDT", now.Add(time.Duration(i)*time.Second)))
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.total != 4 {
		t.Fatalf("expected queue capped at 4, got %d", w.total)
	}
	oldest := w.buffer["BTCUSDT"][0]
	if oldest.EventTime != now.Add(2*time.Second).UnixMilli() {
		t.Fatalf("expected the two oldest events shed, got event time %d", oldest.EventTime)
	}
}

func TestStartStopCleanWithEmptyBuffers(t *testing.T) {
	cfg := archiveConfig()
	cfg.Archive.FlushInterval = 10 * time.Millisecond

	events := make(chan models.LiquidationEvent)
	w := newTestWriter(cfg)
	w.events = events

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected second start to fail")
	}

	// let the flush ticker fire at least once with nothing buffered
	time.Sleep(30 * time.Millisecond)

	w.Stop()
	w.Stop() // idempotent

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		t.Fatal("expected writer stopped")
	}
	if w.total != 0 {
		t.Fatalf("expected empty queue after stop, got %d", w.total)
	}
}

func TestEventsWithoutSymbolIgnored(t *testing.T) {
	w := newTestWriter(archiveConfig())

	ev := testEvent("", time.Now())
	w.add(ev)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.total != 0 {
		t.Fatalf("expected no buffered events, got %d", w.total)
	}
}

package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "cascadeflow/config"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// liquidationRecord is the parquet schema for archived liquidation events.
type liquidationRecord struct {
	Exchange   string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side       string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      float64 `parquet:"name=price, type=DOUBLE"`
	Quantity   float64 `parquet:"name=quantity, type=DOUBLE"`
	Notional   float64 `parquet:"name=notional, type=DOUBLE"`
	EventTime  int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	IngestTime int64   `parquet:"name=ingest_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	TradeID    string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// Writer buffers normalized liquidation events and flushes them as
// snappy-compressed parquet batches to S3. A flush triggers on either the
// batch size or the flush interval, whichever comes first, and never blocks
// the detection path: when S3 is unavailable events queue up to a bounded
// limit and the oldest are dropped with a warning.
type Writer struct {
	cfg      *appconfig.Config
	events   <-chan models.LiquidationEvent
	s3Client *s3.Client
	log      *logger.Log
	bucket   string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        *sync.WaitGroup
	running   bool
	mu        sync.Mutex
	buffer    map[string][]models.LiquidationEvent
	lastFlush map[string]time.Time
	total     int
}

// NewWriter initializes the archive writer with S3 credentials from config.
func NewWriter(cfg *appconfig.Config, events <-chan models.LiquidationEvent) (*Writer, error) {
	log := logger.GetLogger()
	if !cfg.Archive.Enabled {
		return nil, fmt.Errorf("archive is disabled")
	}

	bucket, err := normalizeBucketName(cfg.Storage.S3.Bucket)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	w := &Writer{
		cfg:       cfg,
		events:    events,
		s3Client:  s3Client,
		log:       log,
		bucket:    bucket,
		wg:        &sync.WaitGroup{},
		buffer:    make(map[string][]models.LiquidationEvent),
		lastFlush: make(map[string]time.Time),
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive writer initialized")

	return w, nil
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

func (w *Writer) batchSize() int {
	if s := w.cfg.Archive.BatchSize; s > 0 {
		return s
	}
	return 500
}

func (w *Writer) flushInterval() time.Duration {
	if d := w.cfg.Archive.FlushInterval; d > 0 {
		return d
	}
	return time.Minute
}

func (w *Writer) maxQueue() int {
	if q := w.cfg.Archive.MaxQueue; q > 0 {
		return q
	}
	return 10000
}

// Start launches the ingestion and flush workers.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.buffer = make(map[string][]models.LiquidationEvent)
	w.lastFlush = make(map[string]time.Time)
	w.total = 0
	w.mu.Unlock()

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"batch_size":     w.batchSize(),
		"flush_interval": w.flushInterval().String(),
		"max_queue":      w.maxQueue(),
	}).Info("starting archive writer")

	tickerInterval := w.flushInterval()
	if tickerInterval > time.Second {
		tickerInterval = time.Second
	}

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	// the ticker is handed to the goroutine rather than stored on the
	// struct so Stop never touches it concurrently
	go w.flushWorker(time.NewTicker(tickerInterval))

	return nil
}

// Stop terminates the workers and flushes remaining data.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	w.wg.Wait()
	w.flushAll("stop")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.add(ev)
		}
	}
}

func (w *Writer) flushWorker(ticker *time.Ticker) {
	defer w.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			w.flushAll("context_cancelled")
			return
		case <-ticker.C:
			w.flushTimedOut()
		}
	}
}

func (w *Writer) add(ev models.LiquidationEvent) {
	if ev.Symbol == "" {
		return
	}

	w.mu.Lock()
	w.buffer[ev.Symbol] = append(w.buffer[ev.Symbol], ev)
	w.total++
	if _, ok := w.lastFlush[ev.Symbol]; !ok {
		w.lastFlush[ev.Symbol] = time.Now()
	}

	var droppedSymbol string
	if w.total > w.maxQueue() {
		droppedSymbol = w.dropOldestLocked()
	}

	shouldFlush := len(w.buffer[ev.Symbol]) >= w.batchSize()
	w.mu.Unlock()

	if droppedSymbol != "" {
		w.log.WithComponent("archive_writer").WithFields(logger.Fields{
			"symbol": droppedSymbol,
		}).Warn("archive queue full, dropping oldest event")
	}
	if shouldFlush {
		w.flushSymbol(ev.Symbol)
	}
}

// dropOldestLocked sheds one event from the largest per-symbol buffer.
func (w *Writer) dropOldestLocked() string {
	largest := ""
	for symbol, events := range w.buffer {
		if largest == "" || len(events) > len(w.buffer[largest]) {
			largest = symbol
		}
	}
	if largest == "" {
		return ""
	}
	w.buffer[largest] = w.buffer[largest][1:]
	w.total--
	return largest
}

func (w *Writer) flushTimedOut() {
	now := time.Now()
	interval := w.flushInterval()

	w.mu.Lock()
	symbols := make([]string, 0, len(w.buffer))
	for symbol, events := range w.buffer {
		if len(events) == 0 {
			continue
		}
		if now.Sub(w.lastFlush[symbol]) >= interval {
			symbols = append(symbols, symbol)
		}
	}
	w.mu.Unlock()

	for _, symbol := range symbols {
		w.flushSymbol(symbol)
	}
}

func (w *Writer) flushAll(reason string) {
	w.mu.Lock()
	symbols := make([]string, 0, len(w.buffer))
	for symbol, events := range w.buffer {
		if len(events) > 0 {
			symbols = append(symbols, symbol)
		}
	}
	w.mu.Unlock()

	if len(symbols) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(symbols),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for _, symbol := range symbols {
		w.flushSymbol(symbol)
	}
}

func (w *Writer) flushSymbol(symbol string) {
	w.mu.Lock()
	events := w.buffer[symbol]
	if len(events) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, symbol)
	delete(w.lastFlush, symbol)
	w.total -= len(events)
	w.mu.Unlock()

	w.writeBatch(symbol, events)
}

func (w *Writer) writeBatch(symbol string, events []models.LiquidationEvent) {
	batchTime := time.Time{}
	for _, ev := range events {
		if ev.EventTime > 0 {
			if ts := time.UnixMilli(ev.EventTime); ts.After(batchTime) {
				batchTime = ts
			}
		}
	}
	if batchTime.IsZero() {
		batchTime = time.Now().UTC()
	}

	data, err := w.createParquet(events)
	if err != nil {
		w.log.WithComponent("archive_writer").WithError(err).Error("failed to create parquet for liquidation batch")
		return
	}

	key := w.generateS3Key(symbol, batchTime)
	if err := w.upload(key, data); err != nil {
		w.log.WithComponent("archive_writer").WithError(err).WithFields(logger.Fields{
			"s3_key": key,
		}).Error("failed to upload liquidation batch")
		return
	}

	logger.IncrementS3Write(int64(len(data)))
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(events),
		"bytes":   len(data),
	}).Info("liquidation batch uploaded")
}

func (w *Writer) createParquet(events []models.LiquidationEvent) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(liquidationRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, ev := range events {
		rec := liquidationRecord{
			Exchange:   strings.ToLower(ev.Exchange),
			Symbol:     strings.ToUpper(ev.Symbol),
			Side:       string(ev.Side),
			Price:      ev.Price,
			Quantity:   ev.Quantity,
			Notional:   ev.Value(),
			EventTime:  ev.EventTime,
			IngestTime: ev.IngestTime,
			TradeID:    ev.TradeID,
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func (w *Writer) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}

	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

// generateS3Key builds a hive-partitioned object key so downstream query
// engines can prune by symbol and date.
func (w *Writer) generateS3Key(symbol string, batchTime time.Time) string {
	ts := batchTime.UTC()
	parts := []string{
		"liquidations",
		fmt.Sprintf("symbol=%s", strings.ToUpper(symbol)),
		fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		fmt.Sprintf("liq_%s_%s_%s.parquet", strings.ToUpper(symbol), ts.Format("20060102150405"), uuid.NewString()[:8]),
	}
	return filepath.ToSlash(filepath.Join(parts...))
}

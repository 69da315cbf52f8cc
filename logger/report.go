package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsReader     int64
	errorsPipeline   int64
	warnsReader      int64
	warnsPipeline    int64
	liquidationReads int64
	oiPolls          int64
	s3Writes         int64
	alertsDispatched int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&warnsReader, 1)
	} else {
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") {
		atomic.AddInt64(&errorsReader, 1)
	} else {
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

func IncrementLiquidationRead(size int) {
	atomic.AddInt64(&liquidationReads, 1)
	recordChannel("liquidation_ws", size)
}

func IncrementOIPoll(size int) {
	atomic.AddInt64(&oiPolls, 1)
	recordChannel("oi_rest", size)
}

func IncrementS3Write(size int64) {
	atomic.AddInt64(&s3Writes, 1)
	recordChannel("s3_archive_write", int(size))
}

func IncrementAlertDispatched() {
	atomic.AddInt64(&alertsDispatched, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	heapMB := int64(memStats.HeapAlloc) / 1024 / 1024

	fields := Fields{
		"errors_reader":     atomic.LoadInt64(&errorsReader),
		"errors_pipeline":   atomic.LoadInt64(&errorsPipeline),
		"warns_reader":      atomic.LoadInt64(&warnsReader),
		"warns_pipeline":    atomic.LoadInt64(&warnsPipeline),
		"liquidation_reads": atomic.LoadInt64(&liquidationReads),
		"oi_polls":          atomic.LoadInt64(&oiPolls),
		"s3_writes":         atomic.LoadInt64(&s3Writes),
		"alerts_dispatched": atomic.LoadInt64(&alertsDispatched),
		"goroutines":        runtime.NumGoroutine(),
		"heap_mb":           heapMB,
		"gc_cycles":         memStats.NumGC,
		"channels":          channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(heapMB))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_reader"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsReader"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_reader"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("LiquidationReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["liquidation_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OIPolls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["oi_polls"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("S3Writes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["s3_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("AlertsDispatched"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["alerts_dispatched"].(int64)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

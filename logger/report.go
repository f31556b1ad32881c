package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// coinStat tracks per-coin block-processing counters surfaced in periodic
// reports and pushed to CloudWatch when configured.
type coinStat struct {
	blocksApplied  int64
	divergences    int64
	tradesEmitted  int64
	lastBlockNanos int64
}

var (
	clientsActive       int64
	clientsDisconnected int64
	backlogDropped      int64
	staleBlocks         int64
	warnsTotal          int64
	errorsTotal         int64
	coins               sync.Map // map[string]*coinStat
)

// recordWarn and recordError count Warn/Error log calls made through any
// component, surfaced in the periodic report as warns_total/errors_total.
// component is accepted (rather than incrementing a bare counter directly)
// to match the per-component classification the caller sites already pass,
// even though this service reports the aggregate rather than breaking it
// out per component.
func recordWarn(component string) {
	_ = component
	atomic.AddInt64(&warnsTotal, 1)
}

func recordError(component string) {
	_ = component
	atomic.AddInt64(&errorsTotal, 1)
}

// IncrementBlockApplied records that a coin's book advanced by one block,
// along with the wall-clock latency of the apply step.
func IncrementBlockApplied(coin string, latency time.Duration) {
	cs := coinStatFor(coin)
	atomic.AddInt64(&cs.blocksApplied, 1)
	atomic.StoreInt64(&cs.lastBlockNanos, latency.Nanoseconds())
}

// IncrementDivergence records a snapshot cross-check mismatch for a coin.
func IncrementDivergence(coin string) {
	atomic.AddInt64(&coinStatFor(coin).divergences, 1)
}

// IncrementTradesEmitted records how many trade messages a block produced.
func IncrementTradesEmitted(coin string, n int) {
	atomic.AddInt64(&coinStatFor(coin).tradesEmitted, int64(n))
}

// IncrementStaleBlock records that the batcher discarded a block number
// that regressed relative to the last committed block.
func IncrementStaleBlock() {
	atomic.AddInt64(&staleBlocks, 1)
}

// IncrementBacklogDropped records that a client's outgoing queue overflowed.
func IncrementBacklogDropped() {
	atomic.AddInt64(&backlogDropped, 1)
}

// SetClientCounts records the current count of active subscriber connections
// and the running total of connections that have been dropped.
func SetClientCounts(active int64, disconnectedDelta int64) {
	atomic.StoreInt64(&clientsActive, active)
	atomic.AddInt64(&clientsDisconnected, disconnectedDelta)
}

func coinStatFor(coin string) *coinStat {
	v, _ := coins.LoadOrStore(coin, &coinStat{})
	return v.(*coinStat)
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

// StartReport begins periodic logging of system and coin-level statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	coinData := map[string]map[string]int64{}
	coins.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*coinStat)
		coinData[name] = map[string]int64{
			"blocks_applied":  atomic.LoadInt64(&cs.blocksApplied),
			"divergences":     atomic.LoadInt64(&cs.divergences),
			"trades_emitted":  atomic.LoadInt64(&cs.tradesEmitted),
			"last_block_ms":   atomic.LoadInt64(&cs.lastBlockNanos) / int64(time.Millisecond),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"clients_active":       atomic.LoadInt64(&clientsActive),
		"clients_disconnected": atomic.LoadInt64(&clientsDisconnected),
		"backlog_dropped":      atomic.LoadInt64(&backlogDropped),
		"stale_blocks":         atomic.LoadInt64(&staleBlocks),
		"warns_total":          atomic.LoadInt64(&warnsTotal),
		"errors_total":         atomic.LoadInt64(&errorsTotal),
		"goroutines":           runtime.NumGoroutine(),
		"cpu_percent":          cpuPct,
		"memory_mb":            int64(memStats.Used) / 1024 / 1024,
		"disk_mb":              int64(diskStats.Used) / 1024 / 1024,
		"coins":                coinData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("MarketFeed-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MarketFeed-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("MarketFeed-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		{MetricName: aws.String("MarketFeed-ClientsActive"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["clients_active"].(int64)))},
		{MetricName: aws.String("MarketFeed-BacklogDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["backlog_dropped"].(int64)))},
		{MetricName: aws.String("MarketFeed-StaleBlocks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["stale_blocks"].(int64)))},
		{MetricName: aws.String("MarketFeed-WarnsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_total"].(int64)))},
		{MetricName: aws.String("MarketFeed-ErrorsTotal"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_total"].(int64)))},
	}

	for name, stats := range coinData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("MarketFeed-BlocksApplied"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Coin"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["blocks_applied"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("MarketFeed-Divergences"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Coin"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["divergences"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

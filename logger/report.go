package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// StatsFunc supplies pipeline counters keyed by snake_case name.
type StatsFunc func() map[string]float64

type levelCounts struct {
	warns  int64
	errors int64
}

// per component warn/error counts, map[string]*levelCounts
var components sync.Map

func counts(component string) *levelCounts {
	v, _ := components.LoadOrStore(component, &levelCounts{})
	return v.(*levelCounts)
}

func recordWarn(component string) {
	atomic.AddInt64(&counts(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&counts(component).errors, 1)
}

// ComponentCounts returns the warn and error totals logged for a component.
func ComponentCounts(component string) (warns, errors int64) {
	c := counts(component)
	return atomic.LoadInt64(&c.warns), atomic.LoadInt64(&c.errors)
}

// StartReport logs a runtime report every interval until ctx is done and
// mirrors it to CloudWatch when a client is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration, stats StatsFunc) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log, stats)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log, stats StatsFunc) {
	fields := Fields{"goroutines": runtime.NumGoroutine()}
	var data []cwtypes.MetricDatum

	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		fields["cpu_percent"] = cpuPercent[0]
		data = append(data, datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPercent[0]))
	}
	if memStats, err := mem.VirtualMemory(); err == nil {
		usedMB := float64(memStats.Used) / 1024 / 1024
		fields["memory_mb"] = int64(usedMB)
		data = append(data, datum("MemoryMB", cwtypes.StandardUnitMegabytes, usedMB))
	}
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		fields["net_bytes_sent"] = netStats[0].BytesSent
		fields["net_bytes_recv"] = netStats[0].BytesRecv
		data = append(data,
			datum("NetBytesSent", cwtypes.StandardUnitBytes, float64(netStats[0].BytesSent)),
			datum("NetBytesRecv", cwtypes.StandardUnitBytes, float64(netStats[0].BytesRecv)),
		)
	}

	levels := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		c := v.(*levelCounts)
		levels[k.(string)] = map[string]int64{
			"warns":  atomic.LoadInt64(&c.warns),
			"errors": atomic.LoadInt64(&c.errors),
		}
		return true
	})
	fields["components"] = levels

	if stats != nil {
		values := stats()
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields[k] = values[k]
			data = append(data, datum(metricName(k), cwtypes.StandardUnitCount, values[k]))
		}
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
	publishMetrics(ctx, data)
}

func datum(name string, unit cwtypes.StandardUnit, value float64) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(value)}
}

// metricName converts trades_streamed into TradesStreamed.
func metricName(key string) string {
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

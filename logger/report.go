package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	warns  int64
	errors int64
}

var (
	providerRequests int64
	rowsFetched      int64
	filesWritten     int64
	uploads          int64
	components       sync.Map // map[string]*componentStat
)

func componentStats(component string) *componentStat {
	v, _ := components.LoadOrStore(component, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&componentStats(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStats(component).errors, 1)
}

// IncrementProviderRequest counts one provider bar request returning rows.
func IncrementProviderRequest(rows int) {
	atomic.AddInt64(&providerRequests, 1)
	atomic.AddInt64(&rowsFetched, int64(rows))
}

// IncrementFileWritten counts one local artifact.
func IncrementFileWritten() {
	atomic.AddInt64(&filesWritten, 1)
}

// IncrementUpload counts one artifact uploaded to object storage.
func IncrementUpload() {
	atomic.AddInt64(&uploads, 1)
}

// Snapshot is a point-in-time copy of the process counters.
type Snapshot struct {
	ProviderRequests int64
	RowsFetched      int64
	FilesWritten     int64
	Uploads          int64
	Warns            map[string]int64
	Errors           map[string]int64
}

// Counters returns the current counter values.
func Counters() Snapshot {
	s := Snapshot{
		ProviderRequests: atomic.LoadInt64(&providerRequests),
		RowsFetched:      atomic.LoadInt64(&rowsFetched),
		FilesWritten:     atomic.LoadInt64(&filesWritten),
		Uploads:          atomic.LoadInt64(&uploads),
		Warns:            map[string]int64{},
		Errors:           map[string]int64{},
	}
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		s.Warns[k.(string)] = atomic.LoadInt64(&cs.warns)
		s.Errors[k.(string)] = atomic.LoadInt64(&cs.errors)
		return true
	})
	return s
}

// StartReport logs the counters every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				LogReport(ctx, log)
			}
		}
	}()
}

// LogReport logs the counters once and publishes them to CloudWatch.
func LogReport(ctx context.Context, log *Log) {
	s := Counters()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var warns, errs int64
	for _, n := range s.Warns {
		warns += n
	}
	for _, n := range s.Errors {
		errs += n
	}

	log.WithComponent("report").WithFields(Fields{
		"provider_requests": s.ProviderRequests,
		"rows_fetched":      s.RowsFetched,
		"files_written":     s.FilesWritten,
		"uploads":           s.Uploads,
		"warns":             s.Warns,
		"errors":            s.Errors,
		"goroutines":        runtime.NumGoroutine(),
		"heap_mb":           mem.HeapAlloc / 1024 / 1024,
	}).Info("runtime report")

	count := func(name string, v int64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(v))}
	}
	publishMetrics(ctx, []cwtypes.MetricDatum{
		count("ProviderRequests", s.ProviderRequests),
		count("RowsFetched", s.RowsFetched),
		count("FilesWritten", s.FilesWritten),
		count("Uploads", s.Uploads),
		count("Warnings", warns),
		count("Errors", errs),
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
	})
}

package perf

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	cmdUtil "github.com/ValentinKolb/dRCU/cmd/util"
	"github.com/ValentinKolb/dRCU/lib/common"
	"github.com/ValentinKolb/dRCU/lib/host"
	"github.com/ValentinKolb/dRCU/lib/rcu"
	"github.com/ValentinKolb/dRCU/lib/rcumap"
	"github.com/ValentinKolb/dRCU/lib/util"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Micro benchmarks of the grace-period engine",
		Long:    "Run micro benchmarks (register, read-lock, synchronize, map-get, map-set, mixed) against an in-process host",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfConfig     common.HostConfig
	perfNumThreads = 10
	perfKeySpread  = 100
	perfSkip       = make([]string, 0)

	benchmarks = []string{"register", "read-lock", "synchronize", "map-get", "map-set", "mixed"}
)

func init() {
	key := "skip"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. register,mixed)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, cmdUtil.WrapString("Number of goroutines per benchmark"))
	key = "keys"
	PerfCmd.Flags().Int(key, 100, cmdUtil.WrapString("How many different keys to use for the map benchmarks"))
	key = "csv"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	conf, err := cmdUtil.SetupHost(cmd)
	if err != nil {
		return err
	}
	perfConfig = conf

	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfKeySpread <= 0 || perfNumThreads <= 0 {
		return fmt.Errorf("keys and threads must be positive")
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dRCU")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(perfConfig.String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	h, err := host.New(perfConfig)
	if err != nil {
		return err
	}
	defer h.Close()

	fmt.Println("starting tests...")

	results := make(map[string]testing.BenchmarkResult)
	var syncSamples []time.Duration
	m := rcumap.New[int](nil)

	for _, name := range benchmarks {
		var result testing.BenchmarkResult
		switch name {
		case "register":
			result = benchRegister(h)
		case "read-lock":
			result = benchReadLock(h)
		case "synchronize":
			result, syncSamples = benchSynchronize(h)
		case "map-get":
			result = benchMap(h, m, 0)
		case "map-set":
			result = benchMap(h, m, 100)
		case "mixed":
			result = benchMap(h, m, 10)
		}
		results[name] = result
		printResult(name, result)

		if err := flush(h); err != nil {
			return err
		}
	}

	printSummary(h, m, syncSamples)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// contextPicker hands the goroutines of a parallel benchmark their contexts round robin
func contextPicker(h *host.Host) func() *host.Context {
	contexts := h.Contexts()
	var next atomic.Int64
	return func() *host.Context {
		return contexts[int(next.Add(1)-1)%len(contexts)]
	}
}

func benchRegister(h *host.Host) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip("register") {
			return
		}
		pick := contextPicker(h)
		fn := func(*rcu.Callback) {}

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			c := pick()
			for pb.Next() {
				if err := c.Call(&rcu.Callback{}, fn); err != nil {
					cmdUtil.Logger.Errorf("(register) - error registering callback: %v", err)
				}
			}
		})
	})
}

func benchReadLock(h *host.Host) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip("read-lock") {
			return
		}
		pick := contextPicker(h)

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			c := pick()
			for pb.Next() {
				c.ReadLock()
				c.ReadUnlock()
			}
		})
	})
}

func benchSynchronize(h *host.Host) (testing.BenchmarkResult, []time.Duration) {
	var (
		mu      sync.Mutex
		samples []time.Duration
	)

	result := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("synchronize") {
			return
		}
		pick := contextPicker(h)

		mu.Lock()
		samples = samples[:0]
		mu.Unlock()

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			c := pick()
			var local []time.Duration
			for pb.Next() {
				start := time.Now()
				if err := c.Synchronize(context.Background()); err != nil {
					cmdUtil.Logger.Errorf("(synchronize) - error waiting for grace period: %v", err)
				}
				local = append(local, time.Since(start))
			}
			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
		})
	})

	return result, samples
}

// benchMap runs map operations, writePercent of them are Set, the rest Get
func benchMap(h *host.Host, m *rcumap.Map[int], writePercent int) testing.BenchmarkResult {
	name := "mixed"
	switch writePercent {
	case 0:
		name = "map-get"
	case 100:
		name = "map-set"
	}

	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip(name) {
			return
		}
		getKey, iter := getKeys(name)
		seed := h.Contexts()[0]
		iter(func(k string) { m.Set(seed, k, 0) })
		pick := contextPicker(h)

		b.SetParallelism(perfNumThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			c := pick()
			counter := 0
			for pb.Next() {
				if counter%100 < writePercent {
					m.Set(c, getKey(counter), counter)
				} else {
					m.Get(c, getKey(counter))
				}
				counter++
			}
		})
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// getKeys creates the test keys of a benchmark and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("__perf-%s-%d", prefix, i)
	}

	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// flush waits for the callbacks queued by a benchmark
func flush(h *host.Host) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := h.Barrier(ctx); err != nil {
		return fmt.Errorf("failed to flush callbacks: %w", err)
	}
	return nil
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// printSummary prints latency and distribution statistics collected while benchmarking
func printSummary(h *host.Host, m *rcumap.Map[int], syncSamples []time.Duration) {
	fmt.Println()

	if len(syncSamples) > 0 {
		s := util.NewStats(util.DurationsToMicros(syncSamples))
		fmt.Printf("%-20smean %.1fµs, std %.1fµs, min %.1fµs, max %.1fµs (%d samples)\n",
			"synchronize", s.Mean, s.StdDeviation, s.Min, s.Max, len(syncSamples))
	}

	stats := h.Stats()
	for _, c := range stats.Classes {
		lat := stats.Synchronize[c.Class]
		fmt.Printf("%-20sgrace periods %d, callbacks %d, synchronize p50 %s p99 %s\n",
			"["+c.Class+"]", c.Completed, c.Invoked, lat.P50, lat.P99)
	}

	ms := m.Stats()
	fmt.Printf("%-20ssnapshots retired %d, reclaimed %d, leaked %d\n", "map", ms.Retired, ms.Reclaimed, ms.Leaked)

	contexts := h.Contexts()
	if len(contexts) > 0 {
		d := util.NewDistributionStats(m.ShardSizes(contexts[0]))
		fmt.Printf("%-20s%d shards, mean %.1f entries, quality %.2f\n", "shards", ms.Shards, d.Mean, d.DistributionQuality)
	}
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Contexts", "TickInterval", "MaxBatch", "FastClass",
		"Threads", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, test := range benchmarks {
		result := results[test]

		var nsPerOp, opsPerSec float64
		skipped := "true"
		if result.NsPerOp() != 0 {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(perfConfig.Contexts),
			perfConfig.TickInterval.String(),
			strconv.Itoa(perfConfig.MaxBatch),
			strconv.FormatBool(perfConfig.FastClass),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

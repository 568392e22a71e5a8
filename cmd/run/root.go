package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dRCU/cmd/util"
	"github.com/ValentinKolb/dRCU/lib/common"
	"github.com/ValentinKolb/dRCU/lib/host"
	"github.com/ValentinKolb/dRCU/lib/rcumap"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	runCmdConfig common.HostConfig
	workload     workloadConfig

	RunCmd = &cobra.Command{
		Use:   "run",
		Short: "Run a host with a read-mostly map workload",
		Long: `Start a host and drive an RCU protected map with concurrent readers and writers.
Metrics are served in Prometheus format on <endpoint>/metrics, profiles on <endpoint>/debug/pprof.
The configuration can be set via command line flags or environment variables of the form DRCU_<flag> (e.g. DRCU_CONTEXTS=8)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

type workloadConfig struct {
	readers        int
	writers        int
	keys           int
	duration       time.Duration
	reportInterval time.Duration
	syncEvery      int
}

func init() {
	key := "readers"
	RunCmd.Flags().Int(key, 0, cmdUtil.WrapString("Number of reader goroutines (0 = one per context)"))

	key = "writers"
	RunCmd.Flags().Int(key, 1, cmdUtil.WrapString("Number of writer goroutines"))

	key = "keys"
	RunCmd.Flags().Int(key, 1000, cmdUtil.WrapString("Number of distinct keys in the map"))

	key = "duration"
	RunCmd.Flags().Duration(key, 0, cmdUtil.WrapString("How long to run the workload (0 = until SIGINT or SIGTERM)"))

	key = "report-interval"
	RunCmd.Flags().Duration(key, 5*time.Second, cmdUtil.WrapString("Interval between two statistics log lines"))

	key = "sync-every"
	RunCmd.Flags().Int(key, 1000, cmdUtil.WrapString("Writers call Synchronize after this many writes (0 = never)"))

	key = "endpoint"
	RunCmd.Flags().String(key, "localhost:9090", cmdUtil.WrapString("The address on which /metrics and /debug/pprof are served (empty = disabled)"))
}

// processConfig reads the host and workload configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	conf, err := cmdUtil.SetupHost(cmd)
	if err != nil {
		return err
	}
	runCmdConfig = conf

	workload = workloadConfig{
		readers:        viper.GetInt("readers"),
		writers:        viper.GetInt("writers"),
		keys:           viper.GetInt("keys"),
		duration:       viper.GetDuration("duration"),
		reportInterval: viper.GetDuration("report-interval"),
		syncEvery:      viper.GetInt("sync-every"),
	}
	if workload.readers <= 0 {
		workload.readers = runCmdConfig.Contexts
	}
	if workload.keys <= 0 {
		return fmt.Errorf("at least one key is required")
	}
	if workload.reportInterval <= 0 {
		workload.reportInterval = 5 * time.Second
	}
	return nil
}

// run starts the host and the workload and blocks until it ends
func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Configuration:")
	fmt.Println(runCmdConfig.String())

	h, err := host.New(runCmdConfig)
	if err != nil {
		return err
	}
	defer h.Close()

	m := rcumap.New[int64](&rcumap.Options{Shards: 64})
	contexts := h.Contexts()
	for i := 0; i < workload.keys; i++ {
		m.Set(contexts[0], keyName(i), int64(i))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if workload.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, workload.duration)
		defer cancel()
	}

	var srv *http.Server
	if runCmdConfig.Endpoint != "" {
		srv = serveMetrics(h, m)
	}

	var reads, writes atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	for r := 0; r < workload.readers; r++ {
		c := contexts[r%len(contexts)]
		g.Go(func() error {
			for gctx.Err() == nil {
				for i := 0; i < 128; i++ {
					m.Get(c, keyName(rand.IntN(workload.keys)))
				}
				reads.Add(128)
			}
			return nil
		})
	}

	for w := 0; w < workload.writers; w++ {
		c := contexts[w%len(contexts)]
		g.Go(func() error {
			for n := 1; gctx.Err() == nil; n++ {
				m.Set(c, keyName(rand.IntN(workload.keys)), rand.Int64())
				writes.Add(1)

				if workload.syncEvery > 0 && n%workload.syncEvery == 0 {
					if err := c.Synchronize(gctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
						return err
					}
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(workload.reportInterval)
		defer ticker.Stop()

		var lastReads, lastWrites int64
		last := time.Now()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				r, w := reads.Load(), writes.Load()
				secs := now.Sub(last).Seconds()
				report(h, m, float64(r-lastReads)/secs, float64(w-lastWrites)/secs)
				lastReads, lastWrites, last = r, w, now
			}
		}
	})

	cmdUtil.Logger.Infof("workload started: %d readers, %d writers, %d keys", workload.readers, workload.writers, workload.keys)
	if err := g.Wait(); err != nil {
		return err
	}

	// flush outstanding callbacks before the host goes down
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Barrier(flushCtx); err != nil {
		cmdUtil.Logger.Warningf("callbacks left behind on shutdown: %v", err)
	}

	if srv != nil {
		_ = srv.Shutdown(flushCtx)
	}

	fmt.Printf("\n%d reads, %d writes\n", reads.Load(), writes.Load())
	return printStats(h, m)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func keyName(i int) string {
	return fmt.Sprintf("key-%d", i)
}

// serveMetrics exposes the host metrics, pprof and a JSON stats endpoint
func serveMetrics(h *host.Host, m *rcumap.Map[int64]) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
		h.WritePrometheus(w)
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsView(h, m))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              runCmdConfig.Endpoint,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cmdUtil.Logger.Errorf("metrics endpoint failed: %v", err)
		}
	}()

	cmdUtil.Logger.Infof("serving metrics on http://%s/metrics", runCmdConfig.Endpoint)
	return srv
}

type stats struct {
	Host host.Stats   `json:"host"`
	Map  rcumap.Stats `json:"map"`
}

func statsView(h *host.Host, m *rcumap.Map[int64]) stats {
	return stats{Host: h.Stats(), Map: m.Stats()}
}

// report logs one line per class
func report(h *host.Host, m *rcumap.Map[int64], readsPerSec, writesPerSec float64) {
	s := h.Stats()
	ms := m.Stats()
	cmdUtil.Logger.Infof("%.0f reads/s, %.0f writes/s, snapshots retired %d reclaimed %d",
		readsPerSec, writesPerSec, ms.Retired, ms.Reclaimed)
	for _, c := range s.Classes {
		lat := s.Synchronize[c.Class]
		cmdUtil.Logger.Infof("[%s] grace periods %d/%d, queued %d, synchronize p50 %s p99 %s",
			c.Class, c.Completed, c.Current, c.Queued, lat.P50, lat.P99)
	}
}

// printStats prints the final statistics as JSON
func printStats(h *host.Host, m *rcumap.Map[int64]) error {
	out, err := json.MarshalIndent(statsView(h, m), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// orbit-bench drives a single orbit with a trivial summing checker and
// reports call throughput and latency.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/behrlich/orbit"
	"github.com/behrlich/orbit/internal/logging"
)

func main() {
	var (
		areaSize = flag.Int("area-size", 4096, "Area size in bytes")
		calls    = flag.Int("calls", 100000, "number of calls to dispatch")
		verbose  = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	area, err := orbit.NewArea(*areaSize, orbit.ModeCoW, orbit.AllocatorLinear)
	if err != nil {
		logger.Error("failed to create area", "error", err)
		os.Exit(1)
	}
	defer area.Close()

	p, err := area.Alloc(16)
	if err != nil {
		logger.Error("failed to alloc", "error", err)
		os.Exit(1)
	}
	vals := (*[2]int64)(p)
	vals[0], vals[1] = 19, 23

	params := orbit.DefaultParams(sumEntry)
	params.Name = "bench"
	params.Areas = []*orbit.Area{area}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o, err := orbit.CreateOrbit(ctx, params)
	if err != nil {
		logger.Error("failed to create orbit", "error", err)
		os.Exit(1)
	}
	defer o.Destroy()

	logger.Info("orbit created", "name", o.Name(), "state", o.State())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	start := time.Now()
	completed := 0
loop:
	for i := 0; i < *calls; i++ {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal, stopping early")
			break loop
		default:
		}

		res, err := o.Call(ctx, nil, orbit.FlagNone)
		if err != nil {
			logger.Error("call failed", "error", err)
			continue
		}
		if res.Err != nil {
			logger.Error("checker error", "error", res.Err)
			continue
		}
		completed++
	}
	elapsed := time.Since(start)

	snap := o.Metrics().Snapshot()
	fmt.Printf("calls completed: %d in %s\n", completed, elapsed)
	fmt.Printf("avg latency: %dns  p50: %dns  p99: %dns\n",
		snap.AvgLatencyNs, snap.LatencyP50Ns, snap.LatencyP99Ns)
	fmt.Printf("snapshot bytes: %d  errors: %d\n", snap.SnapshotBytes, snap.SnapshotErrors)
}

func sumEntry(ctx context.Context, cc *orbit.CallContext, arg []byte) ([]byte, error) {
	var total int64
	for _, snap := range cc.Snapshots {
		b := snap.Bytes()
		for i := 0; i+8 <= len(b); i += 8 {
			total += int64(binary.LittleEndian.Uint64(b[i : i+8]))
		}
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, uint64(total))
	return out, nil
}

// Command loadtest hammers the router with concurrent producers and
// consumers while forcing topology switches mid-traffic, then reports
// admission, drop and latency statistics. It exists to verify the no-loss
// switch path under load on a real host, not just in unit tests.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/runtime/internal/coordinator"
	"github.com/apex/runtime/internal/runtime"
)

type stats struct {
	routed    uint64
	rejected  uint64
	delivered uint64
	switches  uint64
	aborted   uint64
}

func main() {
	numMessages := flag.Int("messages", 100_000, "messages to route")
	producers := flag.Int("producers", 8, "concurrent producers")
	switchEvery := flag.Duration("switch-every", 200*time.Millisecond, "interval between switch requests")
	quiesce := flag.Duration("quiesce", 50*time.Millisecond, "quiesce deadline")
	report := flag.Duration("report", 2*time.Second, "stats reporting interval")
	flag.Parse()

	slog.Info("starting router load test",
		"messages", *numMessages,
		"producers", *producers,
		"switch_every", *switchEvery,
	)

	router := runtime.NewRouter(runtime.DefaultRouterConfig())
	engine := runtime.NewSwitchEngine(router, runtime.SwitchConfig{QuiesceDeadline: *quiesce}, nil)
	coord := coordinator.New(engine, coordinator.Config{DwellMinSteps: 1, CooldownSteps: 0}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st stats
	var latMu sync.Mutex
	var latencies []time.Duration

	// Consumers: one per role, draining as fast as possible.
	var consumerWG sync.WaitGroup
	for _, role := range runtime.Roles {
		consumerWG.Add(1)
		go func(agent runtime.AgentID) {
			defer consumerWG.Done()
			for {
				msg, err := router.DequeueContext(ctx, agent)
				if err != nil {
					return
				}
				atomic.AddUint64(&st.delivered, 1)
				if sent, ok := msg.Payload["sent_ns"].(int64); ok {
					lat := time.Duration(time.Now().UnixNano() - sent)
					latMu.Lock()
					latencies = append(latencies, lat)
					latMu.Unlock()
				}
			}
		}(role)
	}

	// Producers: random sender/recipient pairs inside the team.
	var producerWG sync.WaitGroup
	perProducer := *numMessages / *producers
	for p := 0; p < *producers; p++ {
		producerWG.Add(1)
		go func(seed int64) {
			defer producerWG.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perProducer; i++ {
				sender := runtime.Roles[rng.Intn(len(runtime.Roles))]
				recipient := runtime.Roles[rng.Intn(len(runtime.Roles))]
				if recipient == sender {
					recipient = runtime.RolePlanner
				}
				msg, err := runtime.NewMessage("loadtest", sender, recipient,
					map[string]interface{}{"seq": i, "sent_ns": time.Now().UnixNano()}, 0)
				if err != nil {
					continue
				}
				if err := router.Route(msg); err != nil {
					atomic.AddUint64(&st.rejected, 1)
					continue
				}
				atomic.AddUint64(&st.routed, 1)
			}
		}(int64(p) + 1)
	}

	// Switch driver: cycle star -> chain -> flat while traffic flows.
	go func() {
		targets := []runtime.Topology{runtime.TopologyChain, runtime.TopologyFlat, runtime.TopologyStar}
		ticker := time.NewTicker(*switchEvery)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				coord.Tick(ctx)
				outcome := coord.RequestSwitch(ctx, targets[i%len(targets)])
				switch outcome.Status {
				case coordinator.StatusCommitted:
					atomic.AddUint64(&st.switches, 1)
				case coordinator.StatusAborted:
					atomic.AddUint64(&st.aborted, 1)
				}
			}
		}
	}()

	// Periodic reporting.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(*report)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				topo, epoch := router.Active()
				slog.Info("progress",
					"routed", atomic.LoadUint64(&st.routed),
					"delivered", atomic.LoadUint64(&st.delivered),
					"rejected", atomic.LoadUint64(&st.rejected),
					"switches", atomic.LoadUint64(&st.switches),
					"aborted", atomic.LoadUint64(&st.aborted),
					"topology", string(topo),
					"epoch", uint64(epoch),
				)
			}
		}
	}()

	start := time.Now()
	producerWG.Wait()

	// Let consumers drain the tail, then stop everything.
	for i := 0; i < 100; i++ {
		if atomic.LoadUint64(&st.delivered) >= atomic.LoadUint64(&st.routed) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	consumerWG.Wait()
	close(done)
	elapsed := time.Since(start)

	printResults(&st, router, latencies, elapsed)
}

func printResults(st *stats, router *runtime.Router, latencies []time.Duration, elapsed time.Duration) {
	counters := router.Counters()
	topo, epoch := router.Active()

	fmt.Println("\n=== Load Test Results ===")
	fmt.Printf("Elapsed:        %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Routed:         %d\n", st.routed)
	fmt.Printf("Delivered:      %d\n", st.delivered)
	fmt.Printf("Rejected:       %d\n", st.rejected)
	fmt.Printf("Switches:       %d committed, %d aborted\n", st.switches, st.aborted)
	fmt.Printf("Final topology: %s (epoch %d)\n", topo, epoch)
	fmt.Printf("Throughput:     %.0f msg/s\n", float64(st.delivered)/elapsed.Seconds())
	for reason, n := range counters.Dropped {
		fmt.Printf("Dropped[%s]: %d\n", reason, n)
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		pct := func(p float64) time.Duration {
			idx := int(p * float64(len(latencies)-1))
			return latencies[idx]
		}
		fmt.Printf("Latency p50:    %v\n", pct(0.50).Round(time.Microsecond))
		fmt.Printf("Latency p95:    %v\n", pct(0.95).Round(time.Microsecond))
		fmt.Printf("Latency p99:    %v\n", pct(0.99).Round(time.Microsecond))
	}
}

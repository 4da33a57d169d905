// Package main — cmd/oht50-latency/main.go
//
// E-Stop trip latency measurement tool.
//
// Measures the wall-clock duration of a TriggerEmergencyStop call, repeated
// over many iterations against the in-memory HAL fakes. The monitor
// de-energises the relay output before that call returns, so the duration
// bounds the software-side contribution to trip latency; it does not
// include real GPIO/relay actuation time, which lives outside this
// repository.
//
// Method, per iteration:
//  1. If the relays are de-energised, clear the software latch and Reset.
//  2. Record start := time.Now().
//  3. Call TriggerEmergencyStop.
//  4. latency := time.Since(start) once the call returns.
//
// Output: per-iteration CSV to a file, summary percentiles to stdout.
// Exits 1 if p99 exceeds the configured threshold (default 2ms).
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/oht50/firmware/internal/clock"
	"github.com/oht50/firmware/internal/hal"
	"github.com/oht50/firmware/internal/safety"
)

func main() {
	iterations := flag.Int("iterations", 10000, "Number of E-Stop trip/reset cycles to measure")
	outputFile := flag.String("output", "estop_latency_raw.csv", "Output CSV file path")
	thresholdUs := flag.Int("threshold-us", 2000, "p99 latency threshold in microseconds; exit 1 if exceeded")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"iteration", "latency_us"})

	relays := &hal.FakeRelays{}
	estop := &hal.FakeEStop{}
	leds := &hal.FakeLEDs{}

	mon, err := safety.New(safety.Config{
		EstopInput: estop,
		LEDs:       leds,
		Relays:     relays,
		Clock:      clock.Monotonic{},
		Log:        zap.NewNop(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "safety.New: %v\n", err)
		os.Exit(1)
	}

	samples := make([]int, *iterations)
	for i := 0; i < *iterations; i++ {
		if !relays.Energised() {
			// Recovery is a deliberate two-step action: acknowledge and
			// clear the software latch, then Reset. The hardware line was
			// never asserted for this software-triggered trip, so Reset
			// would otherwise refuse forever.
			if err := mon.ProcessEvent(safety.EventEstopRelease, "latency-bench reset"); err != nil {
				fmt.Fprintf(os.Stderr, "ProcessEvent(EventEstopRelease): %v\n", err)
				os.Exit(1)
			}
			if err := mon.Reset(); err != nil {
				fmt.Fprintf(os.Stderr, "Reset: %v\n", err)
				os.Exit(1)
			}
		}

		start := time.Now()
		if err := mon.TriggerEmergencyStop("latency-bench"); err != nil {
			fmt.Fprintf(os.Stderr, "TriggerEmergencyStop: %v\n", err)
			os.Exit(1)
		}
		elapsed := time.Since(start)

		latencyUs := int(elapsed.Microseconds())
		samples[i] = latencyUs
		_ = w.Write([]string{strconv.Itoa(i), strconv.Itoa(latencyUs)})
	}

	p50, p95, p99 := computePercentiles(samples)

	fmt.Printf("E-Stop Trip Latency Results (%d iterations)\n", *iterations)
	fmt.Printf("  p50: %dus\n", p50)
	fmt.Printf("  p95: %dus\n", p95)
	fmt.Printf("  p99: %dus\n", p99)
	fmt.Printf("  Output: %s\n", *outputFile)

	if p99 > *thresholdUs {
		fmt.Fprintf(os.Stderr, "FAIL: p99 %dus exceeds %dus threshold\n", p99, *thresholdUs)
		os.Exit(1)
	}
}

// computePercentiles sorts a copy of samples and returns p50/p95/p99.
func computePercentiles(samples []int) (p50, p95, p99 int) {
	sorted := append([]int(nil), samples...)
	insertionSort(sorted)
	n := len(sorted)
	if n == 0 {
		return 0, 0, 0
	}
	idx := func(pct float64) int {
		i := int(pct * float64(n))
		if i >= n {
			i = n - 1
		}
		return i
	}
	return sorted[idx(0.50)], sorted[idx(0.95)], sorted[idx(0.99)]
}

func insertionSort(a []int) {
	for i := 1; i < len(a); i++ {
		v := a[i]
		j := i - 1
		for j >= 0 && a[j] > v {
			a[j+1] = a[j]
			j--
		}
		a[j+1] = v
	}
}

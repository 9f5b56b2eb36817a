package kv

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/swarmKV/cmd/util"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for swarm nodes",
		Long:    "",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfOps              = 1000
	perfSkip             = make([]string, 0)
)

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. create,read)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the update-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("How many operations to perform per test"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = viper.GetInt("keys")
	perfNumThreads = viper.GetInt("threads")
	perfOps = viper.GetInt("ops")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for swarm nodes")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Operations per test: %d\n", perfOps)
	fmt.Println()

	fmt.Println("starting tests...")

	// Create results map
	results := make(map[string]metrics.Timer)

	// The benchmark records expire on their own should a run die mid-test
	record := func(name string, fn func(i int) error) {
		timer := benchmark(name, fn)
		results[name] = timer
		printResult(name, timer)
	}

	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)

	record("create", func(i int) error {
		return swarm.Create(db(), uniqueKey("create", i), value, 120)
	})

	// prepare a shared key spread for the read style tests
	getKey, iter := getKeys("shared")
	iter(func(k string) {
		if err := swarm.Create(db(), k, value, 120); err != nil {
			log.Printf("(prepare) - error creating key: %v\n", err)
		}
	})

	record("update", func(i int) error {
		return swarm.Update(db(), getKey(i), value, 120)
	})

	record("update-large", func(i int) error {
		return swarm.Update(db(), getKey(i), largeValue, 120)
	})

	record("read", func(i int) error {
		_, _, err := swarm.Read(db(), getKey(i))
		return err
	})

	record("quickread", func(i int) error {
		_, _, err := swarm.QuickRead(db(), getKey(i))
		return err
	})

	record("has", func(i int) error {
		_, err := swarm.Has(db(), getKey(i))
		return err
	})

	record("has-not", func(i int) error {
		_, err := swarm.Has(db(), uniqueKey("missing", i))
		return err
	})

	record("mixed", func(i int) error {
		switch i % 4 {
		case 0:
			return swarm.Update(db(), getKey(i), value, 120)
		case 1:
			_, _, err := swarm.Read(db(), getKey(i))
			return err
		case 2:
			_, _, err := swarm.QuickRead(db(), getKey(i))
			return err
		default:
			_, err := swarm.Has(db(), getKey(i))
			return err
		}
	})

	// every delete hits a key of its own
	if !shouldSkip("delete") {
		for i := 0; i < perfOps; i++ {
			if err := swarm.Create(db(), uniqueKey("delete", i), value, 120); err != nil {
				log.Printf("(prepare) - error creating key: %v\n", err)
			}
		}
	}
	record("delete", func(i int) error {
		return swarm.Delete(db(), uniqueKey("delete", i))
	})

	// Write results to csv if specified
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
// Helper
// --------------------------------------------------------------------------

// benchmark runs fn perfOps times across perfNumThreads goroutines and
// returns the timer its latencies were recorded on. Skipped tests return a
// timer with no samples.
func benchmark(name string, fn func(i int) error) metrics.Timer {
	timer := metrics.NewTimer()
	if shouldSkip(name) {
		return timer
	}

	var counter int64 = -1
	var wg sync.WaitGroup
	for t := 0; t < perfNumThreads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&counter, 1))
				if i >= perfOps {
					return
				}
				timer.Time(func() {
					if err := fn(i); err != nil {
						log.Printf("(%s) - operation failed: %v\n", name, err)
					}
				})
			}
		}()
	}
	wg.Wait()

	return timer
}

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// uniqueKey never repeats across tests within one run
func uniqueKey(prefix string, i int) string {
	return fmt.Sprintf("%s-%s-%d-%d", perfKeyPrefix, prefix, os.Getpid(), i)
}

// creates an array of test keys and functions to work with them
func getKeys(prefix string) (func(int) string, func(func(string))) {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}

	// Function to get a key by index (with wraparound)
	getKey := func(i int) string {
		return keys[i%perfKeySpread]
	}

	// Function to iterate over all keys and apply a function to each
	iterateKeys := func(fn func(string)) {
		for _, key := range keys {
			fn(key)
		}
	}

	return getKey, iterateKeys
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, timer metrics.Timer) {
	if timer.Count() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	mean := time.Duration(int64(timer.Mean()))
	p95 := time.Duration(int64(timer.Percentile(0.95)))
	p99 := time.Duration(int64(timer.Percentile(0.99)))

	fmt.Printf("%-20s%s/op\tp95=%s\tp99=%s\t%.0f ops/sec\n",
		test, mean, p95, p99, timer.RateMean())
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]metrics.Timer) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	config := util.GetClientConfig()

	// Write header
	header := []string{
		"Test", "Count", "MeanNs", "P95Ns", "P99Ns", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Database", "Serializer",
		"Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, timer := range results {
		row := []string{
			test,
			strconv.FormatInt(timer.Count(), 10),
			fmt.Sprintf("%.0f", timer.Mean()),
			fmt.Sprintf("%.0f", timer.Percentile(0.95)),
			fmt.Sprintf("%.0f", timer.Percentile(0.99)),
			fmt.Sprintf("%.0f", timer.RateMean()),
			strconv.FormatBool(timer.Count() == 0),
			strings.Join(config.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.RetryCount),
			strconv.Itoa(config.ConnectionsPerEndpoint),
			db(),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

// Command bench drives append load against a raftwal.Log, recording
// per-request latencies in an HdrHistogram and writing the distribution
// to a file for plotting.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"github.com/benmathews/bench"
	hdrhistogram_writer "github.com/benmathews/hdrhistogram-writer"

	"github.com/appcoreopc/incubator-ratis/raftwal"
	"github.com/appcoreopc/incubator-ratis/raftwal/types"
)

// appendRequester drives AppendEntry calls against a shared Log, waiting
// for each entry's future before reporting the request complete so the
// recorded latency includes the worker's fsync, not just the enqueue.
type appendRequester struct {
	log     *raftwal.Log
	nextIdx *uint64
	term    uint64
	payload []byte
}

func (r *appendRequester) Setup() error    { return nil }
func (r *appendRequester) Teardown() error { return nil }

func (r *appendRequester) Request() error {
	idx := atomic.AddUint64(r.nextIdx, 1)
	fut, err := r.log.AppendEntry(types.LogEntry{Term: r.term, Index: idx, Data: r.payload})
	if err != nil {
		return err
	}
	_, err = fut.Wait()
	return err
}

type appendRequesterFactory struct {
	log       *raftwal.Log
	nextIdx   *uint64
	term      uint64
	entrySize int
}

func (f *appendRequesterFactory) GetRequester(number uint64) bench.Requester {
	return &appendRequester{
		log:     f.log,
		nextIdx: f.nextIdx,
		term:    f.term,
		payload: make([]byte, f.entrySize),
	}
}

func main() {
	dir := flag.String("dir", "", "storage directory for the benchmark log (temp dir if empty)")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration")
	concurrency := flag.Uint64("concurrency", 4, "concurrent appenders")
	requestRate := flag.Uint64("rate", 1000, "target requests/sec across all workers")
	entrySize := flag.Int("entry-size", 256, "entry payload size in bytes")
	segmentSize := flag.Int("segment-size", int(raftwal.DefaultSegmentSize), "segment.size.max in bytes, to profile rotation")
	outFile := flag.String("out", "append-latencies.hgrm", "HdrHistogram distribution output file")
	flag.Parse()

	tempDir := *dir == ""
	if tempDir {
		tmp, err := os.MkdirTemp("", "raftwal-bench-*")
		if err != nil {
			fmt.Fprintln(os.Stderr, "mkdir temp:", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		*dir = tmp
	}

	l, err := raftwal.Open(*dir, 0, nil, raftwal.WithSegmentSize(uint32(*segmentSize)))
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer l.Close()

	var nextIdx uint64
	factory := &appendRequesterFactory{log: l, nextIdx: &nextIdx, term: 1, entrySize: *entrySize}

	b := bench.NewBenchmark(factory, *requestRate, *concurrency, *duration, 0)
	summary, err := b.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "run:", err)
		os.Exit(1)
	}
	fmt.Println(summary)

	var latencies *hdrhistogram.Histogram = summary.SuccessHistogram
	fmt.Printf("p50=%dus p99=%dus p99.9=%dus mean=%.1fus\n",
		latencies.ValueAtQuantile(50),
		latencies.ValueAtQuantile(99),
		latencies.ValueAtQuantile(99.9),
		latencies.Mean())

	if err := hdrhistogram_writer.WriteDistributionFile(latencies, nil, 1.0, *outFile); err != nil {
		fmt.Fprintln(os.Stderr, "write histogram:", err)
	}
}

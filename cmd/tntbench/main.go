// Command tntbench drives a YCSB-shaped write workload against the Txn
// manager of an in-process single-node System, adapted from benchmark/ycsb.go's
// YCSBClient/YCSBStmt pair: a Zipfian key generator feeds concurrent
// clients that each track the keys they've dirtied with a golang-set
// set, same bookkeeping shape as benchmark/tpc.go's TPCClient.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/pingcap/go-ycsb/pkg/generator"

	"github.com/tarantool/tntcore/config"
	"github.com/tarantool/tntcore/row"
	"github.com/tarantool/tntcore/system"
)

var (
	clients    int
	records    int
	skew       float64
	duration   time.Duration
	syncWrites bool
	logDir     string
)

func init() {
	flag.IntVar(&clients, "c", 8, "number of concurrent clients")
	flag.IntVar(&records, "records", 10000, "keyspace size the zipfian generator draws from")
	flag.Float64Var(&skew, "skew", 0.9, "zipfian skew factor")
	flag.DurationVar(&duration, "duration", 10*time.Second, "how long to run the load")
	flag.BoolVar(&syncWrites, "sync", false, "mark every statement as touching a synchronous space")
	flag.StringVar(&logDir, "log_dir", "", "journal directory (a temp dir is used when empty)")
}

// bench tracks per-client dirtied keys with a golang-set set the same
// way TPCClient tracks needStock/payed/allOrderIDs, and aggregates
// commit counts/latency across the run.
type bench struct {
	sys *system.System

	committed int64
	failed    int64
	latencyNs int64
}

type client struct {
	id   int
	from *bench
	r    *rand.Rand
	zip  *generator.Zipfian
	keys mapset.Set
}

func (c *client) run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		key := c.zip.Next(c.r)
		c.keys.Add(key)

		tx := c.from.sys.Txn.Begin()
		st, err := tx.AddStatement(row.TypeInsert, "YCSB_MAIN", nil, []byte(strconv.FormatInt(key, 10)))
		if err != nil {
			atomic.AddInt64(&c.from.failed, 1)
			continue
		}
		st.Sync = syncWrites
		st.Row = &row.Row{Type: row.TypeInsert, Group: row.GroupDefault, Body: []byte(strconv.FormatInt(key, 10))}

		start := time.Now()
		err = tx.Commit(context.Background())
		elapsed := time.Since(start)

		if err != nil {
			atomic.AddInt64(&c.from.failed, 1)
			continue
		}
		atomic.AddInt64(&c.from.committed, 1)
		atomic.AddInt64(&c.from.latencyNs, elapsed.Nanoseconds())
	}
}

func main() {
	flag.Parse()

	dir := logDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "tntbench-wal-*")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	cfg := config.Default()
	cfg.LogDir = dir
	cfg.SelfID = 1
	cfg.SyncQuorum = 1

	sys, err := system.New(cfg, nil, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer sys.Close()

	b := &bench{sys: sys}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := &client{
			id:   i,
			from: b,
			r:    rand.New(rand.NewSource(int64(i) + 1)),
			zip:  generator.NewZipfianWithRange(0, int64(records-1), skew),
			keys: mapset.NewSet(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.run(stop)
		}()
	}

	time.Sleep(duration)
	close(stop)
	wg.Wait()

	committed := atomic.LoadInt64(&b.committed)
	failed := atomic.LoadInt64(&b.failed)
	var avgLatency time.Duration
	if committed > 0 {
		avgLatency = time.Duration(atomic.LoadInt64(&b.latencyNs) / committed)
	}
	fmt.Printf("committed=%d failed=%d throughput=%.1f/s avg_latency=%s\n",
		committed, failed, float64(committed)/duration.Seconds(), avgLatency)
}

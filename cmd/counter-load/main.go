package main

// Fires concurrent POST /write at a running counter-api and checks that the
// counter moved by exactly the number of successful writes.
// Assumes nobody else writes or resets the counter during the run.

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/tckz/counter-api/internal/client"
	"github.com/tckz/counter-api/internal/log"
	vh "github.com/tckz/vegetahelper"
	vegeta "github.com/tsenart/vegeta/v12/lib"
	"go.uber.org/zap"
)

var (
	myName  = filepath.Base(os.Args[0])
	logger  *zap.SugaredLogger
	version string
)

var (
	optRate = &vh.RateFlag{
		Rate: &vegeta.Rate{
			Freq: 30,
			Per:  1 * time.Second,
		}}
	optDuration = flag.Duration("duration", 10*time.Second, "Duration of the test [0 = forever]")
	optOutput   = flag.String("output", "", "/path/to/results.bin or 'stdout'")
	optWorkers  = flag.Uint64("workers", vegeta.DefaultWorkers, "Number of workers")
	optLogLevel = flag.String("log-level", "info", "info|warn|error")
	optTarget   = flag.String("target", "http://localhost:5000", "base URL of counter-api")
	optReset    = flag.Bool("reset", false, "reset the counter before attacking")
)

func init() {
	godotenv.Load()

	flag.Var(optRate, "rate", "Number of requests per time unit")
	flag.Parse()

	logger = log.Must(log.NewLogger(log.WithLogLevel(*optLogLevel))).Sugar().With(zap.String("app", myName))
}

type nopWriteCloser struct {
	io.Writer
}

func (c nopWriteCloser) Close() error {
	return nil
}

func openResultFile(out string) (io.WriteCloser, error) {
	switch out {
	case "":
		return &nopWriteCloser{io.Discard}, nil
	case "stdout":
		return &nopWriteCloser{os.Stdout}, nil
	default:
		return os.Create(out)
	}
}

func main() {
	logger.Infof("ver=%s, args=%s", version, os.Args)
	defer logger.Infof("done")

	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		logger.Fatalf("*** API_KEY must be specified.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hc := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: int(*optWorkers),
		},
	}
	cl := client.New(*optTarget, apiKey, client.WithHTTPClient(hc))

	if *optReset {
		if err := cl.Reset(ctx); err != nil {
			logger.Fatalf("*** Reset: %v", err)
		}
	}

	before, err := cl.Read(ctx)
	if err != nil {
		logger.Fatalf("*** Read: %v", err)
	}
	logger.Infof("before=%s", humanize.Comma(before))

	var succeeded, failed int64
	atk := vh.NewAttacker(func(ctx context.Context) (result *vh.HitResult, retErr error) {
		if _, err := cl.Write(ctx); err != nil {
			atomic.AddInt64(&failed, 1)
			return nil, err
		}
		atomic.AddInt64(&succeeded, 1)
		return result, nil
	}, vh.WithWorkers(*optWorkers))
	res := atk.Attack(ctx, *optRate.Rate, *optDuration, "counter-write")

	out, err := openResultFile(*optOutput)
	if err != nil {
		logger.Fatal(err)
	}
	defer out.Close()
	enc := vegeta.NewEncoder(out)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var metrics vegeta.Metrics
loop:
	for {
		select {
		case s := <-sig:
			logger.Infof("Received signal: %s", s)
			cancel()
			// keep loop until 'res' is closed.
		case r, ok := <-res:
			if !ok {
				break loop
			}
			metrics.Add(r)
			if err := enc.Encode(r); err != nil {
				logger.Errorf("*** Encode: %v", err)
				break loop
			}
		}
	}
	metrics.Close()

	// the attack context may be canceled by now
	rctx, rcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer rcancel()
	after, err := cl.Read(rctx)
	if err != nil {
		logger.Fatalf("*** Read: %v", err)
	}

	ok := atomic.LoadInt64(&succeeded)
	ng := atomic.LoadInt64(&failed)
	logger.With(
		zap.String("mean", metrics.Latencies.Mean.String()),
		zap.String("p50", metrics.Latencies.P50.String()),
		zap.String("p99", metrics.Latencies.P99.String()),
		zap.String("max", metrics.Latencies.Max.String()),
	).Infof("requests=%s, succeeded=%s, failed=%s, rate=%.1f/s",
		humanize.Comma(int64(metrics.Requests)), humanize.Comma(ok), humanize.Comma(ng), metrics.Rate)

	// a write that failed on the client side may still have been applied
	got := after - before
	if got < ok || got > ok+ng {
		logger.Fatalf("*** counter moved by %s, want %s..%s (before=%d, after=%d)",
			humanize.Comma(got), humanize.Comma(ok), humanize.Comma(ok+ng), before, after)
	}
	if got != ok {
		logger.Warnf("%s failed writes were applied anyway", humanize.Comma(got-ok))
	}
	fmt.Fprintf(os.Stdout, "OK: %s increments applied, counter=%s\n", humanize.Comma(ok), humanize.Comma(after))
}

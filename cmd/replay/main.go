package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"pharmaledger/internal/cache"
	"pharmaledger/internal/config"
	"pharmaledger/internal/scenario"
	"pharmaledger/internal/service"
	"pharmaledger/internal/store"
	"pharmaledger/internal/store/memory"
	pgstore "pharmaledger/internal/store/postgres"
	"pharmaledger/internal/txn"
)

func main() {
	scenarioPath := flag.String("scenario", "", "path to a JSON scenario to replay")
	flag.Parse()
	if *scenarioPath == "" {
		log.Fatal("usage: replay -scenario <file.json>")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	script, err := scenario.Load(*scenarioPath)
	if err != nil {
		log.Fatalf("load scenario: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closers, err := buildService(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	report, runErr := scenario.NewRunner(svc, cfg.Scope()).Run(ctx, script)
	printReport(os.Stdout, report)

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	if runErr != nil {
		log.Fatalf("replay aborted: %v", runErr)
	}
	if !report.OK() {
		os.Exit(1)
	}
}

// buildService wires the ledger onto Postgres when DATABASE_URL is set and
// onto the seeded in-memory store otherwise. Redis backs idempotency keys when
// it answers a ping.
func buildService(ctx context.Context, cfg config.Config) (*service.Service, []func() error, error) {
	var st store.Transactor
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pg, err := pgstore.New(dialCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable (%v) and DATABASE_URL is set; refusing to replay against the in-memory store", err)
		}
		if cfg.DatabaseAutoMigrate {
			if err := pg.Migrate(dialCtx); err != nil {
				_ = pg.Close()
				return nil, nil, err
			}
		}
		st = pg
		closers = append(closers, pg.Close)
		log.Println("store: postgres")
	} else {
		st = memory.NewSeeded(cfg.Scope())
		log.Println("store: in-memory (seeded)")
	}

	idem := cache.IdempotencyCache(cache.NewLocalIdempotencyCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisIdempotencyCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), keeping idempotency keys in process", err)
			_ = redisCache.Close()
		} else {
			idem = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("idempotency cache: redis")
		}
	} else {
		log.Println("idempotency cache: local")
	}

	coord := txn.New(st,
		txn.WithMaxAttempts(cfg.TxMaxAttempts),
		txn.WithBackoff(cfg.BaseBackoff(), cfg.MaxBackoff()),
	)
	svc := service.New(coord,
		service.WithIdempotencyCache(idem, cfg.IdempotencyTTL()),
		service.WithExpiredSales(cfg.AllowExpiredSales),
	)
	return svc, closers, nil
}

func printReport(w io.Writer, report scenario.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tACTION\tENTITY\tRESULT")
	for i, s := range report.Steps {
		label := s.Label
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}
		result := "ok"
		if s.Err != nil {
			result = scenario.ErrorClass(s.Err) + ": " + s.Err.Error()
		}
		if !s.OK {
			result = "UNEXPECTED " + result
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", label, s.Action, s.EntityID, result)
	}
	_ = tw.Flush()

	fmt.Fprintln(w)
	for _, b := range report.Balances {
		fmt.Fprintf(w, "supplier %s balance %s recomputed %s %s\n", b.SupplierID, b.Stored.StringFixed(2), b.Recomputed.StringFixed(2), verdict(b.Matches()))
	}
	for _, c := range report.Stock {
		fmt.Fprintf(w, "medicine %s stock %d in batches %d %s\n", c.MedicineID, c.Stored, c.InBatches, verdict(c.Matches()))
	}
	if report.OK() {
		fmt.Fprintln(w, "replay OK")
	} else {
		fmt.Fprintln(w, "replay FAILED")
	}
}

func verdict(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISMATCH"
}

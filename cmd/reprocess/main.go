// Command reprocess starts new processing jobs for one asset or for every
// asset without a usable job.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/therealutkarshpriyadarshi/lecturevod/internal/app"
	"github.com/therealutkarshpriyadarshi/lecturevod/internal/config"
)

func main() {
	var (
		configPath string
		assetID    string
		all        bool
		dryRun     bool
	)

	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "Path to config.yaml (default $CONFIG_PATH or config.yaml)")
	flag.StringVar(&assetID, "asset", "", "Asset to reprocess")
	flag.BoolVar(&all, "all", false, "Reprocess every asset whose newest job failed or that has no job")
	flag.BoolVar(&dryRun, "dry-run", false, "List the assets without starting jobs")
	flag.Parse()

	if (assetID == "") == !all {
		fatalf("exactly one of -asset or -all is required")
	}
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("load config: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		fatalf("reprocess needs a shared database; database.driver is memory")
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		fatalf("create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatalf("initialize services: %v", err)
	}
	defer svc.Close()

	ids, err := selectAssets(ctx, svc.Store, assetID, all)
	if err != nil {
		fatalf("select assets: %v", err)
	}
	if len(ids) == 0 {
		fmt.Println("Nothing to reprocess.")
		return
	}

	if dryRun {
		for _, id := range ids {
			fmt.Println(id)
		}
		return
	}

	jobs, err := startAll(ctx, svc.Tracker, ids)
	for _, job := range jobs {
		fmt.Printf("Started job %s for asset %s\n", job.ID, job.AssetID)
	}
	if svc.Queue == nil {
		fmt.Println("Jobs are pending; a worker picks them up on its next sweep.")
	}
	if err != nil {
		svc.Close()
		fatalf("%v", err)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

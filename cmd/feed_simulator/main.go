package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stock_trader/internal/pricing"
	"stock_trader/pkg/feedsim"
	"stock_trader/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	addr := flag.String("addr", ":8090", "Listen address")
	interval := flag.Duration("interval", time.Second, "Event emission interval")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random walk seed")
	origins := flag.String("origins", "", "Comma-separated browser origin whitelist")
	production := flag.Bool("prod", false, "Reject wildcard origins")
	logLevel := flag.String("log-level", "INFO", "Log level")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("feed_simulator version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	_ = godotenv.Load()

	logger, err := logging.NewZapLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	var allowedOrigins []string
	for _, o := range strings.Split(*origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}

	logger.Info("Starting feed_simulator",
		"version", version,
		"addr", *addr,
		"interval", interval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := feedsim.NewHub(logger)
	go hub.Run(ctx)

	sim := feedsim.NewSimulator(hub, *interval, pricing.DefaultPrice, *seed, logger)
	go sim.Run(ctx)

	server := feedsim.NewServer(hub, logger, allowedOrigins)
	server.SetProduction(*production)

	if err := server.Start(ctx, *addr); err != nil {
		logger.Error("Feed simulator exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Feed simulator stopped")
}

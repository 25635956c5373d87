// Command timemond is the userspace half of the accounting engine: it loads
// a rule-attachment config, installs each identity, and serves the binary
// GET/SET control protocol over a Unix-domain socket while a maintenance
// ticker sweeps idle identities for backward clock jumps and timezone
// shifts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/gargoyle-router/timemond/internal/accountant"
	"github.com/gargoyle-router/timemond/internal/clock"
	"github.com/gargoyle-router/timemond/internal/coordinator"
	"github.com/gargoyle-router/timemond/internal/corrector"
	"github.com/gargoyle-router/timemond/internal/ctlserver"
	"github.com/gargoyle-router/timemond/internal/hostapi"
	"github.com/gargoyle-router/timemond/internal/identity"
	"github.com/gargoyle-router/timemond/internal/log"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/timemond/rules.yaml", "path to the rule-attachment YAML config")
	socketPath := flag.String("socket", "/run/timemond.sock", "unix socket path for the control channel")
	maintenanceInterval := flag.Duration("maintenance-interval", 30*time.Second,
		"interval between corrector sweeps of identities with no live packet traffic")
	dumpIdentityFlag := flag.String("dump-identity", "", "print one identity's per-IP usage/history and exit")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "timemond %s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\nOptions:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Printf("timemond %s\n", Version)
		os.Exit(0)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Logger.Level(level).With().Str("version", Version).Logger()

	rules, err := loadConfig(*configPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("loading config")
	}

	store := identity.NewStore()
	coord := coordinator.New()
	clk := clock.SystemClock{}
	corr := corrector.New(store, coord)
	acc := accountant.New(store, clk, coord, corr)
	engine := &hostapi.Engine{Store: store, Coordinator: coord, Accountant: acc, Clock: clk}

	if err := installRules(engine, rules); err != nil {
		log.Logger.Fatal().Err(err).Msg("installing rules")
	}

	ctlSrv := ctlserver.New(store, coord, clk)

	if *dumpIdentityFlag != "" {
		if err := dumpIdentity(store, coord, *dumpIdentityFlag, os.Stdout); err != nil {
			log.Logger.Fatal().Err(err).Msg("dump-identity")
		}
		return
	}

	_ = os.Remove(*socketPath)
	ln, err := net.Listen("unix", *socketPath)
	if err != nil {
		log.Logger.Fatal().Err(err).Str("socket", *socketPath).Msg("listening on control socket")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return serveControl(gctx, ln, ctlSrv) })
	group.Go(func() error { return runMaintenance(gctx, corr, clk, *maintenanceInterval) })

	log.Logger.Info().Str("socket", *socketPath).Int("identities", len(rules)).Msg("timemond started")
	if err := group.Wait(); err != nil {
		log.Logger.Fatal().Err(err).Msg("fatal")
	}
	log.Logger.Info().Msg("timemond shut down")
}

// runMaintenance periodically probes every registered identity for a
// backward clock jump or timezone shift, so identities with no live packet
// traffic still get corrected (spec's on_match path only probes an
// identity it is actively accounting for).
func runMaintenance(ctx context.Context, corr *corrector.Corrector, clk clock.Clock, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			corr.Probe(clk.Now(), clk.TZOffsetMinutes())
		}
	}
}

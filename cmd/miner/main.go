// Package main implements the gomine miner. It fetches block templates from
// Bitcoin Core, searches them on local CPU workers or an offload device,
// and submits the blocks it finds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/midstate"
	"github.com/bardlex/gomine/internal/miner"
	"github.com/bardlex/gomine/pkg/log"
)

// options are the command-line flags. Everything else comes from the
// config file and the environment.
type options struct {
	ConfigFile   string `short:"C" long:"config" description:"Path to a TOML configuration file"`
	TemplateFile string `short:"t" long:"template-file" description:"Mine a single template read from a JSON file and exit"`
	Once         bool   `long:"once" description:"Mine one template from the node and exit"`
	DryRun       bool   `long:"dry-run" description:"Validate and record solutions without submitting them"`
	ShowVersion  bool   `short:"V" long:"version" description:"Display version information and exit"`
}

func parseOptions(args []string) (*options, error) {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag)
	rest, err := parser.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", rest)
	}
	return &opts, nil
}

func main() {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.LoadFile(opts.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if opts.ShowVersion {
		fmt.Printf("%s %s\n", cfg.ServiceName, cfg.Version)
		return
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, opts, logger); err != nil {
		logger.WithError(err).Error("miner failed")
		os.Exit(1)
	}
	logger.Info("miner stopped")
}

func run(cfg *config.Config, opts *options, logger *log.Logger) error {
	midstate.UseSIMD(cfg.UseSIMD)

	params, err := bitcoin.ParamsForNetwork(cfg.Network)
	if err != nil {
		return err
	}
	logger.Info("starting miner",
		"version", cfg.Version,
		"network", params.Name,
		"bitcoin_host", cfg.BitcoinRPCHost,
		"bitcoin_port", cfg.BitcoinRPCPort,
		"offload", cfg.OffloadTransport,
	)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create Bitcoin RPC client
	node, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
	if err != nil {
		return err
	}
	defer node.Close()

	if opts.TemplateFile == "" {
		pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
		err := node.Ping(pingCtx)
		pingCancel()
		if err != nil {
			return fmt.Errorf("failed to connect to Bitcoin Core: %w", err)
		}
		logger.Info("connected to Bitcoin Core")
	}

	backends, err := newBackends(cfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.WithError(err).Warn("failed to close databases")
		}
	}()
	if backends.device != nil {
		backends.device.OnDispatch(store.RecordDispatch)
	}
	store.StartPeriodicTasks(ctx, backends.primary.Name(), time.Minute)

	publisher := newPublisher(cfg, logger)
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.WithError(err).Warn("failed to close publisher")
		}
	}()

	minerOpts := []miner.Option{miner.WithStore(store), miner.WithPublisher(publisher)}
	if backends.fallback != nil {
		minerOpts = append(minerOpts, miner.WithFallback(backends.fallback))
	}
	m := miner.New(minerConfig(cfg, params, opts), node, backends.primary, logger, minerOpts...)

	switch {
	case opts.TemplateFile != "":
		tmpl, err := loadTemplateFile(opts.TemplateFile)
		if err != nil {
			return err
		}
		return mineOnce(ctx, m, tmpl, logger)

	case opts.Once:
		tmpl, err := m.FetchTemplate(ctx)
		if err != nil {
			return err
		}
		return mineOnce(ctx, m, tmpl, logger)
	}

	if cfg.BitcoinZMQAddr != "" {
		stopNotifier, err := startNotifier(ctx, cfg.BitcoinZMQAddr, m, logger)
		if err != nil {
			return err
		}
		defer stopNotifier()
	}

	err = m.Run(ctx)
	stop()
	return err
}

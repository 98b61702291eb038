package main

import (
	"context"
	"os"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gomine/internal/bitcoin"
	"github.com/bardlex/gomine/internal/config"
	"github.com/bardlex/gomine/internal/database"
	"github.com/bardlex/gomine/internal/database/influx"
	"github.com/bardlex/gomine/internal/messaging"
	"github.com/bardlex/gomine/internal/miner"
	"github.com/bardlex/gomine/internal/offload"
	"github.com/bardlex/gomine/internal/search"
	"github.com/bardlex/gomine/internal/work"
	"github.com/bardlex/gomine/pkg/log"
)

// backends holds the search backends selected by configuration.
type backends struct {
	primary  miner.Backend
	fallback miner.Backend
	device   *offload.Device
}

func (b *backends) Close() {
	if b.device != nil {
		_ = b.device.Close()
	}
}

// newBackends selects the offload device when one is configured, with the
// local engine as fallback, and the local engine alone otherwise. A device
// that cannot be opened is fatal unless fallback is enabled.
func newBackends(cfg *config.Config, logger *log.Logger) (*backends, error) {
	if logger == nil {
		logger = log.Nop()
	}
	engine := search.NewEngine(search.Config{
		Workers:        cfg.Workers,
		SampleInterval: uint32(cfg.SampleInterval),
	}, logger)

	if cfg.OffloadTransport == config.OffloadNone {
		return &backends{primary: engine}, nil
	}

	transport, err := openTransport(cfg)
	if err != nil {
		if !cfg.OffloadFallback {
			return nil, err
		}
		logger.WithError(err).Warn("offload device unavailable, mining locally",
			"transport", cfg.OffloadTransport,
			"endpoint", cfg.OffloadEndpoint)
		return &backends{primary: engine}, nil
	}

	var policy offload.TargetPolicy
	if prefix := cfg.TargetPrefix(); prefix != nil {
		reduced, err := offload.NewPrefixReduction(prefix)
		if err != nil {
			_ = transport.Close()
			return nil, err
		}
		policy = reduced
	}

	device := offload.NewDevice(cfg.OffloadEndpoint, transport, policy, logger)
	b := &backends{primary: offload.NewRunner(device, logger), device: device}
	if cfg.OffloadFallback {
		b.fallback = engine
	}
	return b, nil
}

func openTransport(cfg *config.Config) (offload.Transport, error) {
	switch cfg.OffloadTransport {
	case config.OffloadStream:
		t, err := offload.OpenStream(cfg.OffloadEndpoint)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.OffloadTCP:
		t, err := offload.DialStream(cfg.OffloadEndpoint, cfg.OffloadDialTimeout)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		t, err := offload.NewZMQTransport(cfg.OffloadEndpoint)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

func newStore(ctx context.Context, cfg *config.Config, logger *log.Logger) (*database.Manager, error) {
	dbCfg := &database.Config{
		PostgresURL: cfg.PostgresURL,
		RedisURL:    cfg.RedisURL,
		RedisPrefix: cfg.ServiceName,
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return database.NewManager(ctx, dbCfg, logger)
}

func newPublisher(cfg *config.Config, logger *log.Logger) messaging.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return messaging.NopPublisher{}
	}
	return messaging.NewKafkaClient(cfg.KafkaBrokers, messaging.Encoding(cfg.EventEncoding), logger)
}

// minerConfig maps configuration onto the miner. A zero search timeout
// leaves passes unbounded in time.
func minerConfig(cfg *config.Config, params *chaincfg.Params, opts *options) miner.Config {
	timeout := cfg.SearchTimeout
	if timeout == 0 {
		timeout = work.NoTimeout
	}
	return miner.Config{
		Builder: work.BuilderOptions{
			CoinbaseMessage: []byte(cfg.CoinbaseMessage),
			RewardAddress:   cfg.RewardAddress,
			Params:          params,
			Timeout:         timeout,
			HeightPrefix:    cfg.HeightPrefix,
		},
		Params:       params,
		PollInterval: cfg.TemplatePollInterval,
		DryRun:       opts.DryRun,
	}
}

// loadTemplateFile reads a getblocktemplate-shaped JSON document.
func loadTemplateFile(path string) (*work.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := work.DecodeTemplateJSON(data)
	if err != nil {
		return nil, err
	}
	return work.ParseTemplate(raw)
}

func mineOnce(ctx context.Context, m *miner.Miner, tmpl *work.Template, logger *log.Logger) error {
	pass, err := m.MineTemplate(ctx, tmpl)
	if err != nil {
		return err
	}
	res := pass.Result
	logger.Info("single pass finished",
		"backend", pass.Backend,
		"reason", res.Reason.String(),
		"trials", res.Trials,
		"block_hash", pass.BlockHash,
		"accepted", pass.Accepted)
	if pass.SubmitErr != nil {
		return pass.SubmitErr
	}
	return nil
}

// startNotifier subscribes to hashblock notifications and forwards them to
// m until ctx is done. The returned func waits for the listener to stop and
// closes the socket.
func startNotifier(ctx context.Context, endpoint string, m *miner.Miner, logger *log.Logger) (func(), error) {
	notifier, err := bitcoin.NewZMQNotifier(endpoint, logger)
	if err != nil {
		return nil, err
	}
	if err := notifier.Subscribe("hashblock"); err != nil {
		_ = notifier.Close()
		return nil, err
	}
	if err := notifier.Connect(); err != nil {
		_ = notifier.Close()
		return nil, err
	}

	handler := bitcoin.NewBlockNotificationHandler(logger)
	handler.SetNewBlockHandler(m.NotifyBlock)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := notifier.Listen(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("ZMQ listener stopped")
		}
	}()
	return func() {
		<-done
		_ = notifier.Close()
	}, nil
}

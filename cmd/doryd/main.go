// Command doryd is the producer-side daemon: it accepts client frames
// over local IPC, batches and compresses them, and forwards them to
// Kafka brokers with the pipeline described in internal/.
package main

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/doryd/doryd/internal/anomaly"
	"github.com/doryd/doryd/internal/batch"
	"github.com/doryd/doryd/internal/broker"
	"github.com/doryd/doryd/internal/compress"
	"github.com/doryd/doryd/internal/config"
	"github.com/doryd/doryd/internal/dispatcher"
	"github.com/doryd/doryd/internal/hostres"
	"github.com/doryd/doryd/internal/ingest"
	"github.com/doryd/doryd/internal/logging"
	"github.com/doryd/doryd/internal/message"
	"github.com/doryd/doryd/internal/metadata"
	"github.com/doryd/doryd/internal/pool"
	"github.com/doryd/doryd/internal/ratelimit"
	"github.com/doryd/doryd/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("doryd: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, reopener, err := logging.New(logging.Config{
		Level:    cfg.Logging.Level,
		Pretty:   cfg.Logging.StdoutStderr,
		FilePath: cfg.Logging.FilePath,
		FileMode: os.FileMode(cfg.Logging.FileMode),
	})
	if err != nil {
		os.Stderr.WriteString("doryd: " + err.Error() + "\n")
		os.Exit(1)
	}
	if reopener != nil {
		defer reopener.Close()
	}

	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting doryd")

	if err := run(cfg, logger, reopener); err != nil {
		logger.Fatal().Err(err).Msg("doryd exited with error")
	}
}

func run(cfg *config.Conf, logger zerolog.Logger, reopener *logging.ReopenableFile) error {
	blockPool := pool.New(cfg.PoolBlockSize, cfg.PoolBlockCount)
	tracker := anomaly.New(prometheus.DefaultRegisterer)

	metadataPtr := metadata.NewPointer()

	limiters := ratelimit.NewTopicLimiters(cfg.TopicRate.DefaultInterval, cfg.TopicRate.TopicOverrides)

	codecFor := codecLookup(cfg)

	dispatcherHolder := &dispatcherRef{}
	requesterHolder := &autoCreateRequesterRef{}
	rt := router.New(metadataPtr, dispatcherHolder, tracker, limiters, blockPool, cfg.AutoCreateTopics, requesterHolder)

	refresher := metadata.New(metadata.Config{
		Seeds:           seedBrokers(cfg.InitialBrokers),
		RefreshInterval: cfg.Metadata.RefreshInterval,
		BackoffMin:      cfg.Metadata.BackoffMin,
		BackoffInitial:  cfg.Metadata.BackoffInitial,
		BackoffMax:      cfg.Metadata.BackoffMax,
		RequestTimeout:  cfg.Metadata.RequestTimeout,
		Pointer:         metadataPtr,
		Router:          rt,
		Dispatcher:      dispatcherHolder,
		Logger:          logger.With().Str("component", "metadata").Logger(),
	})
	requesterHolder.set(refresher)

	newConnector := func(brokerID int32, addr string, notifier broker.RebalanceNotifier) *broker.Connector {
		limits := batch.Limits{
			TimeLimit: cfg.Batch.TimeLimit,
			MaxCount:  cfg.Batch.MaxCount,
			MaxBytes:  cfg.Batch.MaxBytes,
		}
		var source batch.Source
		if len(cfg.Batch.PerTopicTopics) > 0 {
			source = batch.NewPerTopicBatcher(limits, nil)
		} else {
			source = batch.NewCombinedBatcher(limits, nil)
		}
		builder := batch.NewProduceBuilder(codecFor, cfg.Compression.SizeThresholdPercent, cfg.Batch.MessageMaxBytes, cfg.RequiredAcks, int32(cfg.ProduceTimeout/time.Millisecond))
		return broker.New(broker.Config{
			BrokerID:            brokerID,
			Addr:                addr,
			Source:              source,
			Builder:             builder,
			Pool:                blockPool,
			Tracker:             tracker,
			MaxFailedDeliveries: cfg.MaxFailedDeliveries,
			DialTimeout:         10 * time.Second,
			ReadTimeout:         30 * time.Second,
			ShutdownMaxDelay:    cfg.ShutdownMaxDelay,
			Notifier:            notifier,
			Logger:              logger.With().Str("component", "connector").Logger(),
		})
	}

	disp := dispatcher.New(dispatcher.Config{
		MetadataPtr:  metadataPtr,
		Router:       rt,
		NewConnector: newConnector,
		Tracker:      tracker,
		Logger:       logger.With().Str("component", "dispatcher").Logger(),
	})
	dispatcherHolder.set(disp)

	// Starts against whatever the Pointer holds, normally still Empty: no
	// connectors yet. The first metadata refresh below fills in brokers and
	// drives a rebalance that spawns them, rather than this call blocking on
	// a successful fetch.
	if err := disp.Start(metadataPtr.Load()); err != nil {
		logger.Warn().Err(err).Msg("initial dispatcher start had no reachable broker; metadata refresh will retry")
	}

	refreshStop := make(chan struct{})
	go refresher.Run(refreshStop)

	routerQueue := make(chan *message.Message, 4096)
	go ingest.Pump(routerQueue, rt)

	readers, err := startIngestEndpoints(cfg, blockPool, tracker, rt, routerQueue, logger)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		switch sig {
		case syscall.SIGHUP:
			if reopener != nil {
				if err := reopener.Reopen(); err != nil {
					logger.Error().Err(err).Msg("log reopen failed")
				}
			}
		default:
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
			readers.stop()
			close(refreshStop)
			close(routerQueue)
			disp.StartSlowShutdown()
			disp.JoinAll()
			return nil
		}
	}
	return nil
}

// dispatcherRef breaks the otherwise-circular construction order: the
// router and the metadata refresher both need a handle to the
// dispatcher, but the dispatcher's own Config needs the router already
// built. set is called exactly once, right after dispatcher.New.
type dispatcherRef struct {
	d *dispatcher.Dispatcher
}

func (r *dispatcherRef) set(d *dispatcher.Dispatcher) { r.d = d }

func (r *dispatcherRef) Dispatch(msg *message.Message, brokerID int32) error {
	return r.d.Dispatch(msg, brokerID)
}

func (r *dispatcherRef) TriggerRebalance() { r.d.TriggerRebalance() }

// autoCreateRequesterRef breaks the router/metadata construction cycle the
// same way dispatcherRef does: the router needs an AutoCreateRequester at
// construction, but the concrete *metadata.Refresher needs the router
// (as a RouterNotifier) in its own Config.
type autoCreateRequesterRef struct {
	r *metadata.Refresher
}

func (a *autoCreateRequesterRef) set(r *metadata.Refresher) { a.r = r }

func (a *autoCreateRequesterRef) RequestAutoCreate(topic string) { a.r.RequestAutoCreate(topic) }

func seedBrokers(addrs []config.BrokerAddr) []metadata.SeedBroker {
	out := make([]metadata.SeedBroker, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, metadata.SeedBroker{Host: a.Host, Port: int32(a.Port)})
	}
	return out
}

// codecLookup builds the per-topic compression codec resolver the
// produce builder consults for every batch, falling back through
// topic override -> named default -> none.
func codecLookup(cfg *config.Conf) batch.CodecLookup {
	resolve := func(name string) compress.Codec {
		kind, ok := compress.ParseKind(name)
		if !ok {
			return nil
		}
		codec, ok := compress.ForKind(kind)
		if !ok {
			return nil
		}
		return codec
	}
	defaultCodec := resolve(cfg.Compression.DefaultTopic)

	return func(topic string) compress.Codec {
		if name, ok := cfg.Compression.TopicOverrides[topic]; ok {
			return resolve(name)
		}
		return defaultCodec
	}
}

type ingestEndpoints struct {
	datagram *ingest.DatagramReader
	stream   *ingest.StreamListener
	workers  *ingest.WorkerPool
	stopCh   chan struct{}
}

func (e *ingestEndpoints) stop() {
	close(e.stopCh)
	if e.datagram != nil {
		e.datagram.Close()
	}
	if e.stream != nil {
		e.stream.Close()
	}
	if e.workers != nil {
		e.workers.Stop()
	}
}

func startIngestEndpoints(cfg *config.Conf, p *pool.Pool, tracker *anomaly.Tracker, rt *router.Router, queue chan *message.Message, logger zerolog.Logger) (*ingestEndpoints, error) {
	endpoints := &ingestEndpoints{stopCh: make(chan struct{})}

	if cfg.DatagramSocketPath != "" {
		dr, err := ingest.NewDatagramReader(ingest.DatagramConfig{
			SocketPath:      cfg.DatagramSocketPath,
			MaxDatagramSize: cfg.Batch.MessageMaxBytes,
			Pool:            p,
			Tracker:         tracker,
			Router:          rt,
			Queue:           queue,
			Logger:          logger.With().Str("component", "ingest-datagram").Logger(),
		})
		if err != nil {
			return nil, err
		}
		endpoints.datagram = dr
		go dr.Run(endpoints.stopCh)
	}

	if cfg.StreamSocketPath != "" || cfg.TCPListenAddr != "" {
		guard := hostres.NewGuard(cfg.HostRes.CPURejectThreshold, logger.With().Str("component", "hostres").Logger())
		guard.Start(cfg.HostRes.SampleInterval)

		workers := ingest.NewWorkerPool(4, 64, 256, 2*time.Minute, logger.With().Str("component", "ingest-workers").Logger())
		endpoints.workers = workers

		streamCfg := ingest.StreamConfig{
			MaxFrameSize: cfg.Batch.MessageMaxBytes,
			Pool:         p,
			Tracker:      tracker,
			Router:       rt,
			Queue:        queue,
			Guard:        guard,
			Workers:      workers,
			Logger:       logger.With().Str("component", "ingest-stream").Logger(),
		}

		if cfg.StreamSocketPath != "" {
			ln, err := ingest.NewUnixStreamListener(cfg.StreamSocketPath, streamCfg)
			if err != nil {
				return nil, err
			}
			endpoints.stream = ln
			go ln.Run(endpoints.stopCh)
		} else {
			ln, err := ingest.NewTCPListener(cfg.TCPListenAddr, streamCfg)
			if err != nil {
				return nil, err
			}
			endpoints.stream = ln
			go ln.Run(endpoints.stopCh)
		}
	}

	return endpoints, nil
}

// Package runner assembles a delivery worker and its collaborators from
// configuration.
package runner

import (
	"context"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/backpressure/internal/config"
	"github.com/austindbirch/backpressure/internal/db"
	"github.com/austindbirch/backpressure/internal/deadletter"
	"github.com/austindbirch/backpressure/internal/delivery"
	"github.com/austindbirch/backpressure/internal/health"
	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/source"
	"github.com/austindbirch/backpressure/internal/transport"
)

// Components is everything one delivery run needs. Close releases the
// connections Build opened.
type Components struct {
	Source        delivery.RequestSource
	Transport     delivery.Transport
	TransportName string
	Sinks         []delivery.DeadLetterSink
	Store         *deadletter.PostgresStore // nil unless Postgres dead letters are enabled
	Health        map[string]health.Pinger

	closers []func()
}

func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Build connects the configured transport and dead letter sinks. On error
// anything already opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *logging.Logger) (_ *Components, err error) {
	gen := source.NewGenerator(cfg.Source.Count, cfg.Source.PayloadBytes)
	c := &Components{
		Source: gen,
		Health: make(map[string]health.Pinger),
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	var producer *nsq.Producer
	if cfg.Transport.Kind == transport.KindNSQ || cfg.DeadLetter.PublishNSQ {
		producer, err = transport.NewNSQProducer(cfg.NSQ.NsqdTCPAddr)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, producer.Stop)
		c.Health["nsqd"] = health.PingFunc(func(context.Context) error { return producer.Ping() })
	}

	switch cfg.Transport.Kind {
	case transport.KindHTTP:
		c.Transport = transport.NewHTTPTransport(transport.HTTPConfig{
			URL:             cfg.Transport.EndpointURL,
			Secret:          cfg.Transport.SigningSecret,
			SignatureHeader: cfg.Transport.SignatureHeader,
			TimestampHeader: cfg.Transport.TimestampHeader,
			Timeout:         cfg.Transport.Timeout,
		})
	case transport.KindNSQ:
		c.Transport = transport.NewNSQTransport(producer, cfg.NSQ.RequestsTopic)
	case transport.KindRedis:
		rdb, rerr := transport.NewRedisClient(ctx, transport.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if rerr != nil {
			return nil, rerr
		}
		c.closers = append(c.closers, func() { _ = rdb.Close() })
		c.Health["redis"] = health.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		c.Transport = transport.NewRedisTransport(rdb, cfg.Redis.ListKey)
	case transport.KindSQS:
		sqsTransport, serr := transport.NewSQSTransport(ctx, cfg.SQS.QueueURL)
		if serr != nil {
			return nil, serr
		}
		c.Transport = sqsTransport
	default:
		return nil, fmt.Errorf("unknown transport %q (want http, nsq, redis or sqs)", cfg.Transport.Kind)
	}
	c.TransportName = cfg.Transport.Kind

	if cfg.NeedsDB() {
		pool, derr := db.Connect(ctx, cfg.DSN())
		if derr != nil {
			return nil, derr
		}
		c.closers = append(c.closers, pool.Close)
		c.Health["database"] = pool

		c.Store = deadletter.NewPostgresStore(pool)
		if err = c.Store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		c.Sinks = append(c.Sinks, c.Store)
	}
	if cfg.DeadLetter.PublishNSQ {
		c.Sinks = append(c.Sinks, deadletter.NewNSQSink(producer, cfg.NSQ.DLQTopic))
	}

	sinkNames := make([]string, 0, len(c.Sinks))
	for _, s := range c.Sinks {
		sinkNames = append(sinkNames, s.Name())
	}
	logger.Plain().WithTransport(c.TransportName).WithFields(map[string]any{
		"requests":          gen.Remaining(),
		"dead_letter_sinks": sinkNames,
	}).Info("components ready")

	return c, nil
}

// WorkerConfig maps the environment worker settings onto delivery.Config.
func WorkerConfig(w config.Worker) delivery.Config {
	return delivery.Config{
		RetryBudget:     w.RetryBudget,
		BackoffSchedule: w.BackoffSchedule,
		JitterPercent:   w.JitterPercent,
		Silent:          w.Silent,
	}
}

// NewWorker wires the components into a delivery worker.
func (c *Components) NewWorker(w config.Worker, logger *logging.Logger) *delivery.Worker {
	return delivery.NewWorker(c.Source, c.Transport,
		delivery.WithConfig(WorkerConfig(w)),
		delivery.WithLogger(logger),
		delivery.WithTransportName(c.TransportName),
		delivery.WithDeadLetterSinks(c.Sinks...),
	)
}

// Run builds the components, performs one delivery run and releases them.
func Run(ctx context.Context, cfg config.Config, logger *logging.Logger) (delivery.Result, error) {
	c, err := Build(ctx, cfg, logger)
	if err != nil {
		return delivery.Result{}, err
	}
	defer c.Close()
	return c.NewWorker(cfg.Worker, logger).Run(ctx)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/backpressure/internal/config"
	"github.com/austindbirch/backpressure/internal/logging"
	"github.com/austindbirch/backpressure/internal/transport"
)

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

// ListLengther is the subset of redis.Cmdable the monitor needs.
type ListLengther interface {
	LLen(ctx context.Context, key string) *redis.IntCmd
}

// monitor samples the backlog that broker transports leave behind: NSQ topic
// and channel depth for the request and dead letter topics, and the length of
// the Redis request list.
type monitor struct {
	httpClient   *http.Client
	nsqdHTTPAddr string
	topics       map[string]bool
	redis        ListLengther
	listKey      string

	topicDepth      *prometheus.GaugeVec
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	listLength      *prometheus.GaugeVec
}

func newMonitor(cfg config.Config, rdb ListLengther) *monitor {
	return &monitor{
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		nsqdHTTPAddr: cfg.NSQ.NsqdHTTPAddr,
		topics:       map[string]bool{cfg.NSQ.RequestsTopic: true, cfg.NSQ.DLQTopic: true},
		redis:        rdb,
		listKey:      cfg.Redis.ListKey,

		topicDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backpressure_nsq_topic_depth",
			Help: "Messages waiting in an NSQ topic",
		}, []string{"topic"}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backpressure_nsq_channel_depth",
			Help: "Depth of NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backpressure_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels by topic and channel",
		}, []string{"topic", "channel"}),
		listLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backpressure_redis_list_length",
			Help: "Requests waiting in the Redis request list",
		}, []string{"key"}),
	}
}

func (m *monitor) register(reg prometheus.Registerer) {
	reg.MustRegister(m.topicDepth, m.channelDepth, m.channelInflight, m.listLength)
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("backpressure-queue-monitor")

	ctx := context.Background()
	var rdb ListLengther
	client, err := transport.NewRedisClient(ctx, transport.RedisOptions{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Plain().WithError(err).Warn("redis unavailable, list length will not be reported")
	} else {
		defer client.Close()
		rdb = client
	}

	m := newMonitor(cfg, rdb)
	reg := prometheus.NewRegistry()
	m.register(reg)

	logger.Plain().WithFields(map[string]any{
		"nsqd":     cfg.NSQ.NsqdHTTPAddr,
		"interval": cfg.Monitor.PollInterval.String(),
		"port":     cfg.Monitor.Port,
	}).Info("queue monitor starting")

	go m.collect(ctx, cfg.Monitor.PollInterval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	srv := &http.Server{Addr: cfg.Monitor.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("queue monitor HTTP server failed")
	}
}

func (m *monitor) collect(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.updateNSQ(ctx); err != nil {
			logger.Plain().WithError(err).Error("Error updating NSQ metrics")
		}
		if err := m.updateRedis(ctx); err != nil {
			logger.Plain().WithError(err).Error("Error updating Redis metrics")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *monitor) updateNSQ(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/stats?format=json", m.nsqdHTTPAddr), nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd stats returned status %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.TopicName] {
			continue
		}
		m.topicDepth.WithLabelValues(topic.TopicName).Set(float64(topic.Depth))
		for _, channel := range topic.Channels {
			m.channelDepth.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, channel.ChannelName).Set(float64(channel.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) updateRedis(ctx context.Context) error {
	if m.redis == nil {
		return nil
	}
	n, err := m.redis.LLen(ctx, m.listKey).Result()
	if err != nil {
		return fmt.Errorf("redis llen %s: %w", m.listKey, err)
	}
	m.listLength.WithLabelValues(m.listKey).Set(float64(n))
	return nil
}

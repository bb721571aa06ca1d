package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/austindbirch/parcelhook/internal/logging"
	"github.com/austindbirch/parcelhook/internal/metrics"
)

// nsqStats is the part of nsqd's /stats?format=json the monitor reads
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd for the tasks topic's channel depths
type Monitor struct {
	statsURL string
	topic    string
	channel  string
	interval time.Duration
	client   *http.Client
	log      *logging.Logger
}

func NewMonitor(statsURL, topic, channel string, interval time.Duration, log *logging.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		statsURL: statsURL,
		topic:    topic,
		channel:  channel,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		log:      log,
	}
}

// StatsURL derives nsqd's HTTP stats endpoint from its TCP address; the
// HTTP port is the TCP port plus one (4150 -> 4151).
func StatsURL(nsqdTCPAddr string) string {
	host, port, err := net.SplitHostPort(nsqdTCPAddr)
	if err != nil {
		return fmt.Sprintf("http://%s/stats?format=json", nsqdTCPAddr)
	}
	if p, err := strconv.Atoi(port); err == nil {
		port = strconv.Itoa(p + 1)
	}
	return fmt.Sprintf("http://%s/stats?format=json", net.JoinHostPort(host, port))
}

// Run polls until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx); err != nil {
			m.log.Plain().WithError(err).Warn("failed to update NSQ stats")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll reads the stats once and updates the channel gauges
func (m *Monitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, channel := range topic.Channels {
			if channel.ChannelName == m.channel {
				metrics.UpdateBacklog(channel.Depth)
			}
			metrics.UpdateChannel(topic.TopicName, channel.ChannelName, channel.Depth, channel.InFlightCount)
		}
	}
	return nil
}

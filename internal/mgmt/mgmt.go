// Package mgmt reads queue statistics from the RabbitMQ management HTTP API
// and periodically broadcasts them to websocket clients.
package mgmt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mqmon/mqmon/internal/config"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
)

// QueueInfo is one queue's depth and consumer snapshot.
type QueueInfo struct {
	Name          string `json:"name"`
	Messages      int    `json:"messages"`
	MessagesReady int    `json:"messagesReady"`
	MessagesUnack int    `json:"messagesUnacknowledged"`
	Consumers     int    `json:"consumers"`
	Stage         string `json:"stage,omitempty"`
	StageDisplay  string `json:"stageDisplayName,omitempty"`
	IsRetryQueue  bool   `json:"isRetryQueue"`
	IsDeadLetter  bool   `json:"isDeadLetterQueue"`
}

// Snapshot is the full queue view broadcast to clients.
type Snapshot struct {
	Queues      []QueueInfo `json:"queues"`
	CollectedAt time.Time   `json:"collectedAt"`
}

// Client talks to the RabbitMQ management API with basic auth.
type Client struct {
	cfg    *config.Config
	http   *http.Client
	logger logging.ServiceLogger
}

func NewClient(cfg *config.Config, logger logging.ServiceLogger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Queues fetches all queues of the default vhost and enriches the ones that
// belong to the pipeline with stage metadata.
func (c *Client) Queues(ctx context.Context) (*Snapshot, error) {
	endpoint := strings.TrimRight(c.cfg.ManagementURL, "/") + "/api/queues/" + url.PathEscape("/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build management request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ManagementUser, c.cfg.ManagementPassword)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query management api: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("management api returned %s", resp.Status)
	}

	var raw []struct {
		Name          string `json:"name"`
		Messages      int    `json:"messages"`
		MessagesReady int    `json:"messages_ready"`
		MessagesUnack int    `json:"messages_unacknowledged"`
		Consumers     int    `json:"consumers"`
	}
	if err := jsoncodec.Decode(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("decode management response: %w", err)
	}

	snap := &Snapshot{CollectedAt: time.Now().UTC()}
	for _, q := range raw {
		if !strings.HasPrefix(q.Name, "processes.") {
			continue
		}
		info := QueueInfo{
			Name:          q.Name,
			Messages:      q.Messages,
			MessagesReady: q.MessagesReady,
			MessagesUnack: q.MessagesUnack,
			Consumers:     q.Consumers,
			IsRetryQueue:  strings.HasSuffix(q.Name, ".retry"),
			IsDeadLetter:  strings.HasSuffix(q.Name, ".dlq") || q.Name == event.WorkerDLQ || q.Name == event.MonitorDLQ,
		}
		if stage, ok := c.stageForQueue(q.Name); ok {
			info.Stage = stage.Name
			info.StageDisplay = stage.DisplayName
		}
		snap.Queues = append(snap.Queues, info)
	}
	return snap, nil
}

func (c *Client) stageForQueue(queue string) (config.StageDefinition, bool) {
	base := strings.TrimSuffix(strings.TrimSuffix(queue, ".retry"), ".dlq")
	for _, s := range c.cfg.Stages {
		if s.QueueName == base {
			return s, true
		}
	}
	return config.StageDefinition{}, false
}

// Broadcaster receives queue snapshots; the websocket hub implements it.
type Broadcaster interface {
	Broadcast(frameType string, payload any)
}

// Poller periodically fetches a queue snapshot and pushes it to clients.
type Poller struct {
	client   *Client
	hub      Broadcaster
	interval time.Duration
	logger   logging.ServiceLogger
}

func NewPoller(client *Client, hub Broadcaster, interval time.Duration, logger logging.ServiceLogger) *Poller {
	return &Poller{client: client, hub: hub, interval: interval, logger: logger}
}

// Run polls until ctx is cancelled. Poll failures are logged and the next
// tick tries again.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := p.client.Queues(ctx)
			if err != nil {
				p.logger.Error("queue stats poll failed", err, nil)
				continue
			}
			p.hub.Broadcast("queues", snap)
		}
	}
}

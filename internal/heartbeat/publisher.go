// Package heartbeat publishes device liveness and session summaries to the
// program's ledger topics, and consumes the telemetry topic stream to track
// live metered energy for open sessions. All of it is best effort: topic
// failures never block the session workflow.
package heartbeat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"chargehive/internal/ledger"
	"chargehive/internal/models"
)

// Config names the topics and the publishing device.
type Config struct {
	DeviceID       string
	HeartbeatTopic string
	SessionsTopic  string
	// Schedule is a cron spec for heartbeats, e.g. "@every 1m".
	Schedule string
}

// Publisher emits heartbeats on a schedule and settlement summaries on
// demand.
type Publisher struct {
	gateway   ledger.Gateway
	cfg       Config
	logger    *zap.Logger
	scheduler *cron.Cron
}

// NewPublisher builds the publisher.
func NewPublisher(gateway ledger.Gateway, cfg Config, logger *zap.Logger) *Publisher {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	return &Publisher{gateway: gateway, cfg: cfg, logger: logger}
}

type heartbeatMessage struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

type settlementMessage struct {
	Type        string `json:"type"`
	SessionID   string `json:"sessionId"`
	Device      string `json:"device"`
	Participant string `json:"participant"`
	TotalUnits  int64  `json:"totalUnits"`
	Reward      int64  `json:"reward"`
	SettledAt   int64  `json:"settledAt"`
}

// Start schedules heartbeats until ctx is cancelled. When no heartbeat
// topic is configured the publisher provisions fresh topics for the device;
// if provisioning fails the publisher stays disabled.
func (p *Publisher) Start(ctx context.Context) error {
	if p.cfg.HeartbeatTopic == "" {
		if err := p.provisionTopics(ctx); err != nil {
			p.logger.Warn("topic provisioning failed, publisher disabled", zap.Error(err))
			return nil
		}
	}

	p.scheduler = cron.New()
	_, err := p.scheduler.AddFunc(p.cfg.Schedule, func() {
		if err := p.publishHeartbeat(ctx); err != nil {
			p.logger.Warn("heartbeat publish failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	p.scheduler.Start()

	go func() {
		<-ctx.Done()
		p.scheduler.Stop()
	}()
	return nil
}

func (p *Publisher) provisionTopics(ctx context.Context) error {
	receipt, err := p.gateway.Submit(ctx, ledger.CreateTopicOp(uuid.NewString(), p.cfg.DeviceID+" heartbeats"))
	if err != nil {
		return err
	}
	p.cfg.HeartbeatTopic = receipt.TopicID

	if p.cfg.SessionsTopic == "" {
		receipt, err = p.gateway.Submit(ctx, ledger.CreateTopicOp(uuid.NewString(), p.cfg.DeviceID+" sessions"))
		if err != nil {
			return err
		}
		p.cfg.SessionsTopic = receipt.TopicID
	}

	p.logger.Info("ledger topics provisioned",
		zap.String("heartbeat_topic", p.cfg.HeartbeatTopic),
		zap.String("sessions_topic", p.cfg.SessionsTopic))
	return nil
}

func (p *Publisher) publishHeartbeat(ctx context.Context) error {
	payload, err := json.Marshal(heartbeatMessage{
		Type:      "heartbeat",
		DeviceID:  p.cfg.DeviceID,
		Timestamp: time.Now().Unix(),
		Status:    "online",
	})
	if err != nil {
		return err
	}

	op := ledger.PublishMessageOp(uuid.NewString(), p.cfg.HeartbeatTopic, payload)
	receipt, err := p.gateway.Submit(ctx, op)
	if err != nil {
		return err
	}
	p.logger.Debug("heartbeat published",
		zap.String("device_id", p.cfg.DeviceID),
		zap.Uint64("sequence", receipt.TopicSequence))
	return nil
}

// PublishSettlement announces a settled session on the sessions topic.
// Satisfies the orchestrator's SettlementPublisher hook.
func (p *Publisher) PublishSettlement(ctx context.Context, session *models.Session) error {
	if p.cfg.SessionsTopic == "" {
		return nil
	}

	payload, err := json.Marshal(settlementMessage{
		Type:        "settlement",
		SessionID:   session.ID,
		Device:      p.cfg.DeviceID,
		Participant: session.Participant,
		TotalUnits:  session.Quantity,
		Reward:      session.RewardAmount(),
		SettledAt:   time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	op := ledger.PublishMessageOp(uuid.NewString(), p.cfg.SessionsTopic, payload)
	receipt, err := p.gateway.Submit(ctx, op)
	if err != nil {
		return err
	}
	p.logger.Info("settlement published",
		zap.String("session_id", session.ID),
		zap.Uint64("sequence", receipt.TopicSequence))
	return nil
}

package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"chargehive/internal/ledger"
)

// EnergyRecorder stores the latest metered reading for a session.
type EnergyRecorder interface {
	RecordEnergy(ctx context.Context, sessionID string, energy int64) error
}

// telemetryMessage is the energy update published by chargers on the
// sessions topic.
type telemetryMessage struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	SessionID string `json:"sessionId"`
	Energy    int64  `json:"energy"`
	Timestamp int64  `json:"timestamp"`
}

// Monitor consumes the sessions topic stream and tracks live energy per
// open session, so a close request may omit the quantity and fall back to
// the last reported reading.
type Monitor struct {
	recorder EnergyRecorder
	logger   *zap.Logger
}

// NewMonitor builds the monitor.
func NewMonitor(recorder EnergyRecorder, logger *zap.Logger) *Monitor {
	return &Monitor{recorder: recorder, logger: logger}
}

// Handle implements ledger.MessageHandler.
func (m *Monitor) Handle(ctx context.Context, msg ledger.TopicMessage) error {
	var telemetry telemetryMessage
	if err := json.Unmarshal(msg.Payload, &telemetry); err != nil {
		return fmt.Errorf("heartbeat: decode telemetry: %w", err)
	}
	if telemetry.Type != "telemetry" || telemetry.SessionID == "" {
		return nil
	}
	if telemetry.Energy < 0 {
		return fmt.Errorf("heartbeat: negative energy for session %s", telemetry.SessionID)
	}

	if err := m.recorder.RecordEnergy(ctx, telemetry.SessionID, telemetry.Energy); err != nil {
		return err
	}
	m.logger.Debug("energy recorded",
		zap.String("session_id", telemetry.SessionID),
		zap.String("device_id", telemetry.DeviceID),
		zap.Int64("energy", telemetry.Energy))
	return nil
}

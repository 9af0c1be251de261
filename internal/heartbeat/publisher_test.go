package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"chargehive/internal/ledger"
	"chargehive/internal/models"
)

type fakeGateway struct {
	submits  []ledger.Operation
	topicIDs []string
	err      error
}

func (f *fakeGateway) Submit(_ context.Context, op ledger.Operation) (ledger.Receipt, error) {
	if f.err != nil {
		return ledger.Receipt{}, f.err
	}
	f.submits = append(f.submits, op)
	receipt := ledger.Receipt{Status: ledger.StatusSuccess, TopicSequence: uint64(len(f.submits))}
	if op.Kind == models.OpCreateTopic && len(f.topicIDs) > 0 {
		receipt.TopicID = f.topicIDs[0]
		f.topicIDs = f.topicIDs[1:]
	}
	return receipt, nil
}

func (f *fakeGateway) ReceiptByKey(context.Context, string) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.ErrReceiptNotFound
}

func (f *fakeGateway) QuerySessionDetails(context.Context, string, string) (ledger.SessionSnapshot, error) {
	return ledger.SessionSnapshot{}, errors.New("not implemented")
}

func TestPublishSettlement(t *testing.T) {
	gateway := &fakeGateway{}
	reward := int64(300)
	publisher := NewPublisher(gateway, Config{
		DeviceID:      "device-1",
		SessionsTopic: "topic-sessions",
	}, zap.NewNop())

	session := &models.Session{
		ID:          "session-1",
		Participant: "wallet-1",
		Quantity:    150,
		Reward:      &reward,
	}
	if err := publisher.PublishSettlement(context.Background(), session); err != nil {
		t.Fatalf("publish settlement: %v", err)
	}
	if len(gateway.submits) != 1 {
		t.Fatalf("expected 1 submit, got %d", len(gateway.submits))
	}

	op := gateway.submits[0]
	if op.Kind != models.OpPublishMessage {
		t.Fatalf("unexpected op kind %s", op.Kind)
	}
	if op.Params["topic_id"] != "topic-sessions" {
		t.Fatalf("wrong topic: %v", op.Params["topic_id"])
	}
	var msg settlementMessage
	if err := json.Unmarshal([]byte(op.Params["message"].(string)), &msg); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if msg.SessionID != "session-1" || msg.TotalUnits != 150 || msg.Reward != 300 {
		t.Fatalf("unexpected payload: %+v", msg)
	}
}

func TestPublishSettlementSkipsWithoutTopic(t *testing.T) {
	gateway := &fakeGateway{}
	publisher := NewPublisher(gateway, Config{DeviceID: "device-1"}, zap.NewNop())

	if err := publisher.PublishSettlement(context.Background(), &models.Session{ID: "session-1"}); err != nil {
		t.Fatalf("publish settlement: %v", err)
	}
	if len(gateway.submits) != 0 {
		t.Fatalf("expected no submits, got %d", len(gateway.submits))
	}
}

func TestStartProvisionsTopics(t *testing.T) {
	gateway := &fakeGateway{topicIDs: []string{"topic-hb", "topic-sess"}}
	publisher := NewPublisher(gateway, Config{DeviceID: "device-1"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := publisher.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if publisher.cfg.HeartbeatTopic != "topic-hb" {
		t.Fatalf("heartbeat topic not provisioned: %q", publisher.cfg.HeartbeatTopic)
	}
	if publisher.cfg.SessionsTopic != "topic-sess" {
		t.Fatalf("sessions topic not provisioned: %q", publisher.cfg.SessionsTopic)
	}
	if len(gateway.submits) != 2 {
		t.Fatalf("expected 2 create_topic submits, got %d", len(gateway.submits))
	}
	for _, op := range gateway.submits {
		if op.Kind != models.OpCreateTopic {
			t.Fatalf("unexpected op kind %s", op.Kind)
		}
	}
}

func TestStartDisabledWhenProvisioningFails(t *testing.T) {
	gateway := &fakeGateway{err: errors.New("gateway down")}
	publisher := NewPublisher(gateway, Config{DeviceID: "device-1"}, zap.NewNop())

	if err := publisher.Start(context.Background()); err != nil {
		t.Fatalf("start should disable, not fail: %v", err)
	}
	if publisher.scheduler != nil {
		t.Fatal("scheduler started despite failed provisioning")
	}
}

package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReadLimit    = 1024 * 1024
	streamReadDeadline = 60 * time.Second
	streamRedialDelay  = 5 * time.Second
)

// MessageHandler consumes one topic message. Errors are logged, not fatal.
type MessageHandler interface {
	Handle(ctx context.Context, msg TopicMessage) error
}

// TopicStream subscribes to a ledger topic over the gateway's websocket feed
// and delivers messages in consensus order.
type TopicStream struct {
	streamURL string
	topicID   string
	handler   MessageHandler
	logger    *zap.Logger
}

// NewTopicStream builds a stream for one topic.
func NewTopicStream(streamURL, topicID string, handler MessageHandler, logger *zap.Logger) *TopicStream {
	return &TopicStream{
		streamURL: streamURL,
		topicID:   topicID,
		handler:   handler,
		logger:    logger,
	}
}

// Run dials the feed and pumps messages until ctx is cancelled, redialing on
// connection loss.
func (s *TopicStream) Run(ctx context.Context) {
	for {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("topic stream disconnected",
				zap.String("topic_id", s.topicID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRedialDelay):
		}
	}
}

func (s *TopicStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.streamURL+"/v1/topics/"+s.topicID+"/stream", nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	conn.SetReadLimit(streamReadLimit)
	conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadDeadline))
		return nil
	})

	s.logger.Info("topic stream connected", zap.String("topic_id", s.topicID))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(streamReadDeadline))

		var msg TopicMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Warn("malformed topic message",
				zap.String("topic_id", s.topicID), zap.Error(err))
			continue
		}
		if msg.TopicID == "" {
			msg.TopicID = s.topicID
		}
		if err := s.handler.Handle(ctx, msg); err != nil {
			s.logger.Warn("topic message handler failed",
				zap.String("topic_id", s.topicID),
				zap.Uint64("sequence", msg.Sequence),
				zap.Error(err))
		}
	}
}

package notify

import (
	"context"
	"encoding/json"
	"mmbot/internal/logger"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type message struct {
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// KafkaSink mirrors notifications onto a Kafka topic, keyed by notification
// topic. Writes are asynchronous; delivery failures are logged only.
type KafkaSink struct {
	writer *kafka.Writer
	log    *logger.Logger
}

func NewKafkaSink(brokers []string, topic string, log *logger.Logger) *KafkaSink {
	s := &KafkaSink{log: log}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 10 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				s.logEntry().WithError(err).WithField("count", len(messages)).Warn("kafka delivery failed")
			}
		},
	}
	return s
}

func (s *KafkaSink) Notify(topic string, payload any) {
	value, err := json.Marshal(message{Topic: topic, Time: time.Now(), Payload: payload})
	if err != nil {
		s.logEntry().WithError(err).WithField("topic", topic).Warn("kafka encode failed")
		return
	}
	if err := s.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(topic),
		Value: value,
	}); err != nil {
		s.logEntry().WithError(err).WithField("topic", topic).Warn("kafka write failed")
	}
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func (s *KafkaSink) logEntry() *logrus.Entry {
	return s.log.WithComponent("kafka")
}

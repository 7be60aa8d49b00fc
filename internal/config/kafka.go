package config

import (
	"github.com/segmentio/kafka-go"
)

// NewKafkaWriter builds a writer for the given topic against the
// configured broker set.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		AllowAutoTopicCreation: true,
	}
}

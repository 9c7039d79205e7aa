package queue

import (
	"fmt"

	"github.com/howard-nolan/llmgateway/internal/config"
	"github.com/howard-nolan/llmgateway/internal/kv"
)

// New selects and constructs the Bus backing named by cfg.Type ("stream"
// or "log"), per spec §4.3. streamKey/consumerGroup apply to the stream
// backing; the log backing reads its topic/brokers/group from cfg.
func New(cfg config.QueueConfig, kvClient *kv.Client, streamKey, consumerGroup string) (Bus, error) {
	switch cfg.Type {
	case "", "stream":
		return NewStreamBus(kvClient, streamKey, consumerGroup), nil
	case "log":
		topic := cfg.KafkaTopic
		if topic == "" {
			topic = streamKey
		}
		group := cfg.KafkaConsumerGroup
		if group == "" {
			group = consumerGroup
		}
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("queue: type %q requires at least one kafka_brokers entry", cfg.Type)
		}
		return NewKafkaBus(cfg.KafkaBrokers, topic, group)
	default:
		return nil, fmt.Errorf("queue: unknown backing type %q", cfg.Type)
	}
}

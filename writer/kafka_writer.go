package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tradestream/config"
	"tradestream/internal/channel"
	"tradestream/internal/metrics"
	"tradestream/logger"
	"tradestream/models"
)

// messageWriter is the part of *kafka.Writer the relay uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay subscribes to the live feed and writes every event to a
// Kafka topic keyed by symbol.
type KafkaRelay struct {
	broadcaster *channel.Broadcaster
	buffer      int
	writer      messageWriter
	sub         *channel.Subscription
	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
}

func NewKafkaRelay(cfg *appconfig.Config, broadcaster *channel.Broadcaster) (*KafkaRelay, error) {
	kcfg := cfg.Relay.Kafka
	if len(kcfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	kr := &KafkaRelay{
		broadcaster: broadcaster,
		buffer:      cfg.Channels.SubscriberBuffer,
		writer: &kafka.Writer{
			Addr:     kafka.TCP(kcfg.Brokers...),
			Topic:    kcfg.Topic,
			Balancer: &kafka.Hash{},
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	kr.log.WithComponent("kafka_relay").WithFields(logger.Fields{
		"brokers": kcfg.Brokers,
		"topic":   kcfg.Topic,
	}).Debug("kafka relay initialized")
	return kr, nil
}

func (kr *KafkaRelay) Start(ctx context.Context) error {
	kr.mu.Lock()
	if kr.running {
		kr.mu.Unlock()
		return fmt.Errorf("kafka relay already running")
	}
	kr.running = true
	kr.ctx = ctx
	kr.sub = kr.broadcaster.Subscribe(kr.buffer)
	kr.mu.Unlock()

	kr.log.WithComponent("kafka_relay").WithField("subscriber", kr.sub.ID).Info("starting kafka relay")

	kr.wg.Add(1)
	go kr.run(kr.sub)
	return nil
}

func (kr *KafkaRelay) run(sub *channel.Subscription) {
	defer kr.wg.Done()
	log := kr.log.WithComponent("kafka_relay")

	for {
		select {
		case <-kr.ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := kr.write(msg); err != nil {
				log.WithError(err).WithField("symbol", msg.Symbol).Warn("failed to write message")
				metrics.EmitDropMetric(kr.log, metrics.DropMetricKafkaRelay, "binance", msg.Symbol, "kafka")
			}
		}
	}
}

func (kr *KafkaRelay) write(msg models.AggrMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return kr.writer.WriteMessages(kr.ctx, kafka.Message{
		Key:   []byte(msg.Symbol),
		Value: data,
		Time:  msg.Timestamp,
	})
}

func (kr *KafkaRelay) Stop() {
	kr.mu.Lock()
	if !kr.running {
		kr.mu.Unlock()
		return
	}
	kr.running = false
	sub := kr.sub
	kr.mu.Unlock()

	kr.log.WithComponent("kafka_relay").Debug("stopping kafka relay")
	kr.broadcaster.Unsubscribe(sub.ID)
	kr.wg.Wait()
	if err := kr.writer.Close(); err != nil {
		kr.log.WithComponent("kafka_relay").WithError(err).Warn("failed to close kafka writer")
	}
	kr.log.WithComponent("kafka_relay").Debug("kafka relay stopped")
}

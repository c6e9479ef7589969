package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaBus publishes every tenant channel on one topic keyed by channel name.
// Subscribers read each partition directly from the tail without a consumer
// group, so every instance sees every message and nothing is committed.
type KafkaBus struct {
	Brokers []string
	Topic   string
	Writer  *kafka.Writer
	Logger  zerolog.Logger
}

func NewKafkaBus(brokers []string, topic string, logger zerolog.Logger) *KafkaBus {
	return &KafkaBus{
		Brokers: brokers,
		Topic:   topic,
		Writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		Logger: logger,
	}
}

func (b *KafkaBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.Writer.WriteMessages(ctx, kafka.Message{Key: []byte(channel), Value: payload}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe reads the partitions that exist now. The subscription closes as
// soon as any partition reader fails.
func (b *KafkaBus) Subscribe(ctx context.Context, pattern string) (Subscription, error) {
	partitions, err := b.partitions(ctx)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &kafkaSub{ch: make(chan BusMessage), cancel: cancel}
	for _, p := range partitions {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   b.Brokers,
			Topic:     b.Topic,
			Partition: p.ID,
		})
		if err := reader.SetOffset(kafka.LastOffset); err != nil {
			_ = reader.Close()
			_ = sub.Close()
			return nil, fmt.Errorf("seek %s/%d: %w", b.Topic, p.ID, err)
		}
		sub.readers = append(sub.readers, reader)
	}

	sub.wg.Add(len(sub.readers))
	for _, reader := range sub.readers {
		go sub.pump(subCtx, reader, pattern, b.Logger)
	}
	go func() {
		sub.wg.Wait()
		close(sub.ch)
	}()
	return sub, nil
}

func (b *KafkaBus) partitions(ctx context.Context) ([]kafka.Partition, error) {
	if len(b.Brokers) == 0 {
		return nil, errors.New("kafka bus has no brokers")
	}
	var lastErr error
	for _, broker := range b.Brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = fmt.Errorf("dial %s: %w", broker, err)
			continue
		}
		partitions, err := conn.ReadPartitions(b.Topic)
		_ = conn.Close()
		if err != nil {
			lastErr = fmt.Errorf("read partitions of %s: %w", b.Topic, err)
			continue
		}
		if len(partitions) == 0 {
			return nil, fmt.Errorf("topic %s has no partitions", b.Topic)
		}
		return partitions, nil
	}
	return nil, lastErr
}

func (b *KafkaBus) Close() error { return b.Writer.Close() }

type kafkaSub struct {
	readers []*kafka.Reader
	ch      chan BusMessage
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func (s *kafkaSub) pump(ctx context.Context, reader *kafka.Reader, pattern string, logger zerolog.Logger) {
	defer s.wg.Done()
	// one dead partition closes the whole subscription
	defer s.cancel()
	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				logger.Error().Err(err).Int("partition", reader.Config().Partition).Msg("broadcast topic read failed")
			}
			return
		}
		channel := string(m.Key)
		if !matchChannel(pattern, channel) {
			continue
		}
		select {
		case s.ch <- BusMessage{Channel: channel, Payload: m.Value}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *kafkaSub) Messages() <-chan BusMessage { return s.ch }

func (s *kafkaSub) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		errs := make([]error, 0, len(s.readers))
		for _, r := range s.readers {
			errs = append(errs, r.Close())
		}
		err = errors.Join(errs...)
	})
	return err
}

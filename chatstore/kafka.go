package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	kafka "github.com/segmentio/kafka-go"
)

const (
	kafkaReadTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second
)

//go:generate mockgen -destination=mock/kafka.go -package=mock github.com/mqy/minichat/chatstore IKafkaReader,IKafkaWriter

type IKafkaReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

type IKafkaWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaConf configures the kafka journal and ingester.
type KafkaConf struct {
	Brokers []string
	Topic   string
	GroupID string

	// MaxBytes limits encoded message size.
	MaxBytes int
}

func NewKafkaWriter(conf *KafkaConf) *kafka.Writer {
	return kafka.NewWriter(kafka.WriterConfig{
		Brokers:  conf.Brokers,
		Topic:    conf.Topic,
		Balancer: &kafka.Hash{},
		Dialer: &kafka.Dialer{
			Timeout:   kafkaWriteTimeout,
			DualStack: true,
		},
	})
}

func NewKafkaReader(conf *KafkaConf) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: conf.Brokers,
		GroupID: conf.GroupID,
		Topic:   conf.Topic,
		Dialer: &kafka.Dialer{
			Timeout:   kafkaReadTimeout,
			DualStack: true,
		},
	})
}

// KafkaSink publishes messages to kafka, keyed by conversation so that one
// conversation stays in one partition.
type KafkaSink struct {
	Writer   IKafkaWriter
	MaxBytes int
}

func (s KafkaSink) Write(ctx context.Context, msg *Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("error marshal message %s: %w", msg.ID, err)
	}
	if s.MaxBytes > 0 && len(value) > s.MaxBytes {
		return fmt.Errorf("message %s exceeds max limit: %d bytes", msg.ID, s.MaxBytes)
	}

	km := kafka.Message{
		Key:   []byte(ConversationKey(msg.SenderID, msg.ReceiverID)),
		Value: value,
	}
	if err := s.Writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("error write to kafka: %w", err)
	}
	return nil
}

// Ingester consumes journaled messages from kafka and appends them to the store.
// Appends are idempotent by message id, so a record fetched again after a failed
// commit is harmless.
type Ingester struct {
	store       Store
	kafkaReader IKafkaReader
	maxBytes    int
	wg          sync.WaitGroup
	backoff     func(*time.Duration)
}

func NewIngester(store Store, kafkaReader IKafkaReader, maxBytes int) *Ingester {
	return &Ingester{
		store:       store,
		kafkaReader: kafkaReader,
		maxBytes:    maxBytes,
		backoff:     backoff,
	}
}

// Run consumes until ctx is done. It may block at reading kafka message.
func (s *Ingester) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	glog.Info("ingester: starting")

	s.wg.Add(1)
	go s.consumeLoop(ctx)

	<-ctx.Done()

	glog.Info("ingester: stopping")
	_ = s.kafkaReader.Close()
	s.wg.Wait()

	glog.Info("ingester: stopped")
	stopDoneNotifyC <- struct{}{}
}

func (s *Ingester) consumeLoop(ctx context.Context) {
	glog.Info("ingester: consume loop enter")
	defer func() {
		glog.Info("ingester: consume loop exited")
		s.wg.Done()
	}()

	var sleep time.Duration

	// sleepOrDone returns false when ctx is done.
	sleepOrDone := func() bool {
		s.backoff(&sleep)
		select {
		case <-time.After(sleep):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		glog.V(5).Info("ingester: fetching message ...")
		km, err := s.kafkaReader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				glog.V(5).Info("ingester: fetch was cancelled")
				return
			}
			glog.Errorf("ingester: fetch from kafka err: %v", err)
			if !sleepOrDone() {
				return
			}
			continue
		}
		sleep = 0

		// skip bad records, but still commit them.
		if msg := s.decode(&km); msg != nil {
			for {
				if _, err := s.store.AppendMessage(ctx, msg); err == nil {
					sleep = 0
					break
				} else {
					glog.Errorf("ingester: append message %s err: %v", msg.ID, err)
					if ctx.Err() != nil {
						return
					}
					if !sleepOrDone() {
						return
					}
				}
			}
		}

		for {
			if err := s.kafkaReader.CommitMessages(ctx, km); err == nil {
				sleep = 0
				break
			} else {
				// Not committed: it will be fetched again and appended idempotently.
				glog.Errorf("ingester: commit to kafka err: %v", err)
				if ctx.Err() != nil {
					return
				}
				if !sleepOrDone() {
					return
				}
			}
		}
	}
}

func (s *Ingester) decode(km *kafka.Message) *Message {
	if s.maxBytes > 0 && len(km.Value) > s.maxBytes {
		glog.Errorf("ingester: kafka value out of limit, offset: %d, size: %d", km.Offset, len(km.Value))
		return nil
	}
	var msg Message
	if err := json.Unmarshal(km.Value, &msg); err != nil {
		glog.Errorf("ingester: failed to unmarshal kafka value: `%s`, error: %v", km.Value, err)
		return nil
	}
	if err := validateForStore(&msg); err != nil {
		glog.Errorf("ingester: invalid message at offset %d: %v", km.Offset, err)
		return nil
	}
	return &msg
}

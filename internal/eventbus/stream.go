package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/transitlive/dispatch/internal/streambus"
)

// transportBackoff is slept after a failed read before retrying; the
// loop never exits on transport errors.
const transportBackoff = time.Second

// StreamBus is the durable Bus implementation. Each topic maps to one
// stream; consumption uses consumer groups for at-least-once delivery.
type StreamBus struct {
	client *streambus.Client
	maxLen int64
	log    *logrus.Entry
}

// NewStreamBus wraps a connected stream client. maxLen bounds every
// published stream via approximate trimming; pass 0 to disable.
func NewStreamBus(client *streambus.Client, maxLen int64, log *logrus.Logger) *StreamBus {
	return &StreamBus{
		client: client,
		maxLen: maxLen,
		log:    log.WithField("component", "eventbus"),
	}
}

// Publish appends the payload to the topic's stream. Transport
// failures are logged and reported as false.
func (b *StreamBus) Publish(ctx context.Context, topic string, payload any) bool {
	id, err := b.client.Publish(ctx, topic, payload, b.maxLen)
	if err != nil {
		b.log.WithError(err).WithField("topic", topic).Error("publish failed")
		return false
	}
	b.log.WithFields(logrus.Fields{"topic": topic, "entry": id}).Debug("published")
	return true
}

// Subscribe ensures the consumer group exists and starts the consume
// loop in its own goroutine. Handler failures leave the entry in the
// pending-entries list; the loop keeps going.
func (b *StreamBus) Subscribe(topic, group, consumer string, handler Handler) (UnsubscribeFunc, error) {
	ctx := context.Background()
	if err := b.client.EnsureGroup(ctx, topic, group, "0", true); err != nil {
		return nil, err
	}

	var stopped atomic.Bool
	log := b.log.WithFields(logrus.Fields{
		"topic":    topic,
		"group":    group,
		"consumer": consumer,
	})

	go b.consumeLoop(ctx, topic, group, consumer, handler, &stopped, log)
	log.Info("subscription started")

	return func() { stopped.Store(true) }, nil
}

func (b *StreamBus) consumeLoop(ctx context.Context, topic, group, consumer string, handler Handler, stopped *atomic.Bool, log *logrus.Entry) {
	for {
		if stopped.Load() {
			log.Info("subscription stopped")
			return
		}

		streams, err := b.client.ReadGroup(ctx, group, consumer, topic, ">", streambus.ReadOptions{})
		if err != nil {
			var te *streambus.TransportError
			if errors.As(err, &te) {
				log.WithError(err).Warn("read failed, backing off")
			} else {
				log.WithError(err).Error("unexpected read error, backing off")
			}
			time.Sleep(transportBackoff)
			continue
		}
		if streams == nil {
			// Blocking timeout with no data.
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				body, ok := msg.Values["json"]
				if !ok {
					log.WithField("entry", msg.ID).Warn("entry missing json field, acking")
					b.ack(ctx, topic, group, msg.ID, log)
					continue
				}

				if err := handler(ctx, []byte(body)); err != nil {
					// Not acked: the entry stays pending for redelivery.
					log.WithError(err).WithField("entry", msg.ID).Error("handler failed")
				} else {
					b.ack(ctx, topic, group, msg.ID, log)
				}

				if stopped.Load() {
					log.Info("subscription stopped")
					return
				}
			}
		}
	}
}

func (b *StreamBus) ack(ctx context.Context, topic, group, id string, log *logrus.Entry) {
	if _, err := b.client.Ack(ctx, topic, group, id); err != nil {
		log.WithError(err).WithField("entry", id).Warn("ack failed")
	}
}

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/justin4957/logflow-filterd/internal/config"
	"github.com/justin4957/logflow-filterd/internal/logger"
	"github.com/sirupsen/logrus"
)

// KafkaSource consumes lines from a topic as part of a consumer group.
// An offset is marked only once its delivery and every earlier delivery of
// the same claim were acked, so a crash replays every line that was not
// fully dispatched.
type KafkaSource struct {
	cfg    config.KafkaConfig
	group  sarama.ConsumerGroup
	out    chan Delivery
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logrus.Entry
}

// NewKafkaSource joins the consumer group described by cfg
func NewKafkaSource(cfg config.KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka source requires brokers and a topic")
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_8_0_0
	sc.ClientID = "filterd"
	sc.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.Oldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to join consumer group %s: %w", cfg.ConsumerGroup, err)
	}
	return newKafkaSource(cfg, group), nil
}

func newKafkaSource(cfg config.KafkaConfig, group sarama.ConsumerGroup) *KafkaSource {
	return &KafkaSource{
		cfg:   cfg,
		group: group,
		out:   make(chan Delivery, 256),
		log:   logger.WithComponent("kafka-source").WithField("topic", cfg.Topic),
	}
}

func (k *KafkaSource) Start(ctx context.Context) (<-chan Delivery, error) {
	ctx, k.cancel = context.WithCancel(ctx)

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		for err := range k.group.Errors() {
			k.log.WithError(err).Warn("Consumer group error")
		}
	}()
	go func() {
		defer k.wg.Done()
		defer close(k.out)

		handler := &claimHandler{out: k.out, log: k.log}
		for ctx.Err() == nil {
			if err := k.group.Consume(ctx, []string{k.cfg.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				k.log.WithError(err).Error("Consume failed, retrying")
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
				}
			}
		}
	}()

	k.log.Info("Consuming topic")
	return k.out, nil
}

func (k *KafkaSource) Stop() error {
	if k.cancel != nil {
		k.cancel()
	}
	err := k.group.Close()
	k.wg.Wait()
	return err
}

// claimHandler forwards claimed messages as deliveries
type claimHandler struct {
	out chan<- Delivery
	log *logrus.Entry
}

func (h *claimHandler) Setup(s sarama.ConsumerGroupSession) error {
	h.log.WithField("claims", s.Claims()).Info("Partitions assigned")
	return nil
}

func (h *claimHandler) Cleanup(s sarama.ConsumerGroupSession) error { return nil }

func (h *claimHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	offsets := &offsetTracker{sess: sess}
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			received := msg.Timestamp
			if received.IsZero() {
				received = time.Now()
			}
			p := offsets.track(msg)
			d := NewDelivery(string(msg.Value), received, func() { offsets.ack(p) })
			select {
			case h.out <- d:
			case <-sess.Context().Done():
				return nil
			}
		case <-sess.Context().Done():
			return nil
		}
	}
}

// offsetTracker marks the offsets of one claim in order. Acks arrive from
// concurrent match workers; sarama commits the highest marked offset, so a
// message is marked only when it ends the acked prefix of everything handed
// out so far.
type offsetTracker struct {
	mu      sync.Mutex
	sess    sarama.ConsumerGroupSession
	pending []*pendingMessage
}

type pendingMessage struct {
	msg   *sarama.ConsumerMessage
	acked bool
}

func (t *offsetTracker) track(msg *sarama.ConsumerMessage) *pendingMessage {
	p := &pendingMessage{msg: msg}
	t.mu.Lock()
	t.pending = append(t.pending, p)
	t.mu.Unlock()
	return p
}

func (t *offsetTracker) ack(p *pendingMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.acked {
		return
	}
	p.acked = true

	n := 0
	for n < len(t.pending) && t.pending[n].acked {
		n++
	}
	if n == 0 {
		return
	}
	last := t.pending[n-1].msg
	t.pending = append(t.pending[:0], t.pending[n:]...)
	t.sess.MarkMessage(last, "")
}

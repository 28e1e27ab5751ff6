package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ceyewan/controlplane/clog"
	"github.com/ceyewan/controlplane/connector"
	"github.com/ceyewan/controlplane/xerrors"
)

// kafkaTransport Kafka 背板
//
// 发布复用连接器的客户端；每个订阅创建独立的直连消费客户端（不加入消费组），
// 因此每个进程都会收到全部消息。Kafka topic 不允许 ':'，频道名中的 ':' 映射为 '.'。
type kafkaTransport struct {
	producer *kgo.Client
	seeds    []string
	logger   clog.Logger

	mu   sync.Mutex
	subs map[*kgo.Client]context.CancelFunc
}

// NewKafkaTransport 基于 Kafka 连接器创建背板
func NewKafkaTransport(conn connector.KafkaConnector, logger clog.Logger) (Transport, error) {
	if conn == nil {
		return nil, xerrors.Wrap(ErrTransportNil, "kafka connector is nil")
	}
	if logger == nil {
		logger = clog.Discard()
	}
	client := conn.GetClient()
	seeds, _ := client.OptValue(kgo.SeedBrokers).([]string)
	if len(seeds) == 0 {
		return nil, xerrors.Wrap(ErrTransportNil, "kafka client has no seed brokers")
	}
	return &kafkaTransport{
		producer: client,
		seeds:    seeds,
		logger:   logger.With(clog.String("transport", "kafka")),
		subs:     make(map[*kgo.Client]context.CancelFunc),
	}, nil
}

func kafkaTopic(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

func (t *kafkaTransport) Name() string { return "kafka" }

func (t *kafkaTransport) Publish(ctx context.Context, channel string, data []byte, headers Headers) error {
	record := &kgo.Record{
		Topic: kafkaTopic(channel),
		Value: data,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return xerrors.Wrapf(err, "kafka produce to %s", record.Topic)
	}
	return nil
}

func (t *kafkaTransport) Subscribe(ctx context.Context, channel string, fn MessageHandler) (Unsubscribe, error) {
	topic := kafkaTopic(channel)

	// 应答 topic 为一次性新建，从头消费避免错过分区分配前写入的应答
	offset := kgo.NewOffset().AtEnd()
	if strings.HasPrefix(channel, ResponseChannel("")) {
		offset = kgo.NewOffset().AtStart()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(t.seeds...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(offset),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, xerrors.Wrapf(err, "kafka consumer for %s", topic)
	}

	subCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.subs[client] = cancel
	t.mu.Unlock()

	go func() {
		defer func() {
			t.mu.Lock()
			delete(t.subs, client)
			t.mu.Unlock()
			client.Close()
		}()
		for {
			fetches := client.PollFetches(subCtx)
			if fetches.IsClientClosed() || subCtx.Err() != nil {
				return
			}
			if errs := fetches.Errors(); len(errs) > 0 {
				for _, e := range errs {
					t.logger.Error("kafka poll error", clog.String("topic", e.Topic), clog.Error(e.Err))
				}
				select {
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			fetches.EachRecord(func(r *kgo.Record) {
				headers := make(Headers, len(r.Headers))
				for _, h := range r.Headers {
					headers[h.Key] = string(h.Value)
				}
				fn(subCtx, r.Value, headers)
			})
		}
	}()

	return func() error {
		cancel()
		return nil
	}, nil
}

func (t *kafkaTransport) Close() error {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.subs))
	for _, c := range t.subs {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return nil
}

package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// ExportListenerName is the route event listener name of the exporter.
const ExportListenerName = "kafka-export"

// EventRecord is the JSON value of an exported route event. Records are
// keyed by the route prefix so that events for one prefix stay ordered
// within a partition.
type EventRecord struct {
	EventID    uuid.UUID      `json:"event_id"`
	InstanceID string         `json:"instance_id"`
	Type       evpn.EventType `json:"type"`
	Time       time.Time      `json:"time"`
	Route      evpn.Route     `json:"route"`
}

type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Exporter publishes route table events to a Kafka topic.
type Exporter struct {
	client     *kgo.Client
	producer   producer
	topic      string
	instanceID string
	logger     *zap.Logger
}

func NewExporter(conn ClientOptions, topic, instanceID string, logger *zap.Logger) (*Exporter, error) {
	opts := append(conn.kgoOpts(),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return &Exporter{
		client:     client,
		producer:   client,
		topic:      topic,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// HandleEvent is the exporter's route event listener. Production is
// asynchronous; delivery failures are logged and counted.
func (e *Exporter) HandleEvent(ctx context.Context, ev evpn.Event) error {
	rec, err := e.record(ev)
	if err != nil {
		metrics.ExportRecordsTotal.WithLabelValues("encode_error").Inc()
		return err
	}
	e.producer.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			metrics.ExportRecordsTotal.WithLabelValues("error").Inc()
			e.logger.Warn("failed to export route event",
				zap.String("topic", r.Topic),
				zap.ByteString("key", r.Key),
				zap.Error(err),
			)
			return
		}
		metrics.ExportRecordsTotal.WithLabelValues("ok").Inc()
	})
	return nil
}

func (e *Exporter) record(ev evpn.Event) (*kgo.Record, error) {
	value, err := json.Marshal(EventRecord{
		EventID:    uuid.New(),
		InstanceID: e.instanceID,
		Type:       ev.Type,
		Time:       ev.Time,
		Route:      ev.Route,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	return &kgo.Record{
		Topic: e.topic,
		Key:   []byte(ev.Route.Prefix().String()),
		Value: value,
	}, nil
}

// Close flushes buffered records, waiting at most until ctx is done.
func (e *Exporter) Close(ctx context.Context) {
	if err := e.client.Flush(ctx); err != nil {
		e.logger.Warn("flushing exporter", zap.Error(err))
	}
	e.client.Close()
}

package kafka

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"go.uber.org/zap"
)

// ClientOptions are the connection settings shared by the consumer and the
// exporter.
type ClientOptions struct {
	Brokers  []string
	ClientID string
	TLS      *tls.Config
	SASL     sasl.Mechanism
}

func (o ClientOptions) kgoOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(o.Brokers...),
		kgo.ClientID(o.ClientID),
	}
	if o.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(o.TLS))
	}
	if o.SASL != nil {
		opts = append(opts, kgo.SASL(o.SASL))
	}
	return opts
}

// BMPConsumer reads OpenBMP-framed BMP messages from Kafka. Offsets are
// committed only after the pipeline hands a batch back on the flushed
// channel.
type BMPConsumer struct {
	client *kgo.Client
	logger *zap.Logger
	joined atomic.Bool
}

func NewBMPConsumer(conn ClientOptions, groupID string, topics []string, fetchMaxBytes int32, logger *zap.Logger) (*BMPConsumer, error) {
	bc := &BMPConsumer{logger: logger}

	opts := append(conn.kgoOpts(),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			bc.joined.Store(true)
			logger.Info("bmp consumer: partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, _ map[string][]int32) {
			bc.joined.Store(false)
			logger.Info("bmp consumer: partitions revoked")
		}),
	)

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, err
	}

	bc.client = client
	return bc, nil
}

// Run fetches records and sends them to the records channel until ctx is
// done. It reads from flushed to commit offsets of processed batches;
// commitWg tracks the commit goroutine so shutdown can wait for the last
// commit.
func (bc *BMPConsumer) Run(ctx context.Context, records chan<- []*kgo.Record, flushed <-chan []*kgo.Record, commitWg *sync.WaitGroup) {
	commitWg.Add(1)
	go func() {
		defer commitWg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case recs, ok := <-flushed:
				if !ok {
					return
				}
				bc.client.MarkCommitRecords(recs...)
				if err := bc.client.CommitMarkedOffsets(ctx); err != nil {
					bc.logger.Error("bmp consumer: commit offsets failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		fetches := bc.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				bc.logger.Error("bmp consumer: fetch error",
					zap.String("topic", e.Topic),
					zap.Int32("partition", e.Partition),
					zap.Error(e.Err),
				)
			}
		}

		var batch []*kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			batch = append(batch, r)
		})

		if len(batch) > 0 {
			select {
			case records <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (bc *BMPConsumer) IsJoined() bool {
	return bc.joined.Load()
}

func (bc *BMPConsumer) Close() {
	bc.client.Close()
}

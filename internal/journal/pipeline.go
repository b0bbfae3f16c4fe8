package journal

import (
	"context"
	"time"

	"github.com/route-beacon/evpn-routed/internal/evpn"
	"go.uber.org/zap"
)

// ListenerName is the route event listener name of the journal.
const ListenerName = "journal"

const finalFlushTimeout = 5 * time.Second

type batchWriter interface {
	FlushBatch(ctx context.Context, rows []*Row) (int64, error)
}

// Pipeline collects route events into batches and writes them to the
// journal table by size or by timer, whichever comes first.
type Pipeline struct {
	writer        batchWriter
	batchSize     int
	flushInterval time.Duration
	rows          chan *Row
	logger        *zap.Logger
}

func NewPipeline(writer batchWriter, batchSize, flushIntervalMs int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		writer:        writer,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		rows:          make(chan *Row, batchSize),
		logger:        logger,
	}
}

// HandleEvent is the journal's route event listener. It blocks while the
// batch buffer is full.
func (p *Pipeline) HandleEvent(ctx context.Context, ev evpn.Event) error {
	select {
	case p.rows <- NewRow(ev):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run batches rows until ctx is cancelled, then flushes what is pending.
func (p *Pipeline) Run(ctx context.Context) {
	var batch []*Row
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Drain rows already handed over.
		drain:
			for {
				select {
				case row := <-p.rows:
					batch = append(batch, row)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
				p.flush(flushCtx, batch)
				cancel()
			}
			return

		case row := <-p.rows:
			batch = append(batch, row)

			if len(batch) >= p.batchSize {
				if p.flush(ctx, batch) {
					batch = nil
				}
			}

			// Cap memory: if repeated flush failures cause the batch to
			// grow beyond 10x the configured size, drop it.
			if len(batch) >= p.batchSize*10 {
				p.logger.Error("dropping oversized batch after repeated flush failures",
					zap.Int("dropped_rows", len(batch)),
				)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				if p.flush(ctx, batch) {
					batch = nil
				}
			}
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, batch []*Row) bool {
	inserted, err := p.writer.FlushBatch(ctx, batch)
	if err != nil {
		p.logger.Error("journal batch flush failed", zap.Error(err))
		return false
	}

	p.logger.Debug("journal batch flushed",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted),
	)
	return true
}

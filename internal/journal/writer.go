package journal

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"go.uber.org/zap"
)

var zstdEncoder, _ = zstd.NewWriter(nil)

const insertEventSQL = `
INSERT INTO route_events (event_id, event_time, event_type, source, rd, mac,
	next_hop, rt, label, nlri)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (event_id, event_time) DO NOTHING`

// Row is one journaled route event.
type Row struct {
	EventID uuid.UUID
	Event   evpn.Event
}

func NewRow(ev evpn.Event) *Row {
	return &Row{EventID: uuid.New(), Event: ev}
}

type Writer struct {
	pool         *pgxpool.Pool
	logger       *zap.Logger
	storeRawNLRI bool
	compressRaw  bool
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger, storeRawNLRI, compressRaw bool) *Writer {
	return &Writer{
		pool:         pool,
		logger:       logger,
		storeRawNLRI: storeRawNLRI,
		compressRaw:  compressRaw,
	}
}

// FlushBatch inserts rows into route_events in one transaction and returns
// the number of rows inserted.
func (w *Writer) FlushBatch(ctx context.Context, rows []*Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, row := range rows {
		r := row.Event.Route
		batch.Queue(insertEventSQL,
			row.EventID, row.Event.Time, row.Event.Type.String(), r.Source.String(),
			r.RD.String(), r.MAC.String(), nilIfInvalid(r.NextHop), nilIfZeroRT(r.RT),
			int32(r.Label), w.rawNLRI(r),
		)
	}

	br := tx.SendBatch(ctx, batch)
	var totalInserted int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("insert route_event: %w", err)
		}
		totalInserted += tag.RowsAffected()
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.DBWriteDuration.WithLabelValues("journal", "insert").Observe(dur)
	metrics.DBRowsAffectedTotal.WithLabelValues("journal", "route_events", "insert").Add(float64(totalInserted))
	metrics.BatchSize.WithLabelValues("journal").Observe(float64(len(rows)))

	return totalInserted, nil
}

// rawNLRI returns the route's wire encoding as a type 2 EVPN NLRI, or nil
// when raw storage is off.
func (w *Writer) rawNLRI(r evpn.Route) []byte {
	if !w.storeRawNLRI {
		return nil
	}
	raw, err := encodeNLRI(r)
	if err != nil {
		w.logger.Warn("cannot encode route nlri", zap.Stringer("route", r), zap.Error(err))
		return nil
	}
	if w.compressRaw {
		return zstdEncoder.EncodeAll(raw, nil)
	}
	return raw
}

func encodeNLRI(r evpn.Route) ([]byte, error) {
	return bgp.AppendMacIPNLRIs(nil, []*bgp.MacIPAdvertisement{bgp.NewMacAdvertisement(r.RD, r.MAC, r.Label)})
}

func nilIfInvalid(a netip.Addr) any {
	if !a.IsValid() {
		return nil
	}
	return a
}

func nilIfZeroRT(rt evpn.RouteTarget) any {
	if rt.IsZero() {
		return nil
	}
	return rt.String()
}

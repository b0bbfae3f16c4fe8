package ingest

import (
	"context"
	"strconv"

	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/bmp"
	"github.com/route-beacon/evpn-routed/internal/metrics"
	"github.com/route-beacon/evpn-routed/internal/provider"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// UpdateHandler applies a BGP UPDATE learned from peerID.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, peerID string, u *bgp.Update) (provider.Result, error)
}

// Pipeline feeds EVPN routes carried in BMP Route Monitoring messages into
// the route table. Each fetched batch is applied in order and then handed
// back for offset commit.
type Pipeline struct {
	handler         UpdateHandler
	maxPayloadBytes int
	logger          *zap.Logger
}

func NewPipeline(handler UpdateHandler, maxPayloadBytes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		handler:         handler,
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
	}
}

// Run processes records from the channel until ctx is cancelled or records
// is closed.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			return

		case recs, ok := <-records:
			if !ok {
				return
			}

			// Every record is committed, including ones that failed to
			// parse, so a bad message cannot stall its partition.
			for _, rec := range recs {
				p.processRecord(ctx, rec)
			}

			select {
			case flushed <- recs:
			case <-ctx.Done():
				return
			}
		}
	}
}

// processRecord returns the number of UPDATEs applied from rec.
func (p *Pipeline) processRecord(ctx context.Context, rec *kgo.Record) int {
	bmpBytes, _, err := bmp.DecodeOpenBMPFrame(rec.Value, p.maxPayloadBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("openbmp", "decode").Inc()
		p.logger.Warn("failed to decode OpenBMP frame",
			zap.String("topic", rec.Topic),
			zap.Error(err),
		)
		return 0
	}

	msgs, err := bmp.ParseAll(bmpBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bmp", "parse").Inc()
		p.logger.Warn("failed to parse BMP message",
			zap.String("topic", rec.Topic),
			zap.Int("parsed", len(msgs)),
			zap.Error(err),
		)
	}

	applied := 0
	for _, msg := range msgs {
		metrics.BMPMessagesTotal.WithLabelValues(rec.Topic, strconv.Itoa(int(msg.MsgType))).Inc()

		switch msg.MsgType {
		case bmp.MsgTypeRouteMonitoring:
			if p.applyRouteMonitoring(ctx, rec.Topic, msg) {
				applied++
			}
		case bmp.MsgTypePeerDown:
			p.logger.Info("bmp peer down",
				zap.String("peer", msg.PeerID()),
				zap.Uint8("reason", msg.PeerDownReason),
			)
		}
	}
	return applied
}

func (p *Pipeline) applyRouteMonitoring(ctx context.Context, topic string, msg *bmp.ParsedBMP) bool {
	if msg.BGPData == nil {
		return false
	}
	if msg.HasAddPath {
		// ADD-PATH prefixes a path id to every NLRI, which the EVPN decoder
		// does not expect.
		metrics.InboundUpdatesTotal.WithLabelValues("bmp", "skipped").Inc()
		return false
	}

	u, err := bgp.ParseUpdate(msg.BGPData)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", "parse").Inc()
		metrics.InboundUpdatesTotal.WithLabelValues("bmp", "malformed").Inc()
		p.logger.Warn("failed to parse BGP UPDATE",
			zap.String("topic", topic),
			zap.String("peer", msg.PeerID()),
			zap.Error(err),
		)
		return false
	}
	if u == nil {
		return false
	}

	res, err := p.handler.HandleUpdate(ctx, msg.PeerID(), u)
	if err != nil {
		metrics.InboundUpdatesTotal.WithLabelValues("bmp", "error").Inc()
		p.logger.Warn("failed to apply BMP route monitoring update",
			zap.String("peer", msg.PeerID()),
			zap.Error(err),
		)
		return false
	}
	metrics.InboundUpdatesTotal.WithLabelValues("bmp", "ok").Inc()
	if len(res.Rejected) > 0 {
		p.logger.Debug("BMP update had rejected routes",
			zap.String("peer", msg.PeerID()),
			zap.Int("rejected", len(res.Rejected)),
		)
	}
	return true
}

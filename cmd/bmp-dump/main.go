// Command bmp-dump reads OpenBMP frames from a Kafka topic and prints the
// EVPN routes carried in their Route Monitoring messages.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/route-beacon/evpn-routed/internal/bgp"
	"github.com/route-beacon/evpn-routed/internal/bmp"
	"github.com/twmb/franz-go/pkg/kgo"
)

func main() {
	broker := "localhost:29092"
	topic := "openbmp.bmp_raw"
	if len(os.Args) > 1 {
		broker = os.Args[1]
	}
	if len(os.Args) > 2 {
		topic = os.Args[2]
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.ConsumerGroup(fmt.Sprintf("bmp-dump-%d", time.Now().UnixNano())),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kafka client: %v\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgNum := 0
	for {
		fetches := cl.PollRecords(ctx, 100)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			break
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			msgNum++
			fmt.Printf("=== Kafka msg %d (partition=%d offset=%d, %d bytes) ===\n",
				msgNum, rec.Partition, rec.Offset, len(rec.Value))

			analyzeMessage(rec.Value)
			fmt.Println()
		})

		if msgNum > 0 && len(fetches.Records()) == 0 {
			break
		}
	}

	fmt.Printf("Total Kafka messages: %d\n", msgNum)
}

func analyzeMessage(data []byte) {
	bmpBytes, _, err := bmp.DecodeOpenBMPFrame(data, 16*1024*1024)
	if err != nil {
		fmt.Printf("  DecodeOpenBMPFrame error: %v\n", err)
		return
	}
	fmt.Printf("  BMP payload: %d bytes\n", len(bmpBytes))

	msgs, err := bmp.ParseAll(bmpBytes)
	if err != nil {
		fmt.Printf("  ParseAll error: %v\n", err)
		return
	}
	fmt.Printf("  BMP messages in payload: %d\n", len(msgs))

	for i, m := range msgs {
		fmt.Printf("\n  --- BMP msg %d (offset=%d) ---\n", i, m.Offset)
		fmt.Printf("    MsgType:    %d (%s)\n", m.MsgType, bmpMsgName(m.MsgType))
		fmt.Printf("    Peer:       %s AS%d (type=%d LocRIB=%v)\n", m.PeerID(), m.Peer.AS, m.Peer.Type, m.IsLocRIB)
		fmt.Printf("    PeerFlags:  0x%02x (AddPath=%v)\n", m.Peer.Flags, m.HasAddPath)

		if m.MsgType != bmp.MsgTypeRouteMonitoring || m.BGPData == nil {
			continue
		}

		u, err := bgp.ParseUpdate(m.BGPData)
		if err != nil {
			fmt.Printf("    ParseUpdate error: %v\n", err)
			if len(m.BGPData) > bgp.BGPHeaderSize {
				fmt.Printf("    BGPData[19:50] hex: %s\n", hex.EncodeToString(m.BGPData[bgp.BGPHeaderSize:min(50, len(m.BGPData))]))
			}
			continue
		}
		if u == nil {
			continue
		}
		printUpdate(u)
	}
}

func printUpdate(u *bgp.Update) {
	for _, attr := range u.Attributes {
		switch attr.Kind {
		case bgp.AttrKindExtCommunity:
			for _, c := range attr.ExtCommunities {
				fmt.Printf("    ExtCommunity: %s\n", c)
			}
		case bgp.AttrKindMPReach:
			if !attr.MPReach.IsEVPN() {
				fmt.Printf("    MP_REACH AFI=%d SAFI=%d (not EVPN)\n", attr.MPReach.AFI, attr.MPReach.SAFI)
				continue
			}
			fmt.Printf("    MP_REACH EVPN nexthop=%s\n", attr.MPReach.NextHop)
			printNLRIs("announce", attr.MPReach.NLRI)
		case bgp.AttrKindMPUnreach:
			if !attr.MPUnreach.IsEVPN() {
				continue
			}
			printNLRIs("withdraw", attr.MPUnreach.NLRI)
		}
	}
}

func printNLRIs(action string, data []byte) {
	entries, err := bgp.DecodeEVPNNLRIs(data)
	for j, e := range entries {
		switch {
		case e.Err != nil:
			fmt.Printf("      [%d] %s type=%d error: %v\n", j, action, e.RouteType, e.Err)
		case e.MacIP != nil:
			fmt.Printf("      [%d] %s rd=%s mac=%s ip=%v label=%d\n",
				j, action, e.MacIP.RD, e.MacIP.MAC, e.MacIP.IP, e.MacIP.Label1)
		default:
			fmt.Printf("      [%d] %s type=%d (%d bytes, ignored)\n", j, action, e.RouteType, len(e.Body))
		}
	}
	if err != nil {
		fmt.Printf("      NLRI list error: %v\n", err)
	}
}

func bmpMsgName(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "RouteMonitoring"
	case bmp.MsgTypeStatisticsReport:
		return "StatisticsReport"
	case bmp.MsgTypePeerDown:
		return "PeerDown"
	case bmp.MsgTypePeerUp:
		return "PeerUp"
	case bmp.MsgTypeInitiation:
		return "Initiation"
	case bmp.MsgTypeTermination:
		return "Termination"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/route-beacon/evpn-routed/internal/evpn"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
)

const envPrefix = "EVPN_ROUTED_"

type Config struct {
	Service      ServiceConfig       `koanf:"service"`
	BGP          BGPConfig           `koanf:"bgp"`
	Route        RouteConfig         `koanf:"route"`
	Kafka        KafkaConfig         `koanf:"kafka"`
	Postgres     PostgresConfig      `koanf:"postgres"`
	Journal      JournalConfig       `koanf:"journal"`
	Retention    RetentionConfig     `koanf:"retention"`
	StaticRoutes []StaticRouteConfig `koanf:"static_routes"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type BGPConfig struct {
	RouterID      string           `koanf:"router_id"`
	LocalAS       uint32           `koanf:"local_as"`
	ListenAddress string           `koanf:"listen_address"`
	ListenPort    int              `koanf:"listen_port"`
	Passive       bool             `koanf:"passive"`
	Neighbors     []NeighborConfig `koanf:"neighbors"`
}

type NeighborConfig struct {
	Address      string `koanf:"address"`
	RemoteAS     uint32 `koanf:"remote_as"`
	LocalAddress string `koanf:"local_address"`
}

type RouteConfig struct {
	// QueueCapacity bounds each listener's event queue; 0 is unbounded.
	QueueCapacity int `koanf:"queue_capacity"`
}

type KafkaConfig struct {
	Brokers       []string     `koanf:"brokers"`
	ClientID      string       `koanf:"client_id"`
	TLS           TLSConfig    `koanf:"tls"`
	SASL          SASLConfig   `koanf:"sasl"`
	FetchMaxBytes int32        `koanf:"fetch_max_bytes"`
	BMP           BMPConfig    `koanf:"bmp"`
	Export        ExportConfig `koanf:"export"`
}

type TLSConfig struct {
	Enabled  bool   `koanf:"enabled"`
	CAFile   string `koanf:"ca_file"`
	CertFile string `koanf:"cert_file"`
	KeyFile  string `koanf:"key_file"`
}

type SASLConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Mechanism string `koanf:"mechanism"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
}

// BMPConfig controls the OpenBMP feed consumer.
type BMPConfig struct {
	Enabled           bool     `koanf:"enabled"`
	GroupID           string   `koanf:"group_id"`
	Topics            []string `koanf:"topics"`
	MaxPayloadBytes   int      `koanf:"max_payload_bytes"`
	ChannelBufferSize int      `koanf:"channel_buffer_size"`
}

// ExportConfig controls publishing of route events to Kafka.
type ExportConfig struct {
	Enabled bool   `koanf:"enabled"`
	Topic   string `koanf:"topic"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

type JournalConfig struct {
	Enabled         bool `koanf:"enabled"`
	BatchSize       int  `koanf:"batch_size"`
	FlushIntervalMs int  `koanf:"flush_interval_ms"`
	StoreRawNLRI    bool `koanf:"store_raw_nlri"`
	CompressRawNLRI bool `koanf:"compress_raw_nlri"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

// StaticRouteConfig is a route installed with source STATIC at start-up.
// Fields use the same string forms as the admin API.
type StaticRouteConfig struct {
	MAC     string `koanf:"mac"`
	NextHop string `koanf:"next_hop"`
	RD      string `koanf:"rd"`
	RT      string `koanf:"rt"`
	Label   uint32 `koanf:"label"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: EVPN_ROUTED_BGP__LOCAL_AS → bgp.local_as
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			InstanceID:             "evpn-routed-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		BGP: BGPConfig{
			ListenPort: 179,
		},
		Route: RouteConfig{
			QueueCapacity: 65536,
		},
		Kafka: KafkaConfig{
			ClientID:      "evpn-routed",
			FetchMaxBytes: 52428800,
			BMP: BMPConfig{
				GroupID:           "evpn-routed-bmp",
				MaxPayloadBytes:   16777216,
				ChannelBufferSize: 16,
			},
			Export: ExportConfig{
				Topic: "evpn.route-events",
			},
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
			MinConns: 1,
		},
		Journal: JournalConfig{
			BatchSize:       500,
			FlushIntervalMs: 200,
			StoreRawNLRI:    true,
			CompressRawNLRI: true,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	cfg.Kafka.Brokers = splitSingle(cfg.Kafka.Brokers)
	cfg.Kafka.BMP.Topics = splitSingle(cfg.Kafka.BMP.Topics)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func splitSingle(v []string) []string {
	if len(v) == 1 && strings.Contains(v[0], ",") {
		return strings.Split(v[0], ",")
	}
	return v
}

// KafkaEnabled reports whether any component needs a Kafka connection.
func (c *Config) KafkaEnabled() bool {
	return c.Kafka.BMP.Enabled || c.Kafka.Export.Enabled
}

// PostgresEnabled reports whether the journal database is used.
func (c *Config) PostgresEnabled() bool {
	return c.Journal.Enabled
}

func (c *Config) Validate() error {
	if err := c.BGP.validate(); err != nil {
		return err
	}
	if c.Route.QueueCapacity < 0 {
		return fmt.Errorf("config: route.queue_capacity must be >= 0 (got %d)", c.Route.QueueCapacity)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}

	if c.KafkaEnabled() {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("config: kafka.brokers is required")
		}
		if c.Kafka.FetchMaxBytes <= 0 {
			return fmt.Errorf("config: kafka.fetch_max_bytes must be > 0 (got %d)", c.Kafka.FetchMaxBytes)
		}
	}
	if c.Kafka.BMP.Enabled {
		if c.Kafka.BMP.GroupID == "" {
			return fmt.Errorf("config: kafka.bmp.group_id is required")
		}
		if len(c.Kafka.BMP.Topics) == 0 {
			return fmt.Errorf("config: kafka.bmp.topics is required")
		}
		if c.Kafka.BMP.MaxPayloadBytes <= 0 {
			return fmt.Errorf("config: kafka.bmp.max_payload_bytes must be > 0 (got %d)", c.Kafka.BMP.MaxPayloadBytes)
		}
		if c.Kafka.BMP.ChannelBufferSize <= 0 {
			return fmt.Errorf("config: kafka.bmp.channel_buffer_size must be > 0 (got %d)", c.Kafka.BMP.ChannelBufferSize)
		}
		if int32(c.Kafka.BMP.MaxPayloadBytes) > c.Kafka.FetchMaxBytes {
			return fmt.Errorf("config: kafka.bmp.max_payload_bytes (%d) exceeds kafka.fetch_max_bytes (%d); messages larger than fetch_max_bytes will be dropped by the broker",
				c.Kafka.BMP.MaxPayloadBytes, c.Kafka.FetchMaxBytes)
		}
	}
	if c.Kafka.Export.Enabled && c.Kafka.Export.Topic == "" {
		return fmt.Errorf("config: kafka.export.topic is required")
	}

	if c.Journal.Enabled {
		if c.Postgres.DSN == "" {
			return fmt.Errorf("config: postgres.dsn is required when the journal is enabled")
		}
		if c.Postgres.MaxConns <= 0 {
			return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
		}
		if c.Postgres.MinConns < 0 {
			return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
		}
		if c.Journal.BatchSize <= 0 {
			return fmt.Errorf("config: journal.batch_size must be > 0 (got %d)", c.Journal.BatchSize)
		}
		if c.Journal.FlushIntervalMs <= 0 {
			return fmt.Errorf("config: journal.flush_interval_ms must be > 0 (got %d)", c.Journal.FlushIntervalMs)
		}
		if c.Retention.Days <= 0 {
			return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
		}
		if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
			return fmt.Errorf("config: retention.timezone is invalid: %w", err)
		}
	}

	for i, sr := range c.StaticRoutes {
		if _, err := sr.Route(); err != nil {
			return fmt.Errorf("config: static_routes[%d]: %w", i, err)
		}
	}
	return nil
}

func (b *BGPConfig) validate() error {
	id, err := netip.ParseAddr(b.RouterID)
	if err != nil || !id.Is4() {
		return fmt.Errorf("config: bgp.router_id must be an IPv4 address (got %q)", b.RouterID)
	}
	if b.LocalAS == 0 {
		return fmt.Errorf("config: bgp.local_as is required")
	}
	if b.ListenPort < 0 || b.ListenPort > 65535 {
		return fmt.Errorf("config: bgp.listen_port must be in 0-65535 (got %d)", b.ListenPort)
	}
	seen := make(map[netip.Addr]bool)
	for i, n := range b.Neighbors {
		addr, err := netip.ParseAddr(n.Address)
		if err != nil {
			return fmt.Errorf("config: bgp.neighbors[%d].address: %w", i, err)
		}
		if seen[addr] {
			return fmt.Errorf("config: bgp.neighbors[%d]: duplicate neighbor %s", i, addr)
		}
		seen[addr] = true
		if n.RemoteAS == 0 {
			return fmt.Errorf("config: bgp.neighbors[%d].remote_as is required", i)
		}
		if n.LocalAddress != "" {
			if _, err := netip.ParseAddr(n.LocalAddress); err != nil {
				return fmt.Errorf("config: bgp.neighbors[%d].local_address: %w", i, err)
			}
		}
	}
	return nil
}

// Route converts the static route to a table entry with source STATIC.
func (s StaticRouteConfig) Route() (evpn.Route, error) {
	mac, err := evpn.ParseMAC(s.MAC)
	if err != nil {
		return evpn.Route{}, err
	}
	nh, err := evpn.ParseNextHop(s.NextHop)
	if err != nil {
		return evpn.Route{}, err
	}
	rd, ok := evpn.ParseRouteDistinguisher(s.RD)
	if !ok {
		return evpn.Route{}, fmt.Errorf("invalid route distinguisher %q", s.RD)
	}
	rt, ok := evpn.ParseRouteTarget(s.RT)
	if !ok {
		return evpn.Route{}, fmt.Errorf("invalid route target %q", s.RT)
	}
	r := evpn.Route{
		Source:  evpn.SourceStatic,
		MAC:     mac,
		NextHop: nh,
		RD:      rd,
		RT:      rt,
		Label:   evpn.Label(s.Label),
	}
	if err := r.Validate(); err != nil {
		return evpn.Route{}, err
	}
	return r, nil
}

// BuildTLSConfig creates a *tls.Config from the Kafka TLS settings. Returns nil if TLS is disabled.
func (k *KafkaConfig) BuildTLSConfig() (*tls.Config, error) {
	if !k.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{}
	if k.TLS.CAFile != "" {
		caPEM, err := os.ReadFile(k.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsCfg.RootCAs = pool
	}
	if k.TLS.CertFile != "" && k.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(k.TLS.CertFile, k.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}

// BuildSASLMechanism creates a SASL mechanism from the Kafka SASL settings. Returns nil if SASL is disabled.
func (k *KafkaConfig) BuildSASLMechanism() (sasl.Mechanism, error) {
	if !k.SASL.Enabled {
		return nil, nil
	}
	switch strings.ToUpper(k.SASL.Mechanism) {
	case "PLAIN":
		return plain.Auth{User: k.SASL.Username, Pass: k.SASL.Password}.AsMechanism(), nil
	default:
		return nil, fmt.Errorf("config: unsupported kafka.sasl.mechanism %q", k.SASL.Mechanism)
	}
}

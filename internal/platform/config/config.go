package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const EnvPrefix = "WARFRONT"

const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	Backend  string
	Redis    Redis
	Postgres Postgres
	HTTPAddr string
	// CORSOrigin is the browser origin allowed to call the API; empty allows any.
	CORSOrigin string
	Log        Log
	// OTelEndpoint enables trace export when set.
	OTelEndpoint string
	Streams      Streams
	Dedup        Dedup
	Battle       Battle
}

type Redis struct {
	Addr     string
	DB       int
	Password string
}

type Postgres struct {
	DSN           string
	MigrationsDir string
	MaxOpenConns  int
	MaxIdleConns  int
}

type Log struct {
	Level  string
	Format string
}

type Streams struct {
	Commands      string
	ChangeLog     string
	MaxLen        int64
	Block         time.Duration
	CommandBatch  int
	PersistBatch  int
	ReclaimIdle   time.Duration
	MaxDeliveries int64
	Workers       int
	ActorRate     float64
	ActorBurst    int
}

type Dedup struct {
	MarkerLease time.Duration
	MarkerTTL   time.Duration
	ResultTTL   time.Duration
}

type Battle struct {
	TickInterval time.Duration
	RoundCap     int
	TickCap      int
	TTL          time.Duration
	LeaseTTL     time.Duration
	StallLimit   int
}

// LoadDotEnv reads .env then .env.local; missing files are ignored.
func LoadDotEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// New returns a viper instance reading WARFRONT_* environment variables.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("postgres-dsn", EnvPrefix+"_POSTGRES_DSN", EnvPrefix+"_DB_DSN")
	return v
}

// RegisterFlags adds every setting as a persistent flag of cmd.
func RegisterFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("backend", BackendRedis, "primary store backend: redis or memory (memory is single-process only)")
	f.String("redis-addr", "127.0.0.1:6379", "redis address")
	f.Int("redis-db", 0, "redis database index")
	f.String("redis-password", "", "redis password")
	f.String("postgres-dsn", "", "postgres DSN of the durable store")
	f.String("migrations-dir", "db/migrations", "directory of .sql migrations")
	f.Int("postgres-max-open", 20, "max open postgres connections")
	f.Int("postgres-max-idle", 5, "max idle postgres connections")
	f.String("http-addr", ":8080", "HTTP listen address")
	f.String("cors-origin", "", "allowed CORS origin; empty allows any")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("log-format", "json", "log format: json or console")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for traces; empty disables export")

	f.String("commands-stream", "commands", "command stream name")
	f.String("changelog-stream", "changelog", "change-log stream name")
	f.Int64("stream-max-len", 100000, "trim streams past this length (acknowledged entries only); 0 disables")
	f.Duration("stream-block", 2*time.Second, "how long a consumer blocks waiting for entries")
	f.Int("command-batch", 16, "commands claimed per read")
	f.Int("persist-batch", 500, "change-log entries claimed per flush")
	f.Duration("reclaim-idle", 30*time.Second, "pending entries idle this long are reclaimed")
	f.Int64("max-deliveries", 5, "deliveries before an entry is dead-lettered; 0 disables")
	f.Int("workers", 4, "command workers per process")
	f.Float64("actor-rate", 20, "commands per second accepted per actor; 0 disables throttling")
	f.Int("actor-burst", 40, "per-actor submit burst")

	f.Duration("marker-lease", 30*time.Second, "how long an in-flight command marker is held")
	f.Duration("marker-ttl", time.Hour, "how long an applied command marker and its step journal are kept; must outlast redelivery")
	f.Duration("result-ttl", 24*time.Hour, "how long command results are kept")

	f.Duration("battle-tick", time.Second, "realtime battle tick interval")
	f.Int("battle-round-cap", 100, "round cap of turn-based battles")
	f.Int("battle-tick-cap", 600, "tick cap of realtime battles")
	f.Duration("battle-ttl", 24*time.Hour, "how long battle state lives after the last write")
	f.Duration("battle-lease", 10*time.Second, "battle advance lease")
	f.Int("battle-stall-limit", 3, "advances without unit data before a battle ends")
}

// Load binds cmd's flags and resolves the configuration. Precedence is
// flag, then environment, then flag default.
func Load(v *viper.Viper, cmd *cobra.Command) (Config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, eris.Wrap(err, "bind flags")
	}
	cfg := Config{
		Backend: strings.ToLower(v.GetString("backend")),
		Redis: Redis{
			Addr:     v.GetString("redis-addr"),
			DB:       v.GetInt("redis-db"),
			Password: v.GetString("redis-password"),
		},
		Postgres: Postgres{
			DSN:           v.GetString("postgres-dsn"),
			MigrationsDir: v.GetString("migrations-dir"),
			MaxOpenConns:  v.GetInt("postgres-max-open"),
			MaxIdleConns:  v.GetInt("postgres-max-idle"),
		},
		HTTPAddr:     v.GetString("http-addr"),
		CORSOrigin:   v.GetString("cors-origin"),
		Log:          Log{Level: v.GetString("log-level"), Format: v.GetString("log-format")},
		OTelEndpoint: v.GetString("otel-endpoint"),
		Streams: Streams{
			Commands:      v.GetString("commands-stream"),
			ChangeLog:     v.GetString("changelog-stream"),
			MaxLen:        v.GetInt64("stream-max-len"),
			Block:         v.GetDuration("stream-block"),
			CommandBatch:  v.GetInt("command-batch"),
			PersistBatch:  v.GetInt("persist-batch"),
			ReclaimIdle:   v.GetDuration("reclaim-idle"),
			MaxDeliveries: v.GetInt64("max-deliveries"),
			Workers:       v.GetInt("workers"),
			ActorRate:     v.GetFloat64("actor-rate"),
			ActorBurst:    v.GetInt("actor-burst"),
		},
		Dedup: Dedup{
			MarkerLease: v.GetDuration("marker-lease"),
			MarkerTTL:   v.GetDuration("marker-ttl"),
			ResultTTL:   v.GetDuration("result-ttl"),
		},
		Battle: Battle{
			TickInterval: v.GetDuration("battle-tick"),
			RoundCap:     v.GetInt("battle-round-cap"),
			TickCap:      v.GetInt("battle-tick-cap"),
			TTL:          v.GetDuration("battle-ttl"),
			LeaseTTL:     v.GetDuration("battle-lease"),
			StallLimit:   v.GetInt("battle-stall-limit"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendMemory:
	default:
		return eris.Errorf("unknown backend %q", c.Backend)
	}
	if c.Streams.Commands == "" || c.Streams.ChangeLog == "" {
		return eris.New("stream names must not be empty")
	}
	if c.Streams.Commands == c.Streams.ChangeLog {
		return eris.New("command and change-log streams must differ")
	}
	if c.Streams.Workers <= 0 {
		return eris.Errorf("workers must be positive, got %d", c.Streams.Workers)
	}
	if c.Dedup.MarkerTTL < c.Streams.ReclaimIdle*time.Duration(c.Streams.MaxDeliveries+1) {
		return eris.Errorf("marker ttl %s is shorter than the redelivery window", c.Dedup.MarkerTTL)
	}
	if c.Battle.TickInterval <= 0 {
		return eris.Errorf("battle tick must be positive, got %s", c.Battle.TickInterval)
	}
	return nil
}

package config

import (
	"time"

	"github.com/goclaw/tiermem/pkg/storage/badger"
	"github.com/goclaw/tiermem/pkg/storage/neo4j"
	"github.com/goclaw/tiermem/pkg/storage/postgres"
	"github.com/goclaw/tiermem/pkg/storage/qdrant"
	"github.com/goclaw/tiermem/pkg/storage/redis"
)

// Storage backends.
const (
	// BackendMemory runs every tier on in-process adapters.
	BackendMemory = "memory"
	// BackendProduction wires Redis, PostgreSQL, Qdrant and Neo4j, with
	// Badger as the durable L1 secondary and the L4 store.
	BackendProduction = "production"
)

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Backend is memory or production.
	Backend string `mapstructure:"backend" validate:"oneof=memory production"`

	// OpTimeout bounds connecting and health-checking the backends.
	OpTimeout time.Duration `mapstructure:"op_timeout" validate:"min=0"`

	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Qdrant   QdrantConfig   `mapstructure:"qdrant"`
	Neo4j    Neo4jConfig    `mapstructure:"neo4j"`
}

// RedisConfig holds the L1 primary settings.
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"min=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// ToRedisConfig converts to the adapter configuration.
func (r RedisConfig) ToRedisConfig() redis.Config {
	return redis.Config{
		Address:   r.Address,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
	}
}

// PostgresConfig holds the L2 fact store settings.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns" validate:"min=0"`
}

// ToPostgresConfig converts to the adapter configuration.
func (p PostgresConfig) ToPostgresConfig() postgres.Config {
	return postgres.Config{DSN: p.DSN, Table: p.Table, MaxConns: p.MaxConns}
}

// BadgerConfig holds the embedded store settings.
type BadgerConfig struct {
	// Path is the database directory; tiers get subdirectories.
	Path              string `mapstructure:"path"`
	InMemory          bool   `mapstructure:"in_memory"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	ValueLogFileSize  int64  `mapstructure:"value_log_file_size" validate:"min=0"`
	NumVersionsToKeep int    `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// ToBadgerConfig converts to the adapter configuration rooted at path.
func (b BadgerConfig) ToBadgerConfig(path string) badger.Config {
	return badger.Config{
		Path:              path,
		InMemory:          b.InMemory,
		SyncWrites:        b.SyncWrites,
		ValueLogFileSize:  b.ValueLogFileSize,
		NumVersionsToKeep: b.NumVersionsToKeep,
	}
}

// QdrantConfig holds the L3 vector store settings.
type QdrantConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port" validate:"min=0,max=65535"`
	APIKey           string `mapstructure:"api_key"`
	UseTLS           bool   `mapstructure:"use_tls"`
	CollectionPrefix string `mapstructure:"collection_prefix"`
	ScrollLimit      uint32 `mapstructure:"scroll_limit"`
}

// ToQdrantConfig converts to the adapter configuration.
func (q QdrantConfig) ToQdrantConfig() qdrant.Config {
	return qdrant.Config{
		Host:             q.Host,
		Port:             q.Port,
		APIKey:           q.APIKey,
		UseTLS:           q.UseTLS,
		CollectionPrefix: q.CollectionPrefix,
		ScrollLimit:      q.ScrollLimit,
	}
}

// Neo4jConfig holds the L3 graph store settings.
type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`

	MaxConnectionPoolSize int           `mapstructure:"max_connection_pool_size" validate:"min=0"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout" validate:"min=0"`
}

// ToNeo4jConfig converts to the adapter configuration.
func (n Neo4jConfig) ToNeo4jConfig() neo4j.Config {
	return neo4j.Config{
		URI:                   n.URI,
		Username:              n.Username,
		Password:              n.Password,
		Database:              n.Database,
		MaxConnectionPoolSize: n.MaxConnectionPoolSize,
		ConnectionTimeout:     n.ConnectionTimeout,
	}
}

// Package config handles loading and parsing of the gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Multipart MultipartConfig `yaml:"multipart"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Storage   StorageConfig   `yaml:"storage"`
	Reaper    ReaperConfig    `yaml:"reaper"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Region          string        `yaml:"region"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects the slog level and handler format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MultipartConfig holds the limits and pacing of multipart uploads.
type MultipartConfig struct {
	// MinPartSize is the minimum size of every part except the last one of
	// a completion manifest.
	MinPartSize ByteSize `yaml:"min_part_size"`
	// MaxPartSize caps a single part upload.
	MaxPartSize ByteSize `yaml:"max_part_size"`
	// MaxParts is the highest accepted part number.
	MaxParts int `yaml:"max_parts"`
	// UploadExpiry is applied to new uploads that carry no explicit expiry.
	UploadExpiry time.Duration `yaml:"upload_expiry"`
	// ChunkSize bounds every read and write issued against the byte store.
	ChunkSize ByteSize `yaml:"chunk_size"`
	// KeepAliveInterval is the idle period after which a streaming
	// completion response is padded.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
}

// MetadataConfig holds metadata store settings.
type MetadataConfig struct {
	// Engine is one of "sqlite", "memory", "dynamodb", "firestore", "cosmos".
	Engine    string          `yaml:"engine"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Firestore FirestoreConfig `yaml:"firestore"`
	Cosmos    CosmosConfig    `yaml:"cosmos"`
}

// SQLiteConfig holds the path of a SQLite database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// DynamoDBConfig holds settings for the DynamoDB metadata engine.
type DynamoDBConfig struct {
	Table       string `yaml:"table"`
	Region      string `yaml:"region"`
	EndpointURL string `yaml:"endpoint_url"`
}

// FirestoreConfig holds settings for the Firestore metadata engine.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id"`
	Collection      string `yaml:"collection"`
	CredentialsFile string `yaml:"credentials_file"`
}

// CosmosConfig holds settings for the Cosmos DB metadata engine.
type CosmosConfig struct {
	Endpoint  string `yaml:"endpoint"`
	MasterKey string `yaml:"master_key"`
	Database  string `yaml:"database"`
	Container string `yaml:"container"`
}

// StorageConfig holds byte store settings.
type StorageConfig struct {
	// Backend is one of "local", "memory", "sqlite", "aws", "gcp", "azure", "rados".
	Backend string       `yaml:"backend"`
	Local   LocalConfig  `yaml:"local"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	AWS     AWSConfig    `yaml:"aws"`
	GCP     GCPConfig    `yaml:"gcp"`
	Azure   AzureConfig  `yaml:"azure"`
	Rados   RadosConfig  `yaml:"rados"`
}

// LocalConfig holds local filesystem byte store settings.
type LocalConfig struct {
	RootDir string `yaml:"root_dir"`
}

// AWSConfig holds settings for the S3 byte store.
type AWSConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	EndpointURL     string `yaml:"endpoint_url"`
	UsePathStyle    bool   `yaml:"use_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GCPConfig holds settings for the Cloud Storage byte store.
type GCPConfig struct {
	Bucket          string `yaml:"bucket"`
	Project         string `yaml:"project"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
}

// AzureConfig holds settings for the Azure Blob byte store.
type AzureConfig struct {
	Container          string `yaml:"container"`
	AccountURL         string `yaml:"account_url"`
	Prefix             string `yaml:"prefix"`
	ConnectionString   string `yaml:"connection_string"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
}

// RadosConfig holds settings for the Ceph RADOS byte store.
type RadosConfig struct {
	ConfFile string `yaml:"conf_file"`
	User     string `yaml:"user"`
	Pool     string `yaml:"pool"`
}

// ReaperConfig controls background reclamation of abandoned uploads.
type ReaperConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	// OlderThan is the minimum age of an expired upload before it is
	// reclaimed, and the age limit of uploads without an expiry.
	OlderThan   time.Duration `yaml:"older_than"`
	Concurrency int           `yaml:"concurrency"`
}

// ByteSize is a size in bytes that unmarshals from either an integer or a
// human-readable string such as "5MiB".
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("decoding byte size: %w", err)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Load reads a YAML configuration file from the given path and returns a
// parsed Config with defaults applied. If the primary path cannot be read,
// iharbor-s3.example.yaml next to it or in its parent directory is tried.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		fallbackPaths := []string{
			filepath.Join(filepath.Dir(path), "iharbor-s3.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "iharbor-s3.example.yaml"),
		}
		var fallbackErr error
		for _, fp := range fallbackPaths {
			data, fallbackErr = os.ReadFile(fp)
			if fallbackErr == nil {
				break
			}
		}
		if fallbackErr != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := defaultConfig()
	applyDefaults(cfg)
	return cfg
}

// Validate rejects limits that cannot work together.
func (c *Config) Validate() error {
	m := c.Multipart
	if m.MinPartSize > m.MaxPartSize {
		return fmt.Errorf("multipart.min_part_size (%s) exceeds multipart.max_part_size (%s)", m.MinPartSize, m.MaxPartSize)
	}
	if m.MaxParts < 1 || m.MaxParts > 10000 {
		return fmt.Errorf("multipart.max_parts must be within 1..10000, got %d", m.MaxParts)
	}
	if m.ChunkSize <= 0 {
		return fmt.Errorf("multipart.chunk_size must be positive")
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Region:          "us-east-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Multipart: MultipartConfig{
			MinPartSize:       5 << 20,
			MaxPartSize:       2 << 30,
			MaxParts:          10000,
			UploadExpiry:      30 * 24 * time.Hour,
			ChunkSize:         4 << 20,
			KeepAliveInterval: 10 * time.Second,
		},
		Metadata: MetadataConfig{
			Engine: "sqlite",
			SQLite: SQLiteConfig{Path: "./data/metadata.db"},
		},
		Storage: StorageConfig{
			Backend: "local",
			Local:   LocalConfig{RootDir: "./data/objects"},
			SQLite:  SQLiteConfig{Path: "./data/bytes.db"},
		},
		Reaper: ReaperConfig{
			Enabled:     true,
			Interval:    time.Hour,
			OlderThan:   30 * 24 * time.Hour,
			Concurrency: 4,
		},
	}
}

// applyDefaults fills in any fields that are still at their zero value
// after YAML unmarshaling.
func applyDefaults(cfg *Config) {
	d := defaultConfig()
	if cfg.Server.Host == "" {
		cfg.Server.Host = d.Server.Host
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Server.Region == "" {
		cfg.Server.Region = d.Server.Region
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = d.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = d.Logging.Format
	}

	m := &cfg.Multipart
	if m.MinPartSize == 0 {
		m.MinPartSize = d.Multipart.MinPartSize
	}
	if m.MaxPartSize == 0 {
		m.MaxPartSize = d.Multipart.MaxPartSize
	}
	if m.MaxParts == 0 {
		m.MaxParts = d.Multipart.MaxParts
	}
	if m.UploadExpiry == 0 {
		m.UploadExpiry = d.Multipart.UploadExpiry
	}
	if m.ChunkSize == 0 {
		m.ChunkSize = d.Multipart.ChunkSize
	}
	if m.KeepAliveInterval == 0 {
		m.KeepAliveInterval = d.Multipart.KeepAliveInterval
	}

	if cfg.Metadata.Engine == "" {
		cfg.Metadata.Engine = d.Metadata.Engine
	}
	if cfg.Metadata.SQLite.Path == "" {
		cfg.Metadata.SQLite.Path = d.Metadata.SQLite.Path
	}
	if cfg.Metadata.DynamoDB.Region == "" {
		cfg.Metadata.DynamoDB.Region = "us-east-1"
	}
	if cfg.Metadata.Firestore.Collection == "" {
		cfg.Metadata.Firestore.Collection = "iharbor"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = d.Storage.Backend
	}
	if cfg.Storage.Local.RootDir == "" {
		cfg.Storage.Local.RootDir = d.Storage.Local.RootDir
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = d.Storage.SQLite.Path
	}
	if cfg.Storage.AWS.Region == "" {
		cfg.Storage.AWS.Region = "us-east-1"
	}
	if cfg.Storage.Rados.User == "" {
		cfg.Storage.Rados.User = "admin"
	}

	if cfg.Reaper.Interval == 0 {
		cfg.Reaper.Interval = d.Reaper.Interval
	}
	if cfg.Reaper.OlderThan == 0 {
		cfg.Reaper.OlderThan = d.Reaper.OlderThan
	}
	if cfg.Reaper.Concurrency <= 0 {
		cfg.Reaper.Concurrency = d.Reaper.Concurrency
	}
}

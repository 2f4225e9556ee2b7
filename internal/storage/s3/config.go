package s3

import "time"

// Config represents S3-compatible object store configuration for a single bucket.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	DisableSSL      bool   `yaml:"disable_ssl"`

	MaxRetries     int           `yaml:"max_retries"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	// ChunkSize is the streaming chunk size for hashing and upload/download (§4.B: 8 MiB).
	ChunkSize int64 `yaml:"chunk_size"`
}

// NewDefaultConfig returns a configuration with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		MaxRetries:     3,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
		PoolSize:       8,
		ChunkSize:      8 * 1024 * 1024,
	}
}

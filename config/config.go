// Package config loads the settings shared by the zip-bundler binaries.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/zip-bundler/jobstore"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

const (
	BackendS3   = "s3"
	BackendBlob = "blob"

	StoreDynamoDB = "dynamodb"
	StoreMemory   = "memory"

	// BucketPlaceholder is replaced with the bucket name in Storage.BlobURLTemplate.
	BucketPlaceholder = "{bucket}"

	maxPresignTTL = jobstore.MaxPresignTTL
)

// Secret is a string that is never printed.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// ByteSize accepts both plain byte counts and sizes like "8MiB" or "5mb".
type ByteSize int64

// UnmarshalYAML ...
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	size, err := parseSize(value.Value)
	if err != nil {
		return err
	}
	*b = size
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func parseSize(s string) (ByteSize, error) {
	size, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return ByteSize(size), nil
}

// Config ...
type Config struct {
	Storage   StorageConfig `yaml:"storage"`
	AWS       AWSConfig     `yaml:"aws"`
	Jobs      JobsConfig    `yaml:"jobs"`
	Queue     QueueConfig   `yaml:"queue"`
	Bundle    BundleConfig  `yaml:"bundle"`
	HTTPAddr  string        `yaml:"http_addr"`
	Verbose   bool          `yaml:"verbose"`
	Analytics bool          `yaml:"analytics"`
}

// StorageConfig ...
type StorageConfig struct {
	// Backend is either s3 or blob.
	Backend string `yaml:"backend"`
	// BlobURLTemplate is a gocloud bucket URL such as "s3://{bucket}?region=eu-west-1" or "file:///data/{bucket}".
	BlobURLTemplate string `yaml:"blob_url_template"`
}

// AWSConfig ...
type AWSConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey Secret `yaml:"secret_access_key"`
	// Endpoint overrides the service endpoints, e.g. for localstack.
	Endpoint string `yaml:"endpoint"`
}

// JobsConfig ...
type JobsConfig struct {
	Store     string `yaml:"store"`
	TableName string `yaml:"table_name"`
	RedisAddr string `yaml:"redis_addr"`
}

// QueueConfig ...
type QueueConfig struct {
	URL     string `yaml:"url"`
	Pollers int    `yaml:"pollers"`
}

// BundleConfig ...
type BundleConfig struct {
	ReadChunkSize   ByteSize      `yaml:"read_chunk_size"`
	PartSize        ByteSize      `yaml:"part_size"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
	TargetPrefix    string        `yaml:"target_prefix"`
	MaxRetryPerPart int           `yaml:"max_retry_per_part"`
}

// Default ...
func Default() Config {
	return Config{
		Storage: StorageConfig{Backend: BackendS3},
		Jobs:    JobsConfig{Store: StoreDynamoDB},
		Queue:   QueueConfig{Pollers: 1},
		Bundle: BundleConfig{
			ReadChunkSize:   1024 * 1024,
			PartSize:        8 * 1024 * 1024,
			PresignTTL:      24 * time.Hour,
			TargetPrefix:    "zips/",
			MaxRetryPerPart: 3,
		},
		HTTPAddr: ":8080",
	}
}

// LoadFromFile reads a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Load returns the defaults, overlaid by the file at path (if any) and then by the environment.
func Load(path string, repository env.Repository) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(repository); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// LoadFromEnv overrides every field whose environment variable is set.
func (c *Config) LoadFromEnv(repository env.Repository) error {
	setString(repository, "STORAGE_BACKEND", &c.Storage.Backend)
	setString(repository, "BLOB_URL_TEMPLATE", &c.Storage.BlobURLTemplate)

	setString(repository, "AWS_REGION", &c.AWS.Region)
	setString(repository, "AWS_ACCESS_KEY_ID", &c.AWS.AccessKeyID)
	if v := repository.Get("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.AWS.SecretAccessKey = Secret(v)
	}
	setString(repository, "AWS_ENDPOINT_URL", &c.AWS.Endpoint)

	setString(repository, "JOB_STORE", &c.Jobs.Store)
	setString(repository, "TABLE_NAME", &c.Jobs.TableName)
	setString(repository, "REDIS_ADDR", &c.Jobs.RedisAddr)

	setString(repository, "QUEUE_URL", &c.Queue.URL)
	if v := repository.Get("WORKER_POLLERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse WORKER_POLLERS: %w", err)
		}
		c.Queue.Pollers = n
	}

	if v := repository.Get("S3_READ_CHUNK"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("parse S3_READ_CHUNK: %w", err)
		}
		c.Bundle.ReadChunkSize = size
	}
	if v := repository.Get("S3_PART_SIZE"); v != "" {
		size, err := parseSize(v)
		if err != nil {
			return fmt.Errorf("parse S3_PART_SIZE: %w", err)
		}
		c.Bundle.PartSize = size
	}
	if v := repository.Get("PRESIGN_TTL_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse PRESIGN_TTL_SECONDS: %w", err)
		}
		c.Bundle.PresignTTL = time.Duration(seconds) * time.Second
	}
	setString(repository, "DST_PREFIX", &c.Bundle.TargetPrefix)

	setString(repository, "HTTP_ADDR", &c.HTTPAddr)
	if err := setBool(repository, "VERBOSE", &c.Verbose); err != nil {
		return err
	}
	return setBool(repository, "ANALYTICS_ENABLED", &c.Analytics)
}

// Validate ...
func (c Config) Validate() error {
	var errs []error

	switch c.Storage.Backend {
	case BackendS3:
		if c.Bundle.PartSize < ByteSize(manager.MinUploadPartSize) {
			errs = append(errs, fmt.Errorf("part size %s is below the S3 minimum of %s", c.Bundle.PartSize, ByteSize(manager.MinUploadPartSize)))
		}
		if c.Bundle.PresignTTL > maxPresignTTL {
			errs = append(errs, fmt.Errorf("presign TTL %s exceeds %s", c.Bundle.PresignTTL, maxPresignTTL))
		}
	case BackendBlob:
		if !strings.Contains(c.Storage.BlobURLTemplate, BucketPlaceholder) {
			errs = append(errs, fmt.Errorf("blob URL template must contain %s", BucketPlaceholder))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend))
	}

	switch c.Jobs.Store {
	case StoreDynamoDB:
		if c.Jobs.TableName == "" {
			errs = append(errs, errors.New("table name is required for the dynamodb job store"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown job store: %q", c.Jobs.Store))
	}

	if c.Bundle.ReadChunkSize <= 0 {
		errs = append(errs, errors.New("read chunk size must be positive"))
	}
	if c.Bundle.PartSize <= 0 {
		errs = append(errs, errors.New("part size must be positive"))
	}
	if c.Bundle.PresignTTL <= 0 {
		errs = append(errs, errors.New("presign TTL must be positive"))
	}
	if c.Queue.Pollers <= 0 {
		errs = append(errs, errors.New("worker pollers must be positive"))
	}

	return errors.Join(errs...)
}

// RequireQueue is checked by the binaries that talk to the queue.
func (c Config) RequireQueue() error {
	if c.Queue.URL == "" {
		return errors.New("queue URL is required")
	}
	return nil
}

// BucketURL returns the gocloud URL of the given bucket.
func (c Config) BucketURL(bucket string) string {
	return strings.ReplaceAll(c.Storage.BlobURLTemplate, BucketPlaceholder, bucket)
}

// Print logs the effective configuration, with secrets masked.
func (c Config) Print(logger log.Logger) {
	logger.Infof("Configuration:")
	logger.Printf("- storage_backend: %s", c.Storage.Backend)
	if c.Storage.Backend == BackendBlob {
		logger.Printf("- blob_url_template: %s", c.Storage.BlobURLTemplate)
	}
	logger.Printf("- aws_region: %s", valueOrUnset(c.AWS.Region))
	logger.Printf("- aws_access_key_id: %s", valueOrUnset(c.AWS.AccessKeyID))
	logger.Printf("- aws_secret_access_key: %s", valueOrUnset(c.AWS.SecretAccessKey.String()))
	logger.Printf("- aws_endpoint_url: %s", valueOrUnset(c.AWS.Endpoint))
	logger.Printf("- job_store: %s", c.Jobs.Store)
	logger.Printf("- table_name: %s", valueOrUnset(c.Jobs.TableName))
	logger.Printf("- redis_addr: %s", valueOrUnset(c.Jobs.RedisAddr))
	logger.Printf("- queue_url: %s", valueOrUnset(c.Queue.URL))
	logger.Printf("- worker_pollers: %d", c.Queue.Pollers)
	logger.Printf("- read_chunk_size: %s", c.Bundle.ReadChunkSize)
	logger.Printf("- part_size: %s", c.Bundle.PartSize)
	logger.Printf("- presign_ttl: %s", c.Bundle.PresignTTL)
	logger.Printf("- target_prefix: %s", c.Bundle.TargetPrefix)
}

func valueOrUnset(v string) string {
	if v == "" {
		return "<unset>"
	}
	return v
}

func setString(repository env.Repository, key string, target *string) {
	if v := repository.Get(key); v != "" {
		*target = v
	}
}

func setBool(repository env.Repository, key string, target *bool) error {
	v := repository.Get(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*target = b
	return nil
}

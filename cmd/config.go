package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/airframesio/data-compare/cmd/comparison"
	"github.com/airframesio/data-compare/cmd/engine"
	"github.com/airframesio/data-compare/cmd/sqlsafe"
)

// Static errors for configuration validation
var (
	ErrDriverInvalid           = errors.New("database driver must be one of: postgres, sqlite, mysql")
	ErrDSNRequired             = errors.New("database DSN is required")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrMaxRetriesInvalid       = errors.New("database max retries must be >= 0")
	ErrRetryDelayInvalid       = errors.New("database retry delay must be >= 0")
	ErrThresholdInvalid        = errors.New("bucket threshold must be at least 1")
	ErrLargeThresholdInvalid   = errors.New("large dataset threshold must be at least 1")
	ErrModulusInvalid          = fmt.Errorf("modulus must be between %d and %d", comparison.MinModulus, comparison.MaxModulus)
	ErrMaxDepthInvalid         = errors.New("max depth must be between 1 and 32")
	ErrBucketRetriesInvalid    = errors.New("bucket retries must be >= 0")
	ErrSampleSizeInvalid       = errors.New("sample size must be at least 1")
	ErrStoreBackendInvalid     = errors.New("store backend must be one of: file, sql")
	ErrStoreTableInvalid       = errors.New("store table is not a valid identifier")
	ErrRedisDBInvalid          = errors.New("redis db must be >= 0")
	ErrRedisTTLInvalid         = errors.New("redis ttl must be >= 0")
	ErrViewerPortInvalid       = errors.New("viewer port must be between 1 and 65535")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required")
	ErrS3BucketRequired        = errors.New("S3 bucket is required")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateRequired    = errors.New("path template is required")
	ErrPathTemplateInvalid     = errors.New("path template must contain {comparison} or {table} placeholder")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: jsonl, csv, parquet")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrChunkSizeMinimum        = errors.New("chunk size must be at least 100")
	ErrChunkSizeMaximum        = errors.New("chunk size must not exceed 1000000")
	ErrDiffTypeInvalid         = errors.New("diff type must be one of: match, differs, only_in_a, only_in_b")
)

const (
	regionAuto = "auto"

	storeFile = "file"
	storeSQL  = "sql"
)

type Config struct {
	Debug      bool
	LogFormat  string
	Viewer     bool
	ViewerPort int
	Engine     EngineConfig
	Compare    CompareConfig
	Store      StoreConfig
	Redis      RedisConfig
	S3         S3Config
	Export     ExportConfig
}

type EngineConfig struct {
	Driver           string
	DSN              string
	StatementTimeout int // seconds, 0 = no timeout
	MaxRetries       int // retry attempts for queries failing on connection errors
	RetryDelay       int // seconds between retry attempts
}

// CompareConfig tunes comparison execution.
type CompareConfig struct {
	Threshold             int64
	LargeDatasetThreshold int64
	Modulus               int
	MaxDepth              int
	BucketRetries         int
	BucketRetryDelayMs    int
	SampleSize            int64
}

type StoreConfig struct {
	Backend string // file or sql
	Dir     string // file backend, default ~/.data-compare/comparisons
	Table   string // sql backend
}

// RedisConfig enables progress publishing when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      int // seconds
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

type ExportConfig struct {
	Format           string
	Compression      string
	CompressionLevel int
	ChunkSize        int
	DiffTypes        []string
	// Output is a local path ("-" for stdout). Empty uploads to S3.
	Output string
}

// loadConfig assembles the configuration from flags, environment and config file.
func loadConfig() *Config {
	return &Config{
		Debug:      viper.GetBool("debug"),
		LogFormat:  viper.GetString("log_format"),
		Viewer:     viper.GetBool("viewer"),
		ViewerPort: viper.GetInt("viewer_port"),
		Engine: EngineConfig{
			Driver:           viper.GetString("db.driver"),
			DSN:              viper.GetString("db.dsn"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
			MaxRetries:       viper.GetInt("db.max_retries"),
			RetryDelay:       viper.GetInt("db.retry_delay"),
		},
		Compare: CompareConfig{
			Threshold:             viper.GetInt64("compare.threshold"),
			LargeDatasetThreshold: viper.GetInt64("compare.large_dataset_threshold"),
			Modulus:               viper.GetInt("compare.modulus"),
			MaxDepth:              viper.GetInt("compare.max_depth"),
			BucketRetries:         viper.GetInt("compare.bucket_retries"),
			BucketRetryDelayMs:    viper.GetInt("compare.bucket_retry_delay_ms"),
			SampleSize:            viper.GetInt64("compare.sample_size"),
		},
		Store: StoreConfig{
			Backend: viper.GetString("store.backend"),
			Dir:     viper.GetString("store.dir"),
			Table:   viper.GetString("store.table"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
			TTL:      viper.GetInt("redis.ttl"),
		},
		S3: S3Config{
			Endpoint:     viper.GetString("s3.endpoint"),
			Bucket:       viper.GetString("s3.bucket"),
			AccessKey:    viper.GetString("s3.access_key"),
			SecretKey:    viper.GetString("s3.secret_key"),
			Region:       viper.GetString("s3.region"),
			PathTemplate: viper.GetString("s3.path_template"),
		},
		Export: ExportConfig{
			Format:           viper.GetString("export.format"),
			Compression:      viper.GetString("export.compression"),
			CompressionLevel: viper.GetInt("export.compression_level"),
			ChunkSize:        viper.GetInt("export.chunk_size"),
			DiffTypes:        viper.GetStringSlice("export.diff_types"),
			Output:           viper.GetString("export.output"),
		},
	}
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

var pathTemplatePlaceholder = regexp.MustCompile(`\{(comparison|table)\}`)

func isValidPathTemplate(template string) bool {
	return template != "" && pathTemplatePlaceholder.MatchString(template)
}

func isValidOutputFormat(format string) bool {
	validFormats := map[string]bool{
		"jsonl":   true,
		"csv":     true,
		"parquet": true,
	}
	return validFormats[format]
}

func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
		"none": true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return level == 0
	default:
		return false
	}
}

func isValidDiffType(t string) bool {
	switch t {
	case comparison.DiffMatch, comparison.DiffDiffers, comparison.DiffOnlyInA, comparison.DiffOnlyInB:
		return true
	}
	return false
}

// Validate checks everything a comparison run needs: engine, execution tuning,
// store and optional Redis.
func (c *Config) Validate() error {
	if _, err := engine.DialectFor(c.Engine.Driver); err != nil {
		return fmt.Errorf("%w, got '%s'", ErrDriverInvalid, c.Engine.Driver)
	}
	if c.Engine.DSN == "" {
		return ErrDSNRequired
	}
	if c.Engine.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Engine.StatementTimeout)
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.Engine.MaxRetries)
	}
	if c.Engine.RetryDelay < 0 {
		return fmt.Errorf("%w, got %d", ErrRetryDelayInvalid, c.Engine.RetryDelay)
	}

	if c.Compare.Threshold < 1 {
		return fmt.Errorf("%w, got %d", ErrThresholdInvalid, c.Compare.Threshold)
	}
	if c.Compare.LargeDatasetThreshold < 1 {
		return fmt.Errorf("%w, got %d", ErrLargeThresholdInvalid, c.Compare.LargeDatasetThreshold)
	}
	if c.Compare.Modulus < comparison.MinModulus || c.Compare.Modulus > comparison.MaxModulus {
		return fmt.Errorf("%w, got %d", ErrModulusInvalid, c.Compare.Modulus)
	}
	if c.Compare.MaxDepth < 1 || c.Compare.MaxDepth > 32 {
		return fmt.Errorf("%w, got %d", ErrMaxDepthInvalid, c.Compare.MaxDepth)
	}
	if c.Compare.BucketRetries < 0 || c.Compare.BucketRetryDelayMs < 0 {
		return fmt.Errorf("%w, got %d", ErrBucketRetriesInvalid, c.Compare.BucketRetries)
	}
	if c.Compare.SampleSize < 1 {
		return fmt.Errorf("%w, got %d", ErrSampleSizeInvalid, c.Compare.SampleSize)
	}

	switch c.Store.Backend {
	case storeFile:
	case storeSQL:
		if c.Store.Table != "" {
			if err := sqlsafe.CheckIdentifier(c.Store.Table); err != nil {
				return fmt.Errorf("%w: %w", ErrStoreTableInvalid, err)
			}
		}
	default:
		return fmt.Errorf("%w, got '%s'", ErrStoreBackendInvalid, c.Store.Backend)
	}

	if c.Redis.DB < 0 {
		return fmt.Errorf("%w, got %d", ErrRedisDBInvalid, c.Redis.DB)
	}
	if c.Redis.TTL < 0 {
		return fmt.Errorf("%w, got %d", ErrRedisTTLInvalid, c.Redis.TTL)
	}

	if c.Viewer && (c.ViewerPort < 1 || c.ViewerPort > 65535) {
		return fmt.Errorf("%w, got %d", ErrViewerPortInvalid, c.ViewerPort)
	}
	return nil
}

// ValidateExport checks the export settings. S3 settings are only required when
// no local output is given.
func (c *Config) ValidateExport() error {
	e := c.Export
	if !isValidOutputFormat(e.Format) {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, e.Format)
	}
	if !isValidCompression(e.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, e.Compression)
	}
	if !isValidCompressionLevel(e.Compression, e.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, e.Compression, e.CompressionLevel)
	}
	if e.ChunkSize < 100 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMinimum, e.ChunkSize)
	}
	if e.ChunkSize > 1000000 {
		return fmt.Errorf("%w, got %d", ErrChunkSizeMaximum, e.ChunkSize)
	}
	for _, t := range e.DiffTypes {
		if !isValidDiffType(t) {
			return fmt.Errorf("%w: '%s'", ErrDiffTypeInvalid, t)
		}
	}
	if e.Output != "" {
		return nil
	}

	if c.S3.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if c.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if c.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if c.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}
	if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
		return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
	}
	if c.S3.PathTemplate == "" {
		return ErrPathTemplateRequired
	}
	if !isValidPathTemplate(c.S3.PathTemplate) {
		return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, c.S3.PathTemplate)
	}
	return nil
}

// EngineOptions converts the database settings for engine.Open.
func (c *Config) EngineOptions() engine.Config {
	return engine.Config{
		Driver:           strings.ToLower(c.Engine.Driver),
		DSN:              c.Engine.DSN,
		StatementTimeout: time.Duration(c.Engine.StatementTimeout) * time.Second,
		MaxRetries:       c.Engine.MaxRetries,
		RetryDelay:       time.Duration(c.Engine.RetryDelay) * time.Second,
	}
}

// ExecutionOptions converts the comparison tuning for the executors.
func (c *Config) ExecutionOptions() comparison.Options {
	return comparison.Options{
		Threshold:             c.Compare.Threshold,
		LargeDatasetThreshold: c.Compare.LargeDatasetThreshold,
		Modulus:               c.Compare.Modulus,
		MaxDepth:              c.Compare.MaxDepth,
		MaxRetries:            c.Compare.BucketRetries,
		RetryDelay:            time.Duration(c.Compare.BucketRetryDelayMs) * time.Millisecond,
		SampleSize:            c.Compare.SampleSize,
	}
}

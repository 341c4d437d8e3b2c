// Package config loads the ingestion configuration of one data source.
//
// The YAML file is read first, then .env files are loaded and INGEST_*
// environment variables override individual fields:
//
//  1. ENV_FILE (if set, loads only this file)
//  2. .env.local (overrides .env)
//  3. .env
//
// Secrets never live in the file; the authentication, redis and storage
// sections name the environment variables that hold them (*_env keys).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/biblio-ingest/pkg/client"
	"github.com/Sternrassler/biblio-ingest/pkg/ingest"
	"github.com/Sternrassler/biblio-ingest/pkg/pagination"
	"github.com/Sternrassler/biblio-ingest/pkg/ratelimit"
)

// EnvPrefix prefixes every environment override, e.g. INGEST_PROCESSING_WORKERS.
const EnvPrefix = "ingest"

// Ledger backends.
const (
	LedgerSQL    = "sql"
	LedgerRedis  = "redis"
	LedgerMemory = "memory"
)

// Cache backends.
const (
	CacheFile  = "file"
	CacheRedis = "redis"
)

// Artifact backends.
const (
	ArtifactsFS   = "fs"
	ArtifactsS3   = "s3"
	ArtifactsNone = "none"
)

// Config is the full configuration of one data source.
type Config struct {
	API               API               `yaml:"api"                split_words:"true"`
	Authentication    Authentication    `yaml:"authentication"     split_words:"true"`
	Pagination        Pagination        `yaml:"pagination"         split_words:"true"`
	RateLimits        RateLimits        `yaml:"rate_limits"        split_words:"true"`
	Retries           Retries           `yaml:"retries"            split_words:"true"`
	DefaultParameters map[string]string `yaml:"default_parameters" ignored:"true"`
	PayloadValidation PayloadValidation `yaml:"payload_validation" split_words:"true"`
	ResponseMapping   ResponseMapping   `yaml:"response_mapping"   ignored:"true"`
	Cache             Cache             `yaml:"cache"              split_words:"true"`
	Storage           Storage           `yaml:"storage"            split_words:"true"`
	Redis             Redis             `yaml:"redis"              split_words:"true"`
	Logging           Logging           `yaml:"logging"            split_words:"true"`
	Processing        Processing        `yaml:"processing"         split_words:"true"`

	// sections records which top-level sections the file declared.
	sections map[string]map[string]bool
}

// API describes the provider endpoint and how entities map onto requests.
type API struct {
	Name           string        `yaml:"name"            split_words:"true"`
	BaseURL        string        `yaml:"base_url"        split_words:"true"`
	Path           string        `yaml:"path"            split_words:"true"`
	EntityParam    string        `yaml:"entity_param"    split_words:"true"`
	EntityTemplate string        `yaml:"entity_template" split_words:"true"`
	UserAgent      string        `yaml:"user_agent"      split_words:"true"`
	Timeout        time.Duration `yaml:"timeout"         split_words:"true"`
}

// Authentication names the credential scheme and the variables holding it.
type Authentication struct {
	Type         string `yaml:"type"           split_words:"true"`
	APIKeyEnv    string `yaml:"api_key_env"    split_words:"true"`
	TokenEnv     string `yaml:"inst_token_env" split_words:"true"`
	KeyPlacement string `yaml:"key_placement"  split_words:"true"`
	KeyHeader    string `yaml:"key_header"     split_words:"true"`
	KeyParam     string `yaml:"key_param"      split_words:"true"`
	TokenHeader  string `yaml:"token_header"   split_words:"true"`
}

// Pagination selects the strategy and its parameter names.
type Pagination struct {
	Strategy       string `yaml:"strategy"         split_words:"true"`
	ItemsPerPage   int    `yaml:"items_per_page"   split_words:"true"`
	StartParam     string `yaml:"start_param"      split_words:"true"`
	CountParam     string `yaml:"count_param"      split_words:"true"`
	PageParam      string `yaml:"page_param"       split_words:"true"`
	SizeParam      string `yaml:"size_param"       split_words:"true"`
	HasMorePath    string `yaml:"has_more_path"    split_words:"true"`
	CursorParam    string `yaml:"cursor_param"     split_words:"true"`
	LimitParam     string `yaml:"limit_param"      split_words:"true"`
	InitialCursor  string `yaml:"initial_cursor"   split_words:"true"`
	NextCursorPath string `yaml:"next_cursor_path" split_words:"true"`
}

// RateLimits configures pacing and the rolling weekly budget.
type RateLimits struct {
	RequestsPerSecond float64       `yaml:"requests_per_second" split_words:"true"`
	WeeklyLimit       int           `yaml:"weekly_limit"        split_words:"true"`
	Window            time.Duration `yaml:"window"              split_words:"true"`
	RemainingHeader   string        `yaml:"remaining_header"    split_words:"true"`
	ResetHeader       string        `yaml:"reset_header"        split_words:"true"`
}

// Retries configures exponential backoff.
type Retries struct {
	MaxAttempts     int           `yaml:"max_attempts"     split_words:"true"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"  split_words:"true"`
	MaxBackoff      time.Duration `yaml:"max_backoff"      split_words:"true"`
	BackoffFactor   float64       `yaml:"backoff_factor"   split_words:"true"`
	Jitter          float64       `yaml:"jitter"           split_words:"true"`
	RetryableStatus []int         `yaml:"retryable_status" split_words:"true"`
}

// PayloadValidation selects the checks run on every response.
type PayloadValidation struct {
	RequiredKeys         []string `yaml:"required_keys"         split_words:"true"`
	ResponseCompleteness bool     `yaml:"response_completeness" split_words:"true"`
	RateLimitHeader      string   `yaml:"rate_limit_header"     split_words:"true"`

	// EmptyResponseDetection reports an empty page past page 1 as a
	// validation error when the provider declares no total. Default true.
	EmptyResponseDetection *bool `yaml:"empty_response_detection" split_words:"true"`
}

// ResponseMapping locates the total, the result list and item ids.
type ResponseMapping struct {
	TotalResultsPath string   `yaml:"total_results_path"`
	ItemsPath        string   `yaml:"items_path"`
	ItemIDPaths      []string `yaml:"item_id_paths"`
}

// Cache configures the response cache. It is used only when enabled here or
// requested on the command line.
type Cache struct {
	Enabled     bool          `yaml:"enabled"      split_words:"true"`
	Backend     string        `yaml:"backend"      split_words:"true"`
	Dir         string        `yaml:"dir"          split_words:"true"`
	Expiration  time.Duration `yaml:"expiration"   split_words:"true"`
	LockTimeout time.Duration `yaml:"lock_timeout" split_words:"true"`
}

// Storage selects where state, usage records and artifacts live.
type Storage struct {
	StateDB     string `yaml:"state_db"     split_words:"true"`
	Ledger      string `yaml:"ledger"       split_words:"true"`
	Artifacts   string `yaml:"artifacts"    split_words:"true"`
	ArtifactDir string `yaml:"artifact_dir" split_words:"true"`
	S3          S3     `yaml:"s3"           split_words:"true"`
}

// S3 configures an S3-compatible artifact bucket.
type S3 struct {
	Endpoint     string `yaml:"endpoint"       split_words:"true"`
	Bucket       string `yaml:"bucket"         split_words:"true"`
	Region       string `yaml:"region"         split_words:"true"`
	Prefix       string `yaml:"prefix"         split_words:"true"`
	UseSSL       bool   `yaml:"use_ssl"        split_words:"true"`
	AccessKeyEnv string `yaml:"access_key_env" split_words:"true"`
	SecretKeyEnv string `yaml:"secret_key_env" split_words:"true"`
}

// Redis configures the shared Redis used by the redis ledger and cache.
type Redis struct {
	Addr        string `yaml:"addr"         split_words:"true"`
	DB          int    `yaml:"db"           split_words:"true"`
	PasswordEnv string `yaml:"password_env" split_words:"true"`
}

// Logging configures zerolog output.
type Logging struct {
	Level  string `yaml:"level"  split_words:"true"`
	Pretty bool   `yaml:"pretty" split_words:"true"`
	File   string `yaml:"file"   split_words:"true"`
}

// Processing bounds concurrency.
type Processing struct {
	Workers int `yaml:"workers" split_words:"true"`
}

// requiredSections lists the sections and keys every file must declare.
var requiredSections = []struct {
	name string
	keys []string
}{
	{"api", []string{"name", "base_url"}},
	{"authentication", []string{"type"}},
	{"pagination", []string{"strategy"}},
	{"rate_limits", []string{"requests_per_second"}},
	{"retries", []string{"max_attempts"}},
}

// Load reads path, loads .env files, applies INGEST_* overrides and fills
// defaults. It does not validate; call Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := loadEnvFiles(); err != nil {
		return nil, fmt.Errorf("load environment files: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Parse decodes YAML without touching the environment or applying defaults.
func Parse(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.sections = make(map[string]map[string]bool, len(raw))
	for name, v := range raw {
		keys := map[string]bool{}
		if m, ok := v.(map[string]any); ok {
			for k := range m {
				keys[k] = true
			}
		}
		cfg.sections[name] = keys
	}
	return &cfg, nil
}

// loadEnvFiles loads .env files in priority order. Missing files are ignored.
func loadEnvFiles() error {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load env file %s: %w", envFile, err)
		}
		return nil
	}
	if err := godotenv.Load(".env.local"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env.local: %w", err)
	}
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.API.UserAgent == "" {
		c.API.UserAgent = "biblio-ingest/1.0"
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = client.DefaultTimeout
	}
	if c.Authentication.Type == "" {
		c.Authentication.Type = string(client.AuthNone)
	}
	if c.Pagination.ItemsPerPage <= 0 {
		c.Pagination.ItemsPerPage = pagination.DefaultItemsPerPage
	}
	if c.Retries.MaxAttempts <= 0 {
		c.Retries.MaxAttempts = client.DefaultRetryConfig().MaxAttempts
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheFile
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = ".cache"
	}
	if c.Storage.StateDB == "" {
		c.Storage.StateDB = "ingest.db"
	}
	if c.Storage.Ledger == "" {
		c.Storage.Ledger = LedgerSQL
	}
	if c.Storage.Artifacts == "" {
		c.Storage.Artifacts = ArtifactsFS
	}
	if c.Storage.ArtifactDir == "" {
		c.Storage.ArtifactDir = "artifacts"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Processing.Workers <= 0 {
		c.Processing.Workers = 1
	}
	if c.PayloadValidation.EmptyResponseDetection == nil {
		detect := true
		c.PayloadValidation.EmptyResponseDetection = &detect
	}
}

// Validate reports every missing section or key and every inconsistent
// setting at once.
func (c *Config) Validate() error {
	var errs []error

	for _, sec := range requiredSections {
		keys, ok := c.sections[sec.name]
		if c.sections != nil && !ok {
			errs = append(errs, fmt.Errorf("missing section [%s]", sec.name))
			continue
		}
		for _, k := range sec.keys {
			if c.sections != nil && !keys[k] {
				errs = append(errs, fmt.Errorf("missing key '%s' in section [%s]", k, sec.name))
			}
		}
	}

	if c.API.BaseURL != "" {
		if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("api.base_url %q is not an absolute URL", c.API.BaseURL))
		}
	}
	if c.API.Path == "" && c.API.EntityParam == "" {
		errs = append(errs, errors.New("api.path or api.entity_param must place the entity in the request"))
	}
	if c.API.EntityParam == "" && c.API.Path != "" && !strings.Contains(c.API.Path, ingest.EntityPlaceholder) {
		errs = append(errs, fmt.Errorf("api.path must contain %s when api.entity_param is empty", ingest.EntityPlaceholder))
	}
	if c.API.EntityTemplate != "" && strings.Count(c.API.EntityTemplate, "%s") != 1 {
		errs = append(errs, fmt.Errorf("api.entity_template %q must contain exactly one %%s", c.API.EntityTemplate))
	}

	switch client.AuthType(c.Authentication.Type) {
	case client.AuthNone, "":
	case client.AuthAPIKey:
		if c.Authentication.APIKeyEnv == "" {
			errs = append(errs, errors.New("authentication.api_key_env is required for api_key"))
		}
	case client.AuthBearerToken:
		if c.Authentication.TokenEnv == "" {
			errs = append(errs, errors.New("authentication.inst_token_env is required for bearer_token"))
		}
	case client.AuthAPIKeyAndToken:
		if c.Authentication.APIKeyEnv == "" || c.Authentication.TokenEnv == "" {
			errs = append(errs, errors.New("authentication.api_key_env and inst_token_env are required for api_key_and_token"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown authentication.type %q", c.Authentication.Type))
	}

	switch pagination.Kind(c.Pagination.Strategy) {
	case pagination.KindOffsetLimit:
		if c.ResponseMapping.TotalResultsPath == "" {
			errs = append(errs, errors.New("response_mapping.total_results_path is required for offset_limit"))
		}
	case pagination.KindPageBased:
		if c.ResponseMapping.TotalResultsPath == "" && c.Pagination.HasMorePath == "" {
			errs = append(errs, errors.New("page_based needs response_mapping.total_results_path or pagination.has_more_path"))
		}
	case pagination.KindCursorBased:
		if c.Pagination.NextCursorPath == "" {
			errs = append(errs, errors.New("pagination.next_cursor_path is required for cursor_based"))
		}
	case "":
	default:
		errs = append(errs, fmt.Errorf("unknown pagination.strategy %q", c.Pagination.Strategy))
	}
	if c.ResponseMapping.ItemsPath == "" {
		errs = append(errs, errors.New("response_mapping.items_path is required"))
	}

	if c.RateLimits.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limits.requests_per_second must not be negative"))
	}
	if c.RateLimits.WeeklyLimit < 0 {
		errs = append(errs, errors.New("rate_limits.weekly_limit must not be negative"))
	}
	if c.Retries.BackoffFactor != 0 && c.Retries.BackoffFactor < 1 {
		errs = append(errs, errors.New("retries.backoff_factor must be at least 1"))
	}

	switch c.Cache.Backend {
	case CacheFile:
	case CacheRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache.backend %q", c.Cache.Backend))
	}

	switch c.Storage.Ledger {
	case LedgerSQL, LedgerMemory:
	case LedgerRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.ledger %q", c.Storage.Ledger))
	}

	switch c.Storage.Artifacts {
	case ArtifactsFS, ArtifactsNone:
	case ArtifactsS3:
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.endpoint and storage.s3.bucket are required for s3 artifacts"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.artifacts %q", c.Storage.Artifacts))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Credentials are the secrets resolved from the environment.
type Credentials struct {
	APIKey        string
	Token         string
	RedisPassword string
	S3AccessKey   string
	S3SecretKey   string
}

// MissingEnvError lists every referenced environment variable that is unset.
type MissingEnvError struct {
	Vars []string
}

func (e *MissingEnvError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Vars, ", ")
}

// ResolveCredentials reads the *_env references. Redis and S3 secrets are
// optional; authentication secrets are required when referenced.
func (c *Config) ResolveCredentials() (Credentials, error) {
	var (
		creds   Credentials
		missing []string
	)
	required := func(name string, dst *string) {
		if name == "" {
			return
		}
		if v := os.Getenv(name); v != "" {
			*dst = v
			return
		}
		missing = append(missing, name)
	}
	optional := func(name string, dst *string) {
		if name != "" {
			*dst = os.Getenv(name)
		}
	}

	required(c.Authentication.APIKeyEnv, &creds.APIKey)
	required(c.Authentication.TokenEnv, &creds.Token)
	optional(c.Redis.PasswordEnv, &creds.RedisPassword)
	if c.Storage.Artifacts == ArtifactsS3 {
		required(c.Storage.S3.AccessKeyEnv, &creds.S3AccessKey)
		required(c.Storage.S3.SecretKeyEnv, &creds.S3SecretKey)
	}

	if len(missing) > 0 {
		return creds, &MissingEnvError{Vars: missing}
	}
	return creds, nil
}

// PaginationConfig returns the strategy configuration.
func (c *Config) PaginationConfig() pagination.Config {
	p := c.Pagination
	return pagination.Config{
		Strategy:         pagination.Kind(p.Strategy),
		ItemsPerPage:     p.ItemsPerPage,
		StartParam:       p.StartParam,
		CountParam:       p.CountParam,
		PageParam:        p.PageParam,
		SizeParam:        p.SizeParam,
		HasMorePath:      p.HasMorePath,
		CursorParam:      p.CursorParam,
		LimitParam:       p.LimitParam,
		InitialCursor:    p.InitialCursor,
		NextCursorPath:   p.NextCursorPath,
		TotalResultsPath: c.ResponseMapping.TotalResultsPath,
		ItemsPath:        c.ResponseMapping.ItemsPath,
	}
}

// ClientConfig returns the transport configuration with resolved secrets.
func (c *Config) ClientConfig(creds Credentials) client.Config {
	params := url.Values{}
	for k, v := range c.DefaultParameters {
		params.Set(k, v)
	}

	retry := client.RetryConfig{
		MaxAttempts:       c.Retries.MaxAttempts,
		InitialBackoff:    c.Retries.InitialBackoff,
		MaxBackoff:        c.Retries.MaxBackoff,
		BackoffMultiplier: c.Retries.BackoffFactor,
		Jitter:            c.Retries.Jitter,
		RetryableStatus:   c.Retries.RetryableStatus,
	}

	return client.Config{
		Source:    c.API.Name,
		BaseURL:   c.API.BaseURL,
		UserAgent: c.API.UserAgent,
		Timeout:   c.API.Timeout,
		Auth: client.AuthConfig{
			Type:         client.AuthType(c.Authentication.Type),
			APIKey:       creds.APIKey,
			Token:        creds.Token,
			KeyPlacement: c.Authentication.KeyPlacement,
			KeyHeader:    c.Authentication.KeyHeader,
			KeyParam:     c.Authentication.KeyParam,
			TokenHeader:  c.Authentication.TokenHeader,
		},
		Retry:         retry,
		DefaultParams: params,
		Validation: client.ValidationConfig{
			RequiredKeys:      c.PayloadValidation.RequiredKeys,
			CheckCompleteness: c.PayloadValidation.ResponseCompleteness,
			TotalResultsPath:  c.ResponseMapping.TotalResultsPath,
			ItemsPath:         c.ResponseMapping.ItemsPath,
			PageSize:          c.Pagination.ItemsPerPage,
			RateLimitHeader:   c.PayloadValidation.RateLimitHeader,
		},
	}
}

// RateLimitConfig returns the limiter configuration.
func (c *Config) RateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		Source:            c.API.Name,
		RequestsPerSecond: c.RateLimits.RequestsPerSecond,
		WeeklyLimit:       c.RateLimits.WeeklyLimit,
		Window:            c.RateLimits.Window,
		RemainingHeader:   c.RateLimits.RemainingHeader,
		ResetHeader:       c.RateLimits.ResetHeader,
	}
}

// IngestConfig returns the orchestrator configuration.
func (c *Config) IngestConfig() ingest.Config {
	return ingest.Config{
		Source:         c.API.Name,
		Path:           c.API.Path,
		EntityParam:    c.API.EntityParam,
		EntityTemplate: c.API.EntityTemplate,
		ItemIDPaths:    c.ResponseMapping.ItemIDPaths,
		Workers:        c.Processing.Workers,
		CacheTTL:       c.Cache.Expiration,

		AllowEmptyPages: c.PayloadValidation.EmptyResponseDetection != nil && !*c.PayloadValidation.EmptyResponseDetection,
	}
}

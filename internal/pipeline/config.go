package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/correlator-io/songplays/internal/config"
	"github.com/correlator-io/songplays/internal/warehouse"
)

const (
	defaultConfigPath = "dwh.yaml"
	defaultPort       = 5439 // Redshift
	defaultSSLMode    = "require"
)

// Loader kinds.
const (
	LoaderCopy   = "copy"   // server-side COPY, the warehouse reads the objects
	LoaderClient = "client" // objects are read here and streamed with COPY FROM STDIN
)

var (
	// ErrInvalidConfig is returned when the configuration cannot drive a run.
	ErrInvalidConfig = errors.New("invalid pipeline configuration")

	// ErrNoDatabase is returned when neither a database URL nor a cluster host is configured.
	ErrNoDatabase = errors.New("no warehouse connection configured")
)

type (
	// Config is the run configuration, read from YAML and overridden by the environment.
	Config struct {
		DatabaseURL string          `yaml:"database_url"`
		Cluster     ClusterConfig   `yaml:"cluster"`
		IAMRole     IAMRoleConfig   `yaml:"iam_role"`
		S3          S3Config        `yaml:"s3"`
		Warehouse   WarehouseConfig `yaml:"warehouse"`
	}

	// ClusterConfig holds the warehouse endpoint.
	ClusterConfig struct {
		Host     string `yaml:"host"`
		DBName   string `yaml:"dbname"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Port     int    `yaml:"port"`
		SSLMode  string `yaml:"sslmode"`
	}

	// IAMRoleConfig holds the role the warehouse assumes to read the sources.
	IAMRoleConfig struct {
		ARN string `yaml:"arn"`
	}

	// S3Config locates the sources. Access keys are read from the environment only.
	S3Config struct {
		LogData     string `yaml:"log_data"`
		LogJSONPath string `yaml:"log_jsonpath"`
		SongData    string `yaml:"song_data"`
		Region      string `yaml:"region"`

		AccessKeyID     string `yaml:"-"`
		SecretAccessKey string `yaml:"-"`
		SessionToken    string `yaml:"-"`
	}

	// WarehouseConfig selects the schema shape and transformation semantics.
	WarehouseConfig struct {
		Dialect          string   `yaml:"dialect"`
		Loader           string   `yaml:"loader"`
		ReferentialMode  string   `yaml:"referential_mode"`
		UserPolicy       string   `yaml:"user_policy"`
		PlayPage         string   `yaml:"play_page"`
		NullUserSentinel int64    `yaml:"null_user_sentinel"`
		AllowedPages     []string `yaml:"allowed_pages"`
		Gzip             bool     `yaml:"gzip"`
		Recreate         *bool    `yaml:"recreate"`
		RunLog           bool     `yaml:"run_log"`
	}
)

// LoadConfig reads the YAML file at path, or DWH_CONFIG_PATH, or dwh.yaml when path is
// empty. A missing file is not an error. Environment variables override file values.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = config.GetEnvStr("DWH_CONFIG_PATH", defaultConfigPath)
	}

	cfg := &Config{}

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrInvalidConfig, path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DatabaseURL = config.GetEnvStr("DATABASE_URL", c.DatabaseURL)
	c.IAMRole.ARN = config.GetEnvStr("DWH_IAM_ROLE_ARN", c.IAMRole.ARN)

	c.S3.LogData = config.GetEnvStr("DWH_LOG_DATA", c.S3.LogData)
	c.S3.LogJSONPath = config.GetEnvStr("DWH_LOG_JSONPATH", c.S3.LogJSONPath)
	c.S3.SongData = config.GetEnvStr("DWH_SONG_DATA", c.S3.SongData)
	c.S3.Region = config.GetEnvStr("AWS_REGION", c.S3.Region)
	c.S3.AccessKeyID = config.GetEnvStr("AWS_ACCESS_KEY_ID", c.S3.AccessKeyID)
	c.S3.SecretAccessKey = config.GetEnvStr("AWS_SECRET_ACCESS_KEY", c.S3.SecretAccessKey)
	c.S3.SessionToken = config.GetEnvStr("AWS_SESSION_TOKEN", c.S3.SessionToken)

	w := &c.Warehouse
	w.Dialect = config.GetEnvStr("DWH_DIALECT", w.Dialect)
	w.Loader = config.GetEnvStr("DWH_LOADER", w.Loader)
	w.ReferentialMode = config.GetEnvStr("DWH_REFERENTIAL_MODE", w.ReferentialMode)
	w.UserPolicy = config.GetEnvStr("DWH_USER_POLICY", w.UserPolicy)
	w.PlayPage = config.GetEnvStr("DWH_PLAY_PAGE", w.PlayPage)
	w.NullUserSentinel = config.GetEnvInt64("DWH_NULL_USER_SENTINEL", w.NullUserSentinel)
	w.AllowedPages = config.GetEnvList("DWH_ALLOWED_PAGES", w.AllowedPages)
	w.Gzip = config.GetEnvBool("DWH_GZIP", w.Gzip)
	w.RunLog = config.GetEnvBool("DWH_RUN_LOG", w.RunLog)
}

func (c *Config) applyDefaults() {
	defaults := warehouse.DefaultOptions()

	if c.Cluster.Port == 0 {
		c.Cluster.Port = defaultPort
	}

	if c.Cluster.SSLMode == "" {
		c.Cluster.SSLMode = defaultSSLMode
	}

	w := &c.Warehouse
	if w.Dialect == "" {
		w.Dialect = string(defaults.Dialect)
	}

	if w.ReferentialMode == "" {
		w.ReferentialMode = string(defaults.Referential)
	}

	if w.UserPolicy == "" {
		w.UserPolicy = string(defaults.UserPolicy)
	}

	if w.PlayPage == "" {
		w.PlayPage = defaults.PlayPage
	}

	if w.Loader == "" {
		w.Loader = LoaderCopy
		if strings.EqualFold(w.Dialect, string(warehouse.DialectPostgres)) {
			w.Loader = LoaderClient
		}
	}

	if w.Recreate == nil {
		recreate := defaults.Recreate
		w.Recreate = &recreate
	}
}

// Validate checks that the configuration can drive a run.
func (c *Config) Validate() error {
	if _, err := c.Options(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	switch strings.ToLower(c.Warehouse.Loader) {
	case LoaderCopy, LoaderClient:
	default:
		return fmt.Errorf("%w: unknown loader %q (valid: copy, client)", ErrInvalidConfig, c.Warehouse.Loader)
	}

	if c.Cluster.Port < 1 || c.Cluster.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Cluster.Port)
	}

	return nil
}

// Options returns the warehouse options the configuration selects.
func (c *Config) Options() (warehouse.Options, error) {
	opts := warehouse.DefaultOptions()

	var err error

	if c.Warehouse.Dialect != "" {
		if opts.Dialect, err = warehouse.ParseDialect(c.Warehouse.Dialect); err != nil {
			return warehouse.Options{}, err
		}
	}

	if c.Warehouse.ReferentialMode != "" {
		if opts.Referential, err = warehouse.ParseReferentialMode(c.Warehouse.ReferentialMode); err != nil {
			return warehouse.Options{}, err
		}
	}

	if c.Warehouse.UserPolicy != "" {
		if opts.UserPolicy, err = warehouse.ParseUserPolicy(c.Warehouse.UserPolicy); err != nil {
			return warehouse.Options{}, err
		}
	}

	if c.Warehouse.PlayPage != "" {
		opts.PlayPage = c.Warehouse.PlayPage
	}

	if c.Warehouse.Recreate != nil {
		opts.Recreate = *c.Warehouse.Recreate
	}

	return opts, opts.Validate()
}

// DSN returns the warehouse connection URL. DatabaseURL wins over the cluster section.
func (c *Config) DSN() (string, error) {
	if c.DatabaseURL != "" {
		return c.DatabaseURL, nil
	}

	if c.Cluster.Host == "" {
		return "", ErrNoDatabase
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Cluster.Host, strconv.Itoa(c.Cluster.Port)),
		Path:     "/" + c.Cluster.DBName,
		RawQuery: url.Values{"sslmode": []string{c.Cluster.SSLMode}}.Encode(),
	}

	if c.Cluster.User != "" {
		if c.Cluster.Password != "" {
			u.User = url.UserPassword(c.Cluster.User, c.Cluster.Password)
		} else {
			u.User = url.User(c.Cluster.User)
		}
	}

	return u.String(), nil
}

// Rules returns the cleanse rules: the null-user sentinel, then the page whitelist when
// allowed pages are configured.
func (c *Config) Rules() []warehouse.Rule {
	rules := []warehouse.Rule{warehouse.NullUserRule{Sentinel: c.Warehouse.NullUserSentinel}}

	if len(c.Warehouse.AllowedPages) > 0 {
		rules = append(rules, warehouse.PageWhitelistRule{Pages: c.Warehouse.AllowedPages})
	}

	return rules
}

// Sources returns the event and song sources in load order.
func (c *Config) Sources() []warehouse.Source {
	events := warehouse.EventSource(c.S3.LogData, c.S3.LogJSONPath)
	events.Gzip = c.Warehouse.Gzip

	songs := warehouse.SongSource(c.S3.SongData)
	songs.Gzip = c.Warehouse.Gzip

	return []warehouse.Source{events, songs}
}

// Credentials returns the server-side loader credentials.
func (c *Config) Credentials() warehouse.Credentials {
	return warehouse.Credentials{IAMRole: c.IAMRole.ARN, Region: c.S3.Region}
}

// ClientLoader reports whether objects are streamed from this process.
func (c *Config) ClientLoader() bool {
	return strings.EqualFold(c.Warehouse.Loader, LoaderClient)
}

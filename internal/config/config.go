// Package config handles configuration loading for macropanel.
// It supports YAML config files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"      yaml:"http"`
	Cache     CacheConfig     `mapstructure:"cache"     yaml:"cache"`
	OECD      OECDConfig      `mapstructure:"oecd"      yaml:"oecd"`
	BIS       BISConfig       `mapstructure:"bis"       yaml:"bis"`
	IMF       IMFConfig       `mapstructure:"imf"       yaml:"imf"`
	WorldBank WorldBankConfig `mapstructure:"worldbank" yaml:"worldbank"`
	Output    OutputConfig    `mapstructure:"output"    yaml:"output"`
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Pulls     []PullConfig    `mapstructure:"pulls"     yaml:"pulls"`
}

// HTTPConfig holds the retry and pacing policy shared by every source.
type HTTPConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"       yaml:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"      yaml:"backoff_base"`      // 429 without Retry-After: base·2^attempt
	BackoffFloor     time.Duration `mapstructure:"backoff_floor"     yaml:"backoff_floor"`
	TransientBackoff time.Duration `mapstructure:"transient_backoff" yaml:"transient_backoff"` // first wait after a 5xx or network error
	MaxBackoff       time.Duration `mapstructure:"max_backoff"       yaml:"max_backoff"`
	Timeout          time.Duration `mapstructure:"timeout"           yaml:"timeout"`
	MinInterval      time.Duration `mapstructure:"min_interval"      yaml:"min_interval"`
	UserAgent        string        `mapstructure:"user_agent"        yaml:"user_agent"`
}

// CacheConfig holds the structure cache settings.
type CacheConfig struct {
	Dir     string `mapstructure:"dir"     yaml:"dir"`
	Refresh bool   `mapstructure:"refresh" yaml:"refresh"` // ignore side files from earlier runs
}

// OECDConfig holds the Table 0720 pull settings.
type OECDConfig struct {
	ReferenceURL    string        `mapstructure:"reference_url"     yaml:"reference_url"`
	Username        string        `mapstructure:"username"          yaml:"username"`
	Password        string        `mapstructure:"password"          yaml:"password"          json:"-"`
	Start           string        `mapstructure:"start"             yaml:"start"`
	End             string        `mapstructure:"end"               yaml:"end"`
	RefAreas        []string      `mapstructure:"ref_areas"         yaml:"ref_areas"`
	Instruments     []string      `mapstructure:"instruments"       yaml:"instruments"`
	Pause           time.Duration `mapstructure:"pause"             yaml:"pause"`
	StructureCache  string        `mapstructure:"structure_cache"   yaml:"structure_cache"`
	Concurrency     int           `mapstructure:"concurrency"       yaml:"concurrency"`
	ContinueOnError bool          `mapstructure:"continue_on_error" yaml:"continue_on_error"`
}

// BISConfig holds the debt securities pull settings.
type BISConfig struct {
	BaseURL    string        `mapstructure:"base_url"    yaml:"base_url"`
	Start      string        `mapstructure:"start"       yaml:"start"`
	End        string        `mapstructure:"end"         yaml:"end"`
	Countries  []string      `mapstructure:"countries"   yaml:"countries"` // names or BIS codes
	BatchSize  int           `mapstructure:"batch_size"  yaml:"batch_size"`
	MinPause   time.Duration `mapstructure:"min_pause"   yaml:"min_pause"`
	MaxPause   time.Duration `mapstructure:"max_pause"   yaml:"max_pause"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
}

// IMFConfig holds the portfolio investment positions pull settings.
type IMFConfig struct {
	BaseURL    string   `mapstructure:"base_url"    yaml:"base_url"`
	End        string   `mapstructure:"end"         yaml:"end"`
	Issuers    []string `mapstructure:"issuers"     yaml:"issuers"`
	Currencies []string `mapstructure:"currencies"  yaml:"currencies"`
	MaxRetries int      `mapstructure:"max_retries" yaml:"max_retries"`
}

// WorldBankConfig holds the Data360 WDI pull settings.
type WorldBankConfig struct {
	BaseURL          string   `mapstructure:"base_url"           yaml:"base_url"`
	Start            string   `mapstructure:"start"              yaml:"start"`
	End              string   `mapstructure:"end"                yaml:"end"`
	PageSize         int      `mapstructure:"page_size"          yaml:"page_size"`
	MaxRetries       int      `mapstructure:"max_retries"        yaml:"max_retries"`
	Countries        []string `mapstructure:"countries"          yaml:"countries"` // ISO3
	IncludeMarketCap bool     `mapstructure:"include_market_cap" yaml:"include_market_cap"`
}

// OutputConfig selects where pulled tables are written.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"          yaml:"dir"`
	Format      string `mapstructure:"format"       yaml:"format"` // "csv", "json", "sqlite" or "postgres"
	SQLitePath  string `mapstructure:"sqlite_path"  yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn" json:"-"`
	// PostgresSchema is the schema of created tables; empty uses the
	// search path.
	PostgresSchema string `mapstructure:"postgres_schema" yaml:"postgres_schema"`
}

// APIConfig holds HTTP API server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

// PullConfig declares a generic dataflow pull. Map keys (rename, aliases)
// are matched case-insensitively since viper lower-cases them.
type PullConfig struct {
	ID               string              `mapstructure:"id"                yaml:"id"`
	Description      string              `mapstructure:"description"       yaml:"description"`
	ReferenceURL     string              `mapstructure:"reference_url"     yaml:"reference_url"`
	Start            string              `mapstructure:"start"             yaml:"start"`
	End              string              `mapstructure:"end"               yaml:"end"`
	Roles            []RoleConfig        `mapstructure:"roles"             yaml:"roles"`
	Requirements     []RequirementConfig `mapstructure:"requirements"      yaml:"requirements"`
	Iterate          []AxisConfig        `mapstructure:"iterate"           yaml:"iterate"`
	Rename           map[string]string   `mapstructure:"rename"            yaml:"rename"`
	Params           map[string]string   `mapstructure:"params"            yaml:"params"`
	FallbackAgencies []string            `mapstructure:"fallback_agencies" yaml:"fallback_agencies"`
	StructureFormat  string              `mapstructure:"structure_format"  yaml:"structure_format"`
	StructureURLs    []string            `mapstructure:"structure_urls"    yaml:"structure_urls"`
	Pause            time.Duration       `mapstructure:"pause"             yaml:"pause"`
	ContinueOnError  bool                `mapstructure:"continue_on_error" yaml:"continue_on_error"`
	Concurrency      int                 `mapstructure:"concurrency"       yaml:"concurrency"`
}

// RoleConfig names a semantic dimension and its candidate identifiers.
type RoleConfig struct {
	Name       string   `mapstructure:"name"       yaml:"name"`
	Candidates []string `mapstructure:"candidates" yaml:"candidates"`
	Required   bool     `mapstructure:"required"   yaml:"required"`
}

// RequirementConfig fixes the code of one role, either literally or by
// label patterns with preferred codes.
type RequirementConfig struct {
	Role         string   `mapstructure:"role"          yaml:"role"`
	Codes        []string `mapstructure:"codes"         yaml:"codes"`
	Patterns     []string `mapstructure:"patterns"      yaml:"patterns"`
	Preferred    []string `mapstructure:"preferred"     yaml:"preferred"`
	AllowMissing bool     `mapstructure:"allow_missing" yaml:"allow_missing"`
}

// AxisConfig is a role iterated over, one request per code or batch.
type AxisConfig struct {
	Role      string            `mapstructure:"role"       yaml:"role"`
	Codes     []string          `mapstructure:"codes"      yaml:"codes"`
	Aliases   map[string]string `mapstructure:"aliases"    yaml:"aliases"`
	Strict    bool              `mapstructure:"strict"     yaml:"strict"`
	BatchSize int               `mapstructure:"batch_size" yaml:"batch_size"`
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.macropanel/config.yaml (home directory)
//  3. /etc/macropanel/config.yaml (system)
//
// Environment variables override config file values.
// Format: MACROPANEL_<SECTION>_<KEY>, e.g., MACROPANEL_OECD_USERNAME
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".macropanel"))
	v.AddConfigPath("/etc/macropanel")

	// Read config file (not required to exist)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("MACROPANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	overrideFromEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http.max_retries", 10)
	v.SetDefault("http.backoff_base", 5*time.Second)
	v.SetDefault("http.backoff_floor", 10*time.Second)
	v.SetDefault("http.transient_backoff", 1500*time.Millisecond)
	v.SetDefault("http.max_backoff", time.Minute)
	v.SetDefault("http.timeout", 120*time.Second)
	v.SetDefault("http.min_interval", time.Duration(0))
	v.SetDefault("http.user_agent", "macropanel/1.0")

	v.SetDefault("cache.dir", filepath.Join("data", "cache"))
	v.SetDefault("cache.refresh", false)

	v.SetDefault("oecd.reference_url", DefaultOECDReference)
	v.SetDefault("oecd.start", "2003")
	v.SetDefault("oecd.end", "2020")
	v.SetDefault("oecd.pause", 500*time.Millisecond)
	v.SetDefault("oecd.concurrency", 1)

	v.SetDefault("bis.base_url", "https://stats.bis.org/api/v2")
	v.SetDefault("bis.start", "2003")
	v.SetDefault("bis.end", "2020")
	v.SetDefault("bis.batch_size", 3)
	v.SetDefault("bis.min_pause", 2*time.Second)
	v.SetDefault("bis.max_pause", 4*time.Second)
	v.SetDefault("bis.max_retries", 5)

	v.SetDefault("imf.base_url", "https://api.imf.org/external/sdmx/2.1")
	v.SetDefault("imf.end", "2020")
	v.SetDefault("imf.max_retries", 6)

	v.SetDefault("worldbank.base_url", "https://data360api.worldbank.org")
	v.SetDefault("worldbank.start", "2003")
	v.SetDefault("worldbank.end", "2020")
	v.SetDefault("worldbank.page_size", 1000)
	v.SetDefault("worldbank.max_retries", 5)
	v.SetDefault("worldbank.include_market_cap", true)

	v.SetDefault("output.dir", "data")
	v.SetDefault("output.format", "csv")
	v.SetDefault("output.sqlite_path", filepath.Join("data", "macropanel.db"))

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// DefaultOECDReference is the Table 0720 query copied from the OECD Data
// Explorer query builder.
const DefaultOECDReference = "https://sdmx.oecd.org/public/rest/data/" +
	"OECD.SDD.NAD,DSD_NASEC20@DF_T720R_A,1.1/" +
	"A..CAN+USA+BEL+DNK+FIN+FRA+DEU+ITA+ISR+NLD+NOR+PRT+ESP+SWE+CHE+GBR+" +
	"BRA+JPN+COL+CZE+GRC+HUN+MEX+POL+KOR+AUT..S13....LE.F2+F3+F4+F5.." +
	"XDC._T.S.V.N.T0720._Z?startPeriod=2003&endPeriod=2020" +
	"&dimensionAtObservation=AllDimensions"

// Validate checks the settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Output.Format) {
	case "csv", "json", "sqlite", "postgres":
	default:
		return fmt.Errorf("output.format: unsupported format %q", c.Output.Format)
	}
	if c.BIS.MaxPause < c.BIS.MinPause {
		return fmt.Errorf("bis.max_pause %s is shorter than bis.min_pause %s", c.BIS.MaxPause, c.BIS.MinPause)
	}
	seen := make(map[string]bool, len(c.Pulls))
	for i, p := range c.Pulls {
		if p.ID == "" {
			return fmt.Errorf("pulls[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pulls[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.ReferenceURL == "" {
			return fmt.Errorf("pull %q: reference_url is required", p.ID)
		}
		roles := make(map[string]bool, len(p.Roles))
		for _, r := range p.Roles {
			if r.Name == "" || len(r.Candidates) == 0 {
				return fmt.Errorf("pull %q: every role needs a name and candidates", p.ID)
			}
			roles[r.Name] = true
		}
		for _, r := range p.Requirements {
			if !roles[r.Role] {
				return fmt.Errorf("pull %q: requirement on undeclared role %q", p.ID, r.Role)
			}
		}
		for _, a := range p.Iterate {
			if !roles[a.Role] {
				return fmt.Errorf("pull %q: iterate on undeclared role %q", p.ID, a.Role)
			}
		}
		switch strings.ToLower(p.StructureFormat) {
		case "", "xml", "json":
		default:
			return fmt.Errorf("pull %q: unsupported structure_format %q", p.ID, p.StructureFormat)
		}
	}
	return nil
}

// overrideFromEnv explicitly reads sensitive keys from environment variables.
func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("MACROPANEL_OECD_USERNAME"); v != "" {
		cfg.OECD.Username = v
	}
	if v := os.Getenv("MACROPANEL_OECD_PASSWORD"); v != "" {
		cfg.OECD.Password = v
	}
	if v := os.Getenv("MACROPANEL_OUTPUT_POSTGRES_DSN"); v != "" {
		cfg.Output.PostgresDSN = v
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

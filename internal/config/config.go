// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// DefaultUserAgent is sent by both the plain HTTP client and the browser so the
// site sees a single consistent client.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Site     SiteConfig     `mapstructure:"site" yaml:"site"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Run      RunConfig      `mapstructure:"run" yaml:"run"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// SiteConfig describes the music site: where the listing lives, the ad-handle
// endpoint and the selectors driven during link resolution.
type SiteConfig struct {
	Origin             string `mapstructure:"origin" yaml:"origin"`
	ListingURLTemplate string `mapstructure:"listing_url_template" yaml:"listing_url_template"`
	ListingContainer   string `mapstructure:"listing_container" yaml:"listing_container"`
	AdHandleURL        string `mapstructure:"ad_handle_url" yaml:"ad_handle_url"`
	// AdHandleBody is sent verbatim as the form body of the ad-handle POST.
	// The real contract is unconfirmed; an empty body is what the site accepted so far.
	AdHandleBody string        `mapstructure:"ad_handle_body" yaml:"ad_handle_body"`
	Selectors    SelectorConfig `mapstructure:"selectors" yaml:"selectors"`
}

// SelectorConfig holds the CSS selectors of the download flow.
type SelectorConfig struct {
	DownloadButton string `mapstructure:"download_button" yaml:"download_button"`
	Modal          string `mapstructure:"modal" yaml:"modal"`
	LowQualityLink string `mapstructure:"low_quality_link" yaml:"low_quality_link"`
	ModalClose     string `mapstructure:"modal_close" yaml:"modal_close"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless    bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath    string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args        []string      `mapstructure:"args" yaml:"args"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	// SettleDelay is only used when the modal content cannot be observed directly.
	SettleDelay    time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	PostClickDelay time.Duration `mapstructure:"post_click_delay" yaml:"post_click_delay"`
	DismissDelay   time.Duration `mapstructure:"dismiss_delay" yaml:"dismiss_delay"`
}

// NetworkConfig tunes the shared HTTP session.
type NetworkConfig struct {
	Timeout         time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	UserAgent       string            `mapstructure:"user_agent" yaml:"user_agent"`
	Headers         map[string]string `mapstructure:"headers" yaml:"headers"`
	IgnoreTLSErrors bool              `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	// CookieScope decides where browser cookies are sent: "all" attaches them
	// to every host, "domain" only to the host that set them.
	CookieScope string `mapstructure:"cookie_scope" yaml:"cookie_scope"`
	// RequestsPerSecond caps plain HTTP requests. Zero means unlimited.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

const (
	CookieScopeAll    = "all"
	CookieScopeDomain = "domain"
)

// DownloadConfig controls where and how files are written.
type DownloadConfig struct {
	SaveDirectory string `mapstructure:"save_directory" yaml:"save_directory"`
	ChunkSize     int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	Progress      bool   `mapstructure:"progress" yaml:"progress"`
}

// RunConfig holds the per-run knobs.
type RunConfig struct {
	PageCount int           `mapstructure:"page_count" yaml:"page_count"`
	SongDelay time.Duration `mapstructure:"song_delay" yaml:"song_delay"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "weektop-dl")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Site --
	v.SetDefault("site.origin", "https://www.gequbao.com")
	v.SetDefault("site.listing_url_template", "https://www.gequbao.com/top/week-download?page={}")
	v.SetDefault("site.listing_container", "div.table-responsive")
	v.SetDefault("site.ad_handle_url", "https://www.gequbao.com/api/ad-handle")
	v.SetDefault("site.ad_handle_body", "")
	v.SetDefault("site.selectors.download_button", "#btn-download-mp3")
	v.SetDefault("site.selectors.modal", "div.jconfirm-box")
	v.SetDefault("site.selectors.low_quality_link", "div.jconfirm-box a.default-link")
	v.SetDefault("site.selectors.modal_close", "div.jconfirm-closeIcon")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.wait_timeout", "20s")
	v.SetDefault("browser.settle_delay", "2s")
	v.SetDefault("browser.post_click_delay", "2s")
	v.SetDefault("browser.dismiss_delay", "1s")

	// -- Network --
	v.SetDefault("network.timeout", "5m")
	v.SetDefault("network.user_agent", DefaultUserAgent)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.cookie_scope", CookieScopeAll)
	v.SetDefault("network.requests_per_second", 0)

	// -- Download --
	v.SetDefault("download.save_directory", "songs/week-top")
	v.SetDefault("download.chunk_size", 8192)
	v.SetDefault("download.progress", false)

	// -- Run --
	v.SetDefault("run.page_count", 1)
	v.SetDefault("run.song_delay", "2s")
}

// NewConfigFromViper unmarshals and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Normalize expands the save directory and fills the user agent when it was blanked out.
func (c *Config) Normalize() error {
	if c.Download.SaveDirectory != "" {
		dir, err := homedir.Expand(c.Download.SaveDirectory)
		if err != nil {
			return fmt.Errorf("could not expand download.save_directory: %w", err)
		}
		c.Download.SaveDirectory = dir
	}
	if c.Network.UserAgent == "" {
		c.Network.UserAgent = DefaultUserAgent
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Run.PageCount <= 0 {
		return fmt.Errorf("run.page_count must be a positive integer")
	}
	if c.Run.SongDelay < 0 {
		return fmt.Errorf("run.song_delay must not be negative")
	}
	if c.Download.SaveDirectory == "" {
		return fmt.Errorf("download.save_directory is required")
	}
	if c.Download.ChunkSize <= 0 {
		return fmt.Errorf("download.chunk_size must be a positive integer")
	}
	if err := c.Site.Validate(); err != nil {
		return fmt.Errorf("site configuration invalid: %w", err)
	}
	if c.Browser.WaitTimeout <= 0 {
		return fmt.Errorf("browser.wait_timeout must be a positive duration")
	}
	switch c.Network.CookieScope {
	case CookieScopeAll, CookieScopeDomain:
	default:
		return fmt.Errorf("network.cookie_scope must be %q or %q, got %q", CookieScopeAll, CookieScopeDomain, c.Network.CookieScope)
	}
	if c.Network.RequestsPerSecond < 0 {
		return fmt.Errorf("network.requests_per_second must not be negative")
	}
	return nil
}

// Validate checks the site configuration.
func (s *SiteConfig) Validate() error {
	if s.Origin == "" {
		return fmt.Errorf("origin is required")
	}
	if !HasPagePlaceholder(s.ListingURLTemplate) {
		return fmt.Errorf("listing_url_template must contain a page placeholder ({} or %%d)")
	}
	if s.ListingContainer == "" || s.AdHandleURL == "" {
		return fmt.Errorf("listing_container and ad_handle_url are required")
	}
	sel := s.Selectors
	if sel.DownloadButton == "" || sel.Modal == "" || sel.LowQualityLink == "" || sel.ModalClose == "" {
		return fmt.Errorf("all selectors are required")
	}
	return nil
}

// HasPagePlaceholder reports whether tmpl carries a page number placeholder.
func HasPagePlaceholder(tmpl string) bool {
	return strings.Contains(tmpl, "{}") || strings.Contains(tmpl, "%d")
}

// PageURL renders the listing template for the given 1-based page.
func PageURL(tmpl string, page int) string {
	if strings.Contains(tmpl, "{}") {
		return strings.Replace(tmpl, "{}", fmt.Sprint(page), 1)
	}
	return fmt.Sprintf(tmpl, page)
}

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/havinci/havinci-web/internal/handlers"
	"github.com/havinci/havinci-web/internal/services"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port      string        `yaml:"port"`
	StorePath string        `yaml:"storePath"`
	Backend   backendConfig `yaml:"backend"`
	View      viewConfig    `yaml:"view"`
	Log       logConfig     `yaml:"log"`

	// PublicURL is the address browsers use to reach this server. Its scheme decides whether the view
	// cookie is marked Secure when view.secureCookie is not set.
	PublicURL string `yaml:"publicURL"`
}

type backendConfig struct {
	BaseURL        string        `yaml:"baseURL"`
	StatusPath     string        `yaml:"statusPath"`
	LoginPath      string        `yaml:"loginPath"`
	LogoutPath     string        `yaml:"logoutPath"`
	LogoutMethod   string        `yaml:"logoutMethod"`
	ChatPath       string        `yaml:"chatPath"`
	Timeout        time.Duration `yaml:"timeout"`
	ForwardCookies []string      `yaml:"forwardCookies"`
}

// viewConfig tunes browser views. TTL bounds how long an idle view, and its stored snapshot, outlives
// its last change.
type viewConfig struct {
	Secret        string        `yaml:"secret"`
	CookieName    string        `yaml:"cookieName"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`

	// SecureCookie marks the view cookie Secure. Browsers drop Secure cookies on plain http (localhost
	// aside), which leaves every chat request without a view. Unset, it follows publicURL.
	SecureCookie *bool `yaml:"secureCookie"`
}

type logConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxBackups int    `yaml:"maxBackups"`
	Compress   bool   `yaml:"compress"`
}

func defaultConfig(cfgDir string) config {
	return config{
		Port:      "8080",
		PublicURL: "http://localhost:8080",
		StorePath: filepath.Join(cfgDir, "store.db"),
		Backend: backendConfig{
			BaseURL:      "http://localhost:3000",
			StatusPath:   "/",
			LoginPath:    "/auth/google",
			LogoutPath:   "/auth/logout",
			LogoutMethod: "GET",
			ChatPath:     "/api/chat",
			Timeout:      60 * time.Second,
		},
		View: viewConfig{
			CookieName:    "havinci_view",
			TTL:           time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Log: logConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxAgeDays: 7,
			MaxBackups: 3,
			Compress:   true,
		},
	}
}

// loadConfig builds the configuration from the defaults, the YAML file at path and the environment, in
// that order of precedence. A missing file is not an error.
func loadConfig(path, cfgDir string) (config, error) {
	cfg := defaultConfig(cfgDir)

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		slog.Info("No config file found, using defaults and environment", slog.String("path", path))
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return config{}, err
	}
	if err := cfg.validate(); err != nil {
		return config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.PublicURL = getEnv("HAVINCI_PUBLIC_URL", c.PublicURL)
	c.StorePath = getEnv("HAVINCI_STORE_PATH", c.StorePath)
	c.Backend.BaseURL = getEnv("HAVINCI_BACKEND_URL", c.Backend.BaseURL)
	c.View.Secret = getEnv("HAVINCI_VIEW_SECRET", c.View.Secret)
	c.Log.Level = getEnv("HAVINCI_LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("HAVINCI_LOG_FILE", c.Log.File)

	if v, ok := os.LookupEnv("HAVINCI_SECURE_COOKIE"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HAVINCI_SECURE_COOKIE: %w", err)
		}
		c.View.SecureCookie = &b
	}
	if v, ok := os.LookupEnv("HAVINCI_BACKEND_TIMEOUT"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("HAVINCI_BACKEND_TIMEOUT: %w", err)
		}
		c.Backend.Timeout = d
	}
	return nil
}

func (c config) validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if c.StorePath == "" {
		return errors.New("storePath is required")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("publicURL must be an http(s) URL: %q", c.PublicURL)
		}
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend.baseURL is required")
	}
	if c.Backend.Timeout <= 0 {
		return errors.New("backend.timeout must be > 0")
	}
	if c.View.TTL <= 0 {
		return errors.New("view.ttl must be > 0")
	}
	if c.View.SweepInterval <= 0 {
		return errors.New("view.sweepInterval must be > 0")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func (c config) havinci() services.HavinciConfig {
	return services.HavinciConfig{
		BaseURL:      c.Backend.BaseURL,
		StatusPath:   c.Backend.StatusPath,
		LoginPath:    c.Backend.LoginPath,
		LogoutPath:   c.Backend.LogoutPath,
		LogoutMethod: c.Backend.LogoutMethod,
		ChatPath:     c.Backend.ChatPath,
		Timeout:      c.Backend.Timeout,
	}
}

// secureCookie reports whether the view cookie is marked Secure.
func (c config) secureCookie() bool {
	if c.View.SecureCookie != nil {
		return *c.View.SecureCookie
	}
	return strings.HasPrefix(strings.ToLower(c.PublicURL), "https://")
}

func (c config) handlers(secret []byte) handlers.Config {
	return handlers.Config{
		Secret:         secret,
		CookieName:     c.View.CookieName,
		SecureCookie:   c.secureCookie(),
		ViewTTL:        c.View.TTL,
		ForwardCookies: c.Backend.ForwardCookies,
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Public URLs
	BasePublicURL       string
	ContinuationBaseURL string // authUrl handed back to the backend on callback
	BackendURLTemplate  string // tenant API base, "{handle}" is substituted

	// Handshake tokens (stateless, HS256)
	HandshakeSecret string
	HandshakeKeyID  string
	HandshakeTTL    time.Duration

	// Client sessions (jwx); local HMAC key or remote issuer/JWKS
	SessionSecret string
	SessionTTL    time.Duration
	Issuer        string
	JWKSURL       string
	DevAuthBypass bool // dev only: unauthenticated requests pass with X-Link-Handle/X-Link-User

	AdminCORSOrigins []string

	// Callback origin derivation, most trusted header first
	TrustedOriginHeaders []string

	// Proxy dispatcher
	ProxyTimeout        time.Duration
	ForwardParams       []string
	EnvelopeStatusPath  string
	EnvelopeMessagePath string
	PolicyFile          string

	// Tenant discovery
	DiscoveryURL     string
	DiscoveryAPIKey  string
	DiscoveryTimeout time.Duration

	// Link store
	StoreDriver   string // memory | sqlite | postgres | redis
	StoreTimeout  time.Duration
	DatabaseURL   string
	SQLitePath    string
	RedisURL      string
	EncryptionKey string
	LinkSeedFile  string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                  env("LINKGATE_ENV", "dev"),
		HTTPAddr:             env("LINKGATE_HTTP_ADDR", ":8080"),
		BasePublicURL:        env("BASE_PUBLIC_URL", "http://localhost:8080"),
		ContinuationBaseURL:  env("CONTINUATION_BASE_URL", ""),
		BackendURLTemplate:   env("BACKEND_URL_TEMPLATE", "https://{handle}.webchartnow.com/webchart.cgi"),
		HandshakeSecret:      env("HANDSHAKE_SECRET", ""),
		HandshakeKeyID:       env("HANDSHAKE_KEY_ID", "v1"),
		HandshakeTTL:         envDur("HANDSHAKE_TTL_SEC", 3600) * time.Second,
		SessionSecret:        env("SESSION_SECRET", ""),
		SessionTTL:           envDur("SESSION_TTL_SEC", 12*3600) * time.Second,
		Issuer:               env("OIDC_ISSUER", ""),
		JWKSURL:              env("JWKS_URL", ""),
		DevAuthBypass:        envBool("DEV_AUTH_BYPASS", false),
		AdminCORSOrigins:     envList("ADMIN_CORS_ORIGINS", []string{"http://localhost:3001"}),
		TrustedOriginHeaders: envList("TRUSTED_ORIGIN_HEADERS", []string{"CF-Connecting-IP", "X-Forwarded-For"}),
		ProxyTimeout:         envDur("PROXY_TIMEOUT_SEC", 15) * time.Second,
		ForwardParams:        envList("FORWARD_PARAMS", []string{"filter", "limit"}),
		EnvelopeStatusPath:   env("ENVELOPE_STATUS_PATH", "meta.status"),
		EnvelopeMessagePath:  env("ENVELOPE_MESSAGE_PATH", "meta.msg"),
		PolicyFile:           env("POLICY_FILE", ""),
		DiscoveryURL:         env("DISCOVERY_URL", "https://mie.webchartnow.com/webchart.cgi"),
		DiscoveryAPIKey:      env("DISCOVERY_API_KEY", ""),
		DiscoveryTimeout:     envDur("DISCOVERY_TIMEOUT_SEC", 10) * time.Second,
		StoreDriver:          env("STORE_DRIVER", ""),
		StoreTimeout:         envDur("STORE_TIMEOUT_SEC", 10) * time.Second,
		DatabaseURL:          env("DATABASE_URL", ""),
		SQLitePath:           env("SQLITE_PATH", "linkgate.db"),
		RedisURL:             env("REDIS_URL", ""),
		EncryptionKey:        env("ENCRYPTION_KEY", ""),
		LinkSeedFile:         env("LINK_SEED_FILE", ""),
	}
	if cfg.ContinuationBaseURL == "" {
		cfg.ContinuationBaseURL = cfg.BasePublicURL
	}
	if cfg.StoreDriver == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.StoreDriver = "postgres"
		case cfg.RedisURL != "":
			cfg.StoreDriver = "redis"
		default:
			cfg.StoreDriver = "sqlite"
		}
	}
	if cfg.HandshakeSecret == "" {
		log.Println("[WARN] HANDSHAKE_SECRET not set, handshake tokens cannot be issued")
	}
	return cfg
}

// BackendBaseURL expands BackendURLTemplate for a tenant handle.
func (c Config) BackendBaseURL(handle string) string {
	return strings.TrimRight(strings.ReplaceAll(c.BackendURLTemplate, "{handle}", handle), "/")
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		b, _ := strconv.ParseBool(v)
		return b
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
func envList(k string, def []string) []string {
	v := os.Getenv(k)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// package config loads the kernel daemon configuration from environment
// variables. All recognized keys live here so the bootstrap never reads the
// environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime option the kernel daemon understands. Construct
// it with Load; zero values are never valid on their own.
type Config struct {
	NodeEnv    string // NODE_ENV ("production" tightens validation)
	ListenAddr string // LISTEN_ADDR (default :8080)

	DatabaseURL string // DATABASE_URL (empty selects in-memory stores)
	RedisAddr   string // REDIS_ADDR (set selects the Redis idempotency store)

	RequireKMS  bool // REQUIRE_KMS: forbid the local dev signer
	RequireMTLS bool // REQUIRE_MTLS: client certificates on all endpoints

	SigningProxyURL        string        // SIGNING_PROXY_URL
	SigningProxyTimeout    time.Duration // SIGNING_PROXY_TIMEOUT_MS (default 3000)
	SigningProxyMaxRetries int           // SIGNING_PROXY_MAX_RETRIES (default 1)
	SigningProxyClientCert string        // SIGNING_PROXY_CLIENT_CERT (path or PEM)
	SigningProxyClientKey  string        // SIGNING_PROXY_CLIENT_KEY (path or PEM)
	SigningProxyCA         string        // SIGNING_PROXY_CA (path or PEM)

	KMSKeyID            string // KMS_KEY_ID (set selects the cloud KMS provider)
	KMSSigningAlgorithm string // KMS_SIGNING_ALGORITHM
	LocalSignerSeed     string // LOCAL_SIGNER_SEED (base64, dev only)

	AuditArchiveBucket  string // AUDIT_ARCHIVE_BUCKET (empty disables archival)
	AuditArchivePrefix  string // AUDIT_ARCHIVE_PREFIX
	AuditObjectLockMode string // AUDIT_OBJECT_LOCK_MODE (GOVERNANCE | COMPLIANCE)
	AuditQueueDepth     int    // AUDIT_QUEUE_DEPTH (default 64)

	KafkaBrokers []string // KAFKA_BROKERS (comma separated; empty disables streaming)
	KafkaTopic   string   // KAFKA_TOPIC (default audit.events)

	IdempotencyTTL time.Duration // IDEMPOTENCY_TTL_SECONDS (default 86400, min 3600)

	MultisigDefaultThreshold int // MULTISIG_DEFAULT_THRESHOLD (default 2)

	PolicyGateURL string // POLICY_GATE_URL (empty disables the HTTP gate)
	PolicyCELExpr string // POLICY_CEL_EXPR (empty disables the CEL gate)

	AuthJWTSecret     string // AUTH_JWT_SECRET (HS256 bearer validation)
	AuthDevAllowLocal bool   // AUTH_DEV_ALLOW_LOCAL (X-Local-Dev-Principal header)

	TLSCertPath     string // TLS_CERT_PATH
	TLSKeyPath      string // TLS_KEY_PATH
	TLSClientCAPath string // TLS_CLIENT_CA_PATH

	RateLimitRPS   int // RATE_LIMIT_RPS (default 50)
	RateLimitBurst int // RATE_LIMIT_BURST (default 100)
}

const (
	defaultListenAddr      = ":8080"
	defaultProxyTimeoutMS  = 3000
	defaultProxyRetries    = 1
	defaultQueueDepth      = 64
	defaultKafkaTopic      = "audit.events"
	defaultIdempotencyTTLs = 86400
	minIdempotencyTTLs     = 3600
	defaultThreshold       = 2
	defaultRateLimitRPS    = 50
	defaultRateLimitBurst  = 100
)

// Load reads the environment, applies defaults, and validates the combination
// of options. Invalid production configurations fail here rather than at the
// first signing request.
func Load() (Config, error) {
	cfg := Config{
		NodeEnv:    os.Getenv("NODE_ENV"),
		ListenAddr: getEnv("LISTEN_ADDR", defaultListenAddr),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		RequireKMS:  getBool("REQUIRE_KMS", false),
		RequireMTLS: getBool("REQUIRE_MTLS", false),

		SigningProxyURL:        strings.TrimRight(os.Getenv("SIGNING_PROXY_URL"), "/"),
		SigningProxyTimeout:    time.Duration(getInt("SIGNING_PROXY_TIMEOUT_MS", defaultProxyTimeoutMS)) * time.Millisecond,
		SigningProxyMaxRetries: getInt("SIGNING_PROXY_MAX_RETRIES", defaultProxyRetries),
		SigningProxyClientCert: os.Getenv("SIGNING_PROXY_CLIENT_CERT"),
		SigningProxyClientKey:  os.Getenv("SIGNING_PROXY_CLIENT_KEY"),
		SigningProxyCA:         os.Getenv("SIGNING_PROXY_CA"),

		KMSKeyID:            os.Getenv("KMS_KEY_ID"),
		KMSSigningAlgorithm: getEnv("KMS_SIGNING_ALGORITHM", "ECDSA_SHA_256"),
		LocalSignerSeed:     os.Getenv("LOCAL_SIGNER_SEED"),

		AuditArchiveBucket:  os.Getenv("AUDIT_ARCHIVE_BUCKET"),
		AuditArchivePrefix:  os.Getenv("AUDIT_ARCHIVE_PREFIX"),
		AuditObjectLockMode: os.Getenv("AUDIT_OBJECT_LOCK_MODE"),
		AuditQueueDepth:     getInt("AUDIT_QUEUE_DEPTH", defaultQueueDepth),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", defaultKafkaTopic),

		IdempotencyTTL: time.Duration(getInt("IDEMPOTENCY_TTL_SECONDS", defaultIdempotencyTTLs)) * time.Second,

		MultisigDefaultThreshold: getInt("MULTISIG_DEFAULT_THRESHOLD", defaultThreshold),

		PolicyGateURL: strings.TrimRight(os.Getenv("POLICY_GATE_URL"), "/"),
		PolicyCELExpr: os.Getenv("POLICY_CEL_EXPR"),

		AuthJWTSecret:     os.Getenv("AUTH_JWT_SECRET"),
		AuthDevAllowLocal: getBool("AUTH_DEV_ALLOW_LOCAL", false),

		TLSCertPath:     os.Getenv("TLS_CERT_PATH"),
		TLSKeyPath:      os.Getenv("TLS_KEY_PATH"),
		TLSClientCAPath: os.Getenv("TLS_CLIENT_CA_PATH"),

		RateLimitRPS:   getInt("RATE_LIMIT_RPS", defaultRateLimitRPS),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", defaultRateLimitBurst),
	}

	if cfg.IdempotencyTTL < minIdempotencyTTLs*time.Second {
		return Config{}, fmt.Errorf("IDEMPOTENCY_TTL_SECONDS must be at least %d", minIdempotencyTTLs)
	}
	if cfg.AuditQueueDepth <= 0 {
		return Config{}, fmt.Errorf("AUDIT_QUEUE_DEPTH must be positive")
	}
	if cfg.MultisigDefaultThreshold < 1 {
		return Config{}, fmt.Errorf("MULTISIG_DEFAULT_THRESHOLD must be at least 1")
	}
	if cfg.SigningProxyTimeout <= 0 {
		return Config{}, fmt.Errorf("SIGNING_PROXY_TIMEOUT_MS must be positive")
	}
	if cfg.SigningProxyMaxRetries < 0 {
		return Config{}, fmt.Errorf("SIGNING_PROXY_MAX_RETRIES must not be negative")
	}
	if mode := cfg.AuditObjectLockMode; mode != "" && mode != "GOVERNANCE" && mode != "COMPLIANCE" {
		return Config{}, fmt.Errorf("AUDIT_OBJECT_LOCK_MODE must be GOVERNANCE or COMPLIANCE, got %q", mode)
	}
	if cfg.RequireKMS && cfg.SigningProxyURL == "" && cfg.KMSKeyID == "" {
		return Config{}, fmt.Errorf("REQUIRE_KMS is set but neither SIGNING_PROXY_URL nor KMS_KEY_ID is configured")
	}

	if cfg.Production() {
		if cfg.SigningProxyURL == "" && cfg.KMSKeyID == "" {
			return Config{}, fmt.Errorf("production requires SIGNING_PROXY_URL or KMS_KEY_ID")
		}
		if cfg.AuthDevAllowLocal {
			return Config{}, fmt.Errorf("AUTH_DEV_ALLOW_LOCAL is not permitted in production")
		}
		if cfg.AuditArchiveBucket != "" && cfg.AuditObjectLockMode == "" {
			return Config{}, fmt.Errorf("AUDIT_OBJECT_LOCK_MODE required when AUDIT_ARCHIVE_BUCKET is set in production")
		}
	}

	return cfg, nil
}

// Production reports whether the daemon runs with production validation rules.
func (c Config) Production() bool { return c.NodeEnv == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

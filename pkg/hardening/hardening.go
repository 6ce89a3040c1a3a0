// Package hardening refuses insecure configurations in production-like
// environments.
package hardening

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"applylens/pkg/config"
)

const minOperatorTokenLen = 32

// ValidateProduction reports every hardening violation of cfg at once.
// Development environments and STRICT_PROD_SECURITY=false skip the checks.
func ValidateProduction(cfg config.Config) error {
	if !isProductionLikeEnv(cfg.Environment) || !isTrue(cfg.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "service"
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: strict production hardening "+format, append([]any{service}, args...)...))
	}

	if cfg.Storage == "memory" {
		fail("requires STORAGE=postgres")
	}
	if cfg.Storage == "postgres" && !cfg.Postgres.RequireTLS {
		fail("requires DATABASE_REQUIRE_TLS=true")
	}
	if cfg.Redis.Addr != "" {
		if !cfg.Redis.RequireTLS {
			fail("requires REDIS_REQUIRE_TLS=true")
		}
		if cfg.Redis.TLSInsecure || cfg.Redis.AllowInsecureTLS {
			fail("forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if len(strings.TrimSpace(cfg.OperatorToken)) < minOperatorTokenLen {
		fail("requires OPERATOR_AUTH_TOKEN of at least %d characters", minOperatorTokenLen)
	}
	if cfg.Audit.Redact && strings.TrimSpace(cfg.Audit.HashSalt) == "" {
		fail("requires AUDIT_HASH_SALT when audit redaction is on")
	}
	if u := cfg.Executor.URL; u != "" && !strings.HasPrefix(strings.ToLower(u), "https://") {
		fail("requires an HTTPS EXECUTOR_URL, got %q", u)
	}
	for _, problem := range originProblems("CORS_ALLOWED_ORIGINS", strings.Split(cfg.CORSAllowedOrigins, ","), true) {
		fail("%s", problem)
	}
	for _, problem := range originProblems("WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins, false) {
		fail("%s", problem)
	}
	return errors.Join(errs...)
}

// originProblems checks an origin allowlist. Websocket origins are host
// patterns as coder/websocket matches them, so only wildcards and loopback
// hosts are rejected there.
func originProblems(name string, origins []string, requireHTTPS bool) []string {
	var problems []string
	valid := 0
	for _, origin := range origins {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		valid++
		if o == "*" {
			problems = append(problems, fmt.Sprintf("forbids %s wildcard origin", name))
			continue
		}
		host := o
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			host = u.Hostname()
		}
		if host == "localhost" || host == "127.0.0.1" {
			problems = append(problems, fmt.Sprintf("forbids localhost %s origin %q", name, origin))
			continue
		}
		if requireHTTPS && !strings.HasPrefix(o, "https://") {
			problems = append(problems, fmt.Sprintf("requires HTTPS %s origin, got %q", name, origin))
		}
	}
	if requireHTTPS && valid == 0 {
		problems = append(problems, fmt.Sprintf("requires explicit %s", name))
	}
	return problems
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

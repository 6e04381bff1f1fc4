package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dealbroker/internal/crypto"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Rail.APIKey)
	redact(&out.Rail.APISecret)
	redact(&out.Identity.APIKey)
	redact(&out.Identity.APISecret)
	redact(&out.Webhook.SealedPassword)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy maps and slices so mutations to the redacted copy do not affect
	// the original.
	if cfg.Webhook.Secrets != nil {
		out.Webhook.Secrets = make(map[string]string, len(cfg.Webhook.Secrets))
		for source := range cfg.Webhook.Secrets {
			out.Webhook.Secrets[source] = redacted
		}
	}
	out.Settlement.SandboxRates = maps.Clone(cfg.Settlement.SandboxRates)
	out.Settlement.CustodyCurrencies = slices.Clone(cfg.Settlement.CustodyCurrencies)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// WebhookSecrets resolves the per-source webhook secrets. Secrets from the
// sealed file are loaded first; inline secrets override them.
func (c *Config) WebhookSecrets() (map[string][]byte, error) {
	out := make(map[string][]byte)
	if c.Webhook.SealedSecretsPath != "" {
		sealed, err := crypto.LoadSealedSecrets(c.Webhook.SealedSecretsPath, c.Webhook.SealedPassword)
		if err != nil {
			return nil, fmt.Errorf("config: webhook secrets: %w", err)
		}
		for source, secret := range sealed {
			out[strings.ToLower(source)] = []byte(secret)
		}
	}
	for source, secret := range c.Webhook.Secrets {
		out[strings.ToLower(source)] = []byte(secret)
	}
	return out, nil
}

// SandboxRates parses the sandbox conversion rates.
func (c *Config) SandboxRates() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(c.Settlement.SandboxRates))
	for pair, rate := range c.Settlement.SandboxRates {
		d, err := decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("config: sandbox rate %s: %w", pair, err)
		}
		out[strings.ToUpper(pair)] = d
	}
	return out, nil
}

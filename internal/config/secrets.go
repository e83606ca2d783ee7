package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Postgres
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis
	redact(&out.Redis.Password)

	// S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	// RPC URLs commonly embed provider API keys.
	redact(&out.Chain.RPCURL)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	}
	if cfg.Kafka.Brokers != nil {
		out.Kafka.Brokers = append([]string(nil), cfg.Kafka.Brokers...)
	}
	if cfg.Backfill.Jobs != nil {
		out.Backfill.Jobs = append([]string(nil), cfg.Backfill.Jobs...)
	}
	if cfg.Chain.Routers != nil {
		out.Chain.Routers = make(map[string]string, len(cfg.Chain.Routers))
		for k, v := range cfg.Chain.Routers {
			out.Chain.Routers[k] = v
		}
	}
	if cfg.Queues != nil {
		out.Queues = make(map[string]QueueOverride, len(cfg.Queues))
		for k, v := range cfg.Queues {
			out.Queues[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by
// "***", for logging the active configuration at startup.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Custody.APISecret)
	redact(&out.Custody.SecretPassword)

	redact(&out.Execution.APISecret)
	redact(&out.Execution.SecretPassword)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy the slice so the redacted view cannot mutate the original.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

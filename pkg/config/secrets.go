package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SecretEnvPrefix prefixes environment variables holding secret values.
// The secret "redis-password" is read from TOKENGATE_SECRET_REDIS_PASSWORD.
const SecretEnvPrefix = EnvPrefix + "SECRET_"

var secretRefRegex = regexp.MustCompile(`\$\{secret:([a-zA-Z0-9._-]+)\}`)

// ResolveSecrets replaces ${secret:name} references in credential fields.
// Every unresolved reference is reported; fields keep their original value
// when resolution fails.
func ResolveSecrets(cfg *Config) error {
	fields := []struct {
		name string
		dst  *string
	}{
		{"database.dsn", &cfg.Database.DSN},
		{"redis.password", &cfg.Redis.Password},
		{"bus.amqp.url", &cfg.Bus.AMQP.URL},
		{"bus.sqs.access_key_id", &cfg.Bus.SQS.AccessKeyID},
		{"bus.sqs.secret_access_key", &cfg.Bus.SQS.SecretAccessKey},
		{"bus.sns.access_key_id", &cfg.Bus.SNS.AccessKeyID},
		{"bus.sns.secret_access_key", &cfg.Bus.SNS.SecretAccessKey},
	}

	var errs []FieldError
	for _, f := range fields {
		resolved, err := resolveReferences(*f.dst, cfg.Secrets.Dir)
		if err != nil {
			errs = append(errs, FieldError{Field: f.name, Message: err.Error()})
			continue
		}
		*f.dst = resolved
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func resolveReferences(input, dir string) (string, error) {
	if !strings.Contains(input, "${secret:") {
		return input, nil
	}

	var failed []string
	output := secretRefRegex.ReplaceAllStringFunc(input, func(match string) string {
		name := secretRefRegex.FindStringSubmatch(match)[1]
		value, err := lookupSecret(name, dir)
		if err != nil {
			failed = append(failed, err.Error())
			return match
		}
		return value
	})

	if len(failed) > 0 {
		return input, fmt.Errorf("unresolved secret reference: %s", strings.Join(failed, "; "))
	}
	return output, nil
}

func lookupSecret(name, dir string) (string, error) {
	envVar := SecretEnvPrefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	if value, ok := os.LookupEnv(envVar); ok {
		return value, nil
	}
	if dir == "" {
		return "", fmt.Errorf("secret %q not set in %s", name, envVar)
	}
	return readSecretFile(dir, name)
}

// readSecretFile reads a secret from dir. The file must be a regular file
// inside dir with 0600 or 0400 permissions.
func readSecretFile(dir, name string) (string, error) {
	absBase, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve secrets dir: %w", err)
	}
	path := filepath.Join(absBase, name)
	if !strings.HasPrefix(path, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("secret %q escapes secrets dir", name)
	}

	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("secret %q not found", name)
		}
		return "", fmt.Errorf("failed to stat secret %q: %w", name, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("secret %q is not a regular file", name)
	}
	if mode := info.Mode().Perm(); mode != 0o600 && mode != 0o400 {
		return "", fmt.Errorf("insecure permissions on secret %q: %o (expected 0600 or 0400)", name, mode)
	}

	// #nosec G304 - path is confined to the secrets dir above
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret %q: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

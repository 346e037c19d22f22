package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Development gets a human-readable console
// encoder, every other environment gets JSON.
func New(environment, level string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// MaskEmail keeps the first and last character of each address part so log
// lines stay correlatable without leaking full addresses.
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.IndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}

	mask := func(part string) string {
		if len(part) <= 1 {
			return "*"
		}
		return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
	}

	domainParts := strings.Split(s[at+1:], ".")
	for i, p := range domainParts {
		domainParts[i] = mask(p)
	}
	return mask(s[:at]) + "@" + strings.Join(domainParts, ".")
}

// Email is a zap field carrying a masked address.
func Email(key, address string) zap.Field {
	return zap.String(key, MaskEmail(address))
}

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
)

// Mode selects the development or production profile.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

var _ pflag.Value = (*Mode)(nil)

// ParseMode accepts dev, development, prod and production. An empty value
// selects production.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "dev", "development":
		return ModeDevelopment, nil
	case "", "prod", "production":
		return ModeProduction, nil
	default:
		return "", fmt.Errorf("unknown mode %q (want dev or prod)", s)
	}
}

// String implements pflag.Value.
func (m *Mode) String() string {
	if *m == "" {
		return string(ModeProduction)
	}

	return string(*m)
}

// Set implements pflag.Value.
func (m *Mode) Set(s string) error {
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed

	return nil
}

// Type implements pflag.Value.
func (m *Mode) Type() string {
	return "mode"
}

package config

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const sqliteScheme = "sqlite://"

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
	}, nil
}

// UseSQLite reports whether the DSN names the embedded sqlite store, and
// returns the DSN with the scheme stripped.
func (c *Config) UseSQLite() (string, bool) {
	if rest, ok := strings.CutPrefix(c.DatabaseDSN, sqliteScheme); ok {
		return rest, true
	}
	return c.DatabaseDSN, false
}

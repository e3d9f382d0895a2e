// Package auth resolves the owner behind an HTTP request from a bearer
// token or a static API key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/haasonsaas/tollgate/internal/config"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
)

// Owner is the authenticated principal. Runs, threads, trust records and
// usage are all scoped by Owner.ID.
type Owner struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Config configures authentication helpers.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and the owner it acts as.
type APIKeyConfig struct {
	Key     string
	OwnerID string
	Name    string
}

// FromConfig converts the file configuration.
func FromConfig(cfg config.AuthConfig) Config {
	out := Config{JWTSecret: cfg.JWTSecret, TokenExpiry: cfg.TokenExpiry}
	for _, key := range cfg.APIKeys {
		out.APIKeys = append(out.APIKeys, APIKeyConfig{Key: key.Key, OwnerID: key.OwnerID, Name: key.Name})
	}
	return out
}

// Service validates JWTs and API keys.
type Service struct {
	jwt     *JWTService
	apiKeys map[string]*Owner
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	service := &Service{}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		service.jwt = NewJWTService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	service.apiKeys = buildAPIKeyMap(cfg.APIKeys)
	return service
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.jwt != nil || len(s.apiKeys) > 0)
}

// GenerateJWT issues a signed token for the given owner.
func (s *Service) GenerateJWT(owner *Owner) (string, error) {
	if s == nil || s.jwt == nil {
		return "", ErrAuthDisabled
	}
	return s.jwt.Generate(owner)
}

// ValidateJWT validates a JWT and returns the associated owner.
func (s *Service) ValidateJWT(token string) (*Owner, error) {
	if s == nil || s.jwt == nil {
		return nil, ErrAuthDisabled
	}
	return s.jwt.Validate(token)
}

// ValidateAPIKey validates an API key and returns the associated owner.
// Every stored key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (*Owner, error) {
	if s == nil || len(s.apiKeys) == 0 {
		return nil, ErrAuthDisabled
	}
	inputKey := strings.TrimSpace(key)
	var matched *Owner
	for storedKey, owner := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(inputKey), []byte(storedKey)) == 1 {
			matched = owner
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	return matched, nil
}

func buildAPIKeyMap(keys []APIKeyConfig) map[string]*Owner {
	out := map[string]*Owner{}
	for _, entry := range keys {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		ownerID := strings.TrimSpace(entry.OwnerID)
		if ownerID == "" {
			sum := sha256.Sum256([]byte(key))
			ownerID = "api_" + hex.EncodeToString(sum[:8])
		}
		out[key] = &Owner{ID: ownerID, Name: strings.TrimSpace(entry.Name)}
	}
	return out
}

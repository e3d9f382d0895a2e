package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/tollgate/internal/config"
)

func TestServiceValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{
		{Key: "abc123", OwnerID: "owner-1", Name: "ci"},
		{Key: "anonymous"},
		{Key: "  "},
	}})
	owner, err := service.ValidateAPIKey("abc123")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if owner.ID != "owner-1" || owner.Name != "ci" {
		t.Fatalf("owner = %+v", owner)
	}

	derived, err := service.ValidateAPIKey("anonymous")
	if err != nil || !strings.HasPrefix(derived.ID, "api_") {
		t.Fatalf("derived owner = %+v, err = %v", derived, err)
	}

	if _, err := service.ValidateAPIKey("nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestServiceEnabled(t *testing.T) {
	if NewService(Config{}).Enabled() {
		t.Error("empty config should disable auth")
	}
	if !NewService(Config{JWTSecret: "s"}).Enabled() {
		t.Error("jwt secret should enable auth")
	}
	if !NewService(Config{APIKeys: []APIKeyConfig{{Key: "k"}}}).Enabled() {
		t.Error("api keys should enable auth")
	}
	var nilService *Service
	if nilService.Enabled() {
		t.Error("nil service is disabled")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.AuthConfig{
		JWTSecret:   "s",
		TokenExpiry: time.Hour,
		APIKeys:     []config.APIKeyConfig{{Key: "k", OwnerID: "o"}},
	})
	if cfg.JWTSecret != "s" || cfg.TokenExpiry != time.Hour || len(cfg.APIKeys) != 1 || cfg.APIKeys[0].OwnerID != "o" {
		t.Fatalf("config = %+v", cfg)
	}
}

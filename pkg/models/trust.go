package models

import "time"

// TrustScope says what a trust record matches on.
type TrustScope string

const (
	TrustScopeTool        TrustScope = "tool"
	TrustScopeIntegration TrustScope = "integration"
)

// Valid reports whether s is a known scope.
func (s TrustScope) Valid() bool {
	return s == TrustScopeTool || s == TrustScopeIntegration
}

// TrustRecord pre-approves a tool name or integration id for one owner.
type TrustRecord struct {
	OwnerID   string     `json:"owner_id"`
	Scope     TrustScope `json:"scope"`
	Key       string     `json:"key"`
	GrantedAt time.Time  `json:"granted_at"`
}

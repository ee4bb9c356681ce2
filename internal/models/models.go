package models

import (
	"encoding/json"
	"time"
)

// Account represents one authenticated Jira site integration
type Account struct {
	ID            string
	Name          string
	SiteURL       string
	Scopes        []string
	AccessToken   string
	RefreshToken  string
	ExpiresAt     *time.Time
	LastRefreshAt *time.Time
	FailureCount  int
	Active        bool
	Primary       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasRefreshToken reports whether the account can be refreshed without re-authorization
func (a *Account) HasRefreshToken() bool {
	return a.RefreshToken != ""
}

// Tokens is the token material returned by the authorization server
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// AccountInfo describes the remote site an authorization grants access to
type AccountInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	URL    string   `json:"url"`
	Scopes []string `json:"scopes"`
	Avatar string   `json:"avatarUrl"`
}

// EntityRecord is one normalized row of a mirrored collection
type EntityRecord struct {
	Type       string
	AccountID  string
	NaturalKey string
	// Fields holds the type specific columns; nil values are stored as NULL
	Fields    map[string]any
	Raw       json.RawMessage
	UpdatedAt time.Time
}

// SyncRun records the outcome of one orchestrator run for an account
type SyncRun struct {
	ID           string
	AccountID    string
	StartedAt    time.Time
	FinishedAt   time.Time
	TotalRecords int
	FailedTypes  int
	Results      json.RawMessage
}

// EntityCount is the number of stored rows for one entity type
type EntityCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

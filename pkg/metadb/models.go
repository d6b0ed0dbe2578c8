package metadb

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"gorm.io/datatypes"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tenant is one customer workspace. RateLimitPerHour of zero means the
// deployment default applies.
type Tenant struct {
	ID               string `gorm:"primaryKey"`
	Name             string
	Plan             string
	RateLimitPerHour int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey is stored by the SHA-256 hex digest of the key material, never the
// key itself.
type APIKey struct {
	Hash     string `gorm:"primaryKey"`
	TenantID string `gorm:"index"`
	Name     string
	Roles    datatypes.JSON
	Disabled bool

	CreatedAt time.Time
}

// DecodeRoles returns the key's role list.
func (k *APIKey) DecodeRoles() ([]string, error) {
	if len(k.Roles) == 0 {
		return nil, nil
	}
	var roles []string
	if err := json.Unmarshal(k.Roles, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// Experiment is an evaluation run over a dataset. Results rows accumulate as
// traced runs complete.
type Experiment struct {
	ID         string `gorm:"primaryKey"`
	TenantID   string `gorm:"index"`
	DatasetID  string
	Name       string
	Parameters datatypes.JSON
	Results    datatypes.JSON
	Summaries  datatypes.JSON

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ExperimentResult is one row of an experiment: the scores measured for one
// dataset example's traced run.
type ExperimentResult struct {
	Trace   string             `json:"trace"`
	Example string             `json:"example,omitempty"`
	Scores  map[string]float64 `json:"scores,omitempty"`
	Errors  []string           `json:"errors,omitempty"`
}

// DecodeResults returns the experiment's result rows.
func (e *Experiment) DecodeResults() ([]ExperimentResult, error) {
	if len(e.Results) == 0 {
		return nil, nil
	}
	var results []ExperimentResult
	if err := json.Unmarshal(e.Results, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// RateLimitEvent records one rejected ingest for later inspection.
type RateLimitEvent struct {
	ID         string `gorm:"primaryKey"`
	TenantID   string `gorm:"index"`
	OccurredAt time.Time
}

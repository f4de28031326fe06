// Package estimator produces a believable progress percentage for jobs whose
// backend reports none. Estimates are a pure function of their inputs; keeping
// the displayed value monotonic is the registry's job.
package estimator

import (
	"math"

	"genjobs/internal/domain"
	"genjobs/internal/profile"
)

const (
	// Floor is returned at or before submission time so a fresh job never
	// shows 0%.
	Floor = 3.0
	// SoftCeiling is reached exactly when elapsed time equals the ETA.
	SoftCeiling = 92.0
	// Limit is approached but never reached once a job overruns its ETA.
	Limit = 99.0
)

// Estimator maps (kind, model, elapsed) to a percentage.
type Estimator struct {
	table profile.Table
}

// New builds an estimator over the given profile table.
func New(table profile.Table) *Estimator {
	return &Estimator{table: table}
}

// Estimate returns a percentage in [Floor, Limit]. Up to the ETA it rises
// linearly from Floor to SoftCeiling; past the ETA it creeps toward Limit
// with exponential decay measured in ETA units.
func (e *Estimator) Estimate(kind domain.JobKind, model string, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 || math.IsNaN(elapsedSeconds) {
		return Floor
	}
	eta := e.table.ETA(kind, model).Seconds()
	if eta <= 0 {
		eta = 1
	}
	ratio := elapsedSeconds / eta
	if ratio <= 1 {
		return Floor + (SoftCeiling-Floor)*ratio
	}
	over := ratio - 1
	pct := SoftCeiling + (Limit-SoftCeiling)*(1-math.Exp(-over))
	return math.Min(pct, Limit)
}

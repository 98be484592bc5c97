package audit

import (
	"sort"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// StrategyStats aggregates the attempts of one strategy.
type StrategyStats struct {
	Attempts          int     `json:"attempts"`
	Successes         int     `json:"successes"`
	SuccessRate       float64 `json:"success_rate"`
	AvgProcessingMs   float64 `json:"avg_processing_ms"`
	totalProcessingMs int64
}

// PerformanceReport summarizes pipeline behavior over the whole log.
type PerformanceReport struct {
	ConflictsDetected   int     `json:"conflicts_detected"`
	ConflictsAttempted  int     `json:"conflicts_attempted"`
	AutoResolved        int     `json:"auto_resolved"`
	HumanResolved       int     `json:"human_resolved"`
	Escalated           int     `json:"escalated"`
	Failed              int     `json:"failed"`
	Deferred            int     `json:"deferred"`
	ResolutionAttempts  int     `json:"resolution_attempts"`
	EscalationsOpened   int     `json:"escalations_opened"`
	HumanInterventions  int     `json:"human_interventions"`
	AutoResolutionRate  float64 `json:"auto_resolution_rate"`
	AvgResolutionTimeMs float64 `json:"avg_resolution_time_ms"`
	EscalationRate      float64 `json:"escalation_rate"`
	SystemAvailability  float64 `json:"system_availability"`

	Strategies map[contracts.StrategyName]*StrategyStats `json:"strategies"`
}

type conflictReplay struct {
	detectedAt int64
	detected   bool
	attempted  bool
	escalated  bool
	intervened bool
	final      contracts.ConflictStatus
	resolvedAt int64
}

// BuildReport derives a PerformanceReport by replaying entries in order.
//
// Rates use the conflicts that entered automated resolution as denominator.
// A conflict counts as auto-resolved when it reached RESOLVED without any
// human intervention. SystemAvailability is the share of resolution attempts
// that were not cancelled, counted together with passing integrity checks.
func BuildReport(entries []contracts.AuditEntry) PerformanceReport {
	r := PerformanceReport{Strategies: map[contracts.StrategyName]*StrategyStats{}}
	conflicts := map[string]*conflictReplay{}
	var order []string
	var ops, faulted int

	get := func(id string) *conflictReplay {
		c, ok := conflicts[id]
		if !ok {
			c = &conflictReplay{}
			conflicts[id] = c
			order = append(order, id)
		}
		return c
	}

	for _, e := range entries {
		d := e.EventData
		switch e.EventType {
		case contracts.EventConflictDetected:
			c := get(e.ConflictID)
			c.detected = true
			c.detectedAt = e.Timestamp.UnixMilli()
		case contracts.EventResolutionAttempted:
			c := get(e.ConflictID)
			c.attempted = true
			r.ResolutionAttempts++
			ops++
			if str(d, KeyEscalationReason) == string(contracts.ReasonCancelled) {
				faulted++
			}
			name := contracts.StrategyName(str(d, KeyStrategy))
			if name == "" {
				continue
			}
			s, ok := r.Strategies[name]
			if !ok {
				s = &StrategyStats{}
				r.Strategies[name] = s
			}
			s.Attempts++
			if flag(d, KeySuccess) {
				s.Successes++
			}
			s.totalProcessingMs += int64(num(d, KeyProcessingTimeMs))
		case contracts.EventEscalationTriggered:
			get(e.ConflictID).escalated = true
			r.EscalationsOpened++
		case contracts.EventHumanIntervention:
			get(e.ConflictID).intervened = true
			r.HumanInterventions++
		case contracts.EventIntegrityCheck:
			ops++
			if valid, ok := d["valid"].(bool); ok && !valid {
				faulted++
			}
		}

		if to := contracts.ConflictStatus(str(d, KeyTo)); to != "" && e.ConflictID != "" {
			c := get(e.ConflictID)
			c.final = to
			if to == contracts.StatusResolved {
				c.resolvedAt = e.Timestamp.UnixMilli()
			}
		}
	}

	var resolvedCount int
	var resolvedMs int64
	sort.Strings(order)
	for _, id := range order {
		c := conflicts[id]
		if c.detected {
			r.ConflictsDetected++
		}
		if c.attempted {
			r.ConflictsAttempted++
		}
		if c.escalated {
			r.Escalated++
		}
		switch c.final {
		case contracts.StatusResolved:
			if c.intervened {
				r.HumanResolved++
			} else {
				r.AutoResolved++
			}
			if c.detected {
				resolvedCount++
				resolvedMs += c.resolvedAt - c.detectedAt
			}
		case contracts.StatusFailed:
			r.Failed++
		case contracts.StatusDeferred:
			r.Deferred++
		}
	}

	if r.ConflictsAttempted > 0 {
		r.AutoResolutionRate = float64(r.AutoResolved) / float64(r.ConflictsAttempted)
		r.EscalationRate = float64(r.Escalated) / float64(r.ConflictsAttempted)
	}
	if resolvedCount > 0 {
		r.AvgResolutionTimeMs = float64(resolvedMs) / float64(resolvedCount)
	}
	r.SystemAvailability = 1
	if ops > 0 {
		r.SystemAvailability = 1 - float64(faulted)/float64(ops)
	}
	for _, s := range r.Strategies {
		s.SuccessRate = float64(s.Successes) / float64(s.Attempts)
		s.AvgProcessingMs = float64(s.totalProcessingMs) / float64(s.Attempts)
	}
	return r
}

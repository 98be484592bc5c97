package detector

// Pattern is a known tension between value families. A pattern fires when at
// least two principles touch its keywords and use its typical phrasing.
type Pattern struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Phrases  []string `yaml:"phrases" json:"phrases"`
	// BaseConfidence before keyword-coverage boost. Default: 0.65.
	BaseConfidence float64 `yaml:"base_confidence,omitempty" json:"base_confidence,omitempty"`
}

const defaultPatternConfidence = 0.65

// DefaultPatterns returns the built-in pattern library.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:     "privacy_vs_security",
			Keywords: []string{"privacy", "security", "surveillance", "monitoring", "encryption", "data"},
			Phrases:  []string{"monitor", "collect", "retain", "protect", "anonym", "access"},
		},
		{
			Name:     "transparency_vs_confidentiality",
			Keywords: []string{"transparency", "confidentiality", "disclosure", "secrecy", "audit"},
			Phrases:  []string{"disclose", "publish", "confidential", "withhold", "reveal"},
		},
		{
			Name:     "autonomy_vs_safety",
			Keywords: []string{"autonomy", "safety", "oversight", "control", "agency"},
			Phrases:  []string{"override", "restrict", "independent", "human", "intervene"},
		},
		{
			Name:     "efficiency_vs_fairness",
			Keywords: []string{"efficiency", "fairness", "equity", "performance", "bias"},
			Phrases:  []string{"optimi", "equal", "bias", "throughput", "discriminat"},
		},
		{
			Name:     "innovation_vs_stability",
			Keywords: []string{"innovation", "stability", "change", "reliability", "experimentation"},
			Phrases:  []string{"experiment", "stable", "rollback", "deploy", "freeze"},
		},
	}
}

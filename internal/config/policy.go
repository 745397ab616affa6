package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"brandwatch/internal/matching"
)

// Tier is the scan policy of one subscription tier.
type Tier struct {
	Scanning bool `yaml:"scanning"`
	// ScanFrequency is the minimum gap between automated scans; zero means
	// continuous monitoring.
	ScanFrequency   time.Duration `yaml:"scan_frequency"`
	ManualScanLimit int           `yaml:"manual_scan_limit"`
	VariationLimit  int           `yaml:"variation_limit"`
	Platforms       []string      `yaml:"platforms"`
}

// Policy holds the thresholds and tier table shared by the scheduler, the
// decider and the scorer. It is built once and passed by value.
type Policy struct {
	AutoThreatThreshold int             `yaml:"auto_threat_threshold"`
	QuotaPeriod         time.Duration   `yaml:"quota_period"`
	Scoring             matching.Params `yaml:"scoring"`
	Tiers               map[string]Tier `yaml:"tiers"`
}

func DefaultPolicy() Policy {
	return Policy{
		AutoThreatThreshold: 70,
		QuotaPeriod:         7 * 24 * time.Hour,
		Scoring:             matching.DefaultParams(),
		Tiers: map[string]Tier{
			"free": {Scanning: false},
			"starter": {
				Scanning:        true,
				ScanFrequency:   7 * 24 * time.Hour,
				ManualScanLimit: 2,
				VariationLimit:  100,
				Platforms:       []string{"twitter", "instagram"},
			},
			"pro": {
				Scanning:        true,
				ScanFrequency:   24 * time.Hour,
				ManualScanLimit: 5,
				VariationLimit:  500,
				Platforms:       []string{"twitter", "instagram", "facebook", "linkedin"},
			},
			"enterprise": {
				Scanning:        true,
				ScanFrequency:   0,
				ManualScanLimit: 50,
				VariationLimit:  2000,
				Platforms:       []string{"twitter", "instagram", "facebook", "linkedin", "tiktok", "youtube", "github"},
			},
		},
	}
}

// Tier looks up a tier by name.
func (p Policy) Tier(name string) (Tier, bool) {
	t, ok := p.Tiers[name]
	return t, ok
}

// LoadPolicyFile reads a YAML policy. Fields left out keep their defaults;
// a tiers section replaces the default table.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// rawPolicy tells a field set to zero apart from one left out.
type rawPolicy struct {
	AutoThreatThreshold *int            `yaml:"auto_threat_threshold"`
	QuotaPeriod         *time.Duration  `yaml:"quota_period"`
	Scoring             rawScoring      `yaml:"scoring"`
	Tiers               map[string]Tier `yaml:"tiers"`
}

type rawScoring struct {
	ExactScore           *int     `yaml:"exact_score"`
	HomoglyphMax         *int     `yaml:"homoglyph_max"`
	HomoglyphSpread      *int     `yaml:"homoglyph_spread"`
	TyposquatMaxDistance *int     `yaml:"typosquat_max_distance"`
	TyposquatCap         *int     `yaml:"typosquat_cap"`
	KeywordComboScore    *int     `yaml:"keyword_combo_score"`
	RiskTerms            []string `yaml:"risk_terms"`
}

func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	var raw rawPolicy
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	set(&p.AutoThreatThreshold, raw.AutoThreatThreshold)
	set(&p.QuotaPeriod, raw.QuotaPeriod)
	p.Scoring = mergeScoring(p.Scoring, raw.Scoring)
	if len(raw.Tiers) > 0 {
		p.Tiers = raw.Tiers
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func mergeScoring(def matching.Params, in rawScoring) matching.Params {
	set(&def.ExactScore, in.ExactScore)
	set(&def.HomoglyphMax, in.HomoglyphMax)
	set(&def.HomoglyphSpread, in.HomoglyphSpread)
	set(&def.TyposquatMaxDistance, in.TyposquatMaxDistance)
	set(&def.TyposquatCap, in.TyposquatCap)
	set(&def.KeywordComboScore, in.KeywordComboScore)
	if len(in.RiskTerms) > 0 {
		def.RiskTerms = in.RiskTerms
	}
	return def
}

func (p Policy) Validate() error {
	if p.AutoThreatThreshold < 0 || p.AutoThreatThreshold > 100 {
		return fmt.Errorf("auto_threat_threshold %d out of range 0-100", p.AutoThreatThreshold)
	}
	if p.QuotaPeriod <= 0 {
		return fmt.Errorf("quota_period must be positive")
	}
	if p.Scoring.TyposquatMaxDistance < 0 || p.Scoring.TyposquatMaxDistance > 4 {
		return fmt.Errorf("typosquat_max_distance %d out of range 0-4", p.Scoring.TyposquatMaxDistance)
	}
	for name, t := range p.Tiers {
		if t.ScanFrequency < 0 || t.ManualScanLimit < 0 || t.VariationLimit < 0 {
			return fmt.Errorf("tier %q: negative limit", name)
		}
	}
	return nil
}

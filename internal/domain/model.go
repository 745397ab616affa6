package domain

import "time"

// Core domain models shared by services, workers and adapters. Persistence
// adapters map these to rows; the HTTP adapter maps them to JSON.

type BrandStatus string

const (
	BrandActive BrandStatus = "active"
	BrandPaused BrandStatus = "paused"
)

type Brand struct {
	ID            string
	OwnerID       string
	Name          string
	Domain        string // canonical, see NormalizeDomain
	Keywords      []string
	SocialHandles map[string][]string // platform -> handles
	Status        BrandStatus
	ThreatCount   int
	LastScannedAt *time.Time
}

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Account is the subscription holder owning brands.
type Account struct {
	ID   string
	Tier string
	Role Role
}

type MatchType string

const (
	MatchExact        MatchType = "exact"
	MatchHomoglyph    MatchType = "homoglyph"
	MatchTyposquat    MatchType = "typosquat"
	MatchKeywordCombo MatchType = "keyword_combo"
)

// Priority ranks match types; higher is a stronger confidence signal and
// outranks any numeric score difference.
func (t MatchType) Priority() int {
	switch t {
	case MatchExact:
		return 4
	case MatchHomoglyph:
		return 3
	case MatchTyposquat:
		return 2
	case MatchKeywordCombo:
		return 1
	}
	return 0
}

// Match is a transient scorer result.
type Match struct {
	BrandID        string
	Domain         string
	Type           MatchType
	MatchedKeyword string
	Score          int
	DiscoveredAt   time.Time
}

// Key is the deduplication identity of a match.
func (m Match) Key() MatchKey { return MatchKey{BrandID: m.BrandID, Domain: m.Domain} }

type MatchKey struct {
	BrandID string
	Domain  string
}

// MatchRecord is the persisted form of a Match, at most one per key.
type MatchRecord struct {
	ID             string
	BrandID        string
	Domain         string
	Type           MatchType
	MatchedKeyword string
	Score          int
	Processed      bool // escalation settled
	ThreatID       *string
	DiscoveredAt   time.Time
	UpdatedAt      time.Time
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

type ThreatStatus string

const (
	ThreatNew               ThreatStatus = "new"
	ThreatInvestigating     ThreatStatus = "investigating"
	ThreatConfirmed         ThreatStatus = "confirmed"
	ThreatTakedownRequested ThreatStatus = "takedown_requested"
	ThreatResolved          ThreatStatus = "resolved"
	ThreatFalsePositive     ThreatStatus = "false_positive"
)

var threatTransitions = map[ThreatStatus][]ThreatStatus{
	ThreatNew:               {ThreatInvestigating, ThreatConfirmed, ThreatFalsePositive},
	ThreatInvestigating:     {ThreatConfirmed, ThreatFalsePositive},
	ThreatConfirmed:         {ThreatTakedownRequested, ThreatResolved, ThreatFalsePositive},
	ThreatTakedownRequested: {ThreatResolved},
}

// CanTransition reports whether a threat may move from s to next.
func (s ThreatStatus) CanTransition(next ThreatStatus) bool {
	for _, n := range threatTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

const (
	ThreatTypeDomain = "domain_impersonation"
	ThreatTypeSocial = "social_impersonation"
)

type Threat struct {
	ID          string
	BrandID     string
	Type        string
	Severity    Severity
	Status      ThreatStatus
	Source      string // domain or URL; unique per brand
	DetectedAt  time.Time
	EvidenceRef *string
	MatchID     *string
}

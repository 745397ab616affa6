package domain

import (
	"fmt"
	"time"
)

type ScanType string

const (
	ScanFull       ScanType = "full"
	ScanQuick      ScanType = "quick"
	ScanDomainOnly ScanType = "domain_only"
	ScanWebOnly    ScanType = "web_only"
	ScanSocialOnly ScanType = "social_only"
	ScanAutomated  ScanType = "automated"
)

func (t ScanType) Valid() bool {
	switch t {
	case ScanFull, ScanQuick, ScanDomainOnly, ScanWebOnly, ScanSocialOnly, ScanAutomated:
		return true
	}
	return false
}

// ScanStatus is shared by scans and their jobs.
type ScanStatus string

const (
	StatusPending   ScanStatus = "pending"
	StatusQueued    ScanStatus = "queued"
	StatusRunning   ScanStatus = "running"
	StatusCompleted ScanStatus = "completed"
	StatusFailed    ScanStatus = "failed"
	StatusCancelled ScanStatus = "cancelled"
)

func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active statuses block a second job for the same brand.
func (s ScanStatus) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

type Step string

const (
	StepDomains    Step = "domains"
	StepWeb        Step = "web"
	StepLogo       Step = "logo"
	StepSocial     Step = "social"
	StepFinalizing Step = "finalizing"
)

// Steps lists every step in execution order.
var Steps = []Step{StepDomains, StepWeb, StepLogo, StepSocial, StepFinalizing}

// Weight is the step's share of overall progress. Weights sum to 100.
func (s Step) Weight() int {
	switch s {
	case StepDomains:
		return 40
	case StepWeb:
		return 25
	case StepLogo:
		return 20
	case StepSocial:
		return 10
	case StepFinalizing:
		return 5
	}
	return 0
}

// Plan returns the steps executed for the scan type; the rest are skipped.
func (t ScanType) Plan() map[Step]bool {
	switch t {
	case ScanQuick, ScanDomainOnly:
		return map[Step]bool{StepDomains: true, StepFinalizing: true}
	case ScanWebOnly:
		return map[Step]bool{StepWeb: true, StepLogo: true, StepFinalizing: true}
	case ScanSocialOnly:
		return map[Step]bool{StepSocial: true, StepFinalizing: true}
	}
	return map[Step]bool{StepDomains: true, StepWeb: true, StepLogo: true, StepSocial: true, StepFinalizing: true}
}

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerAutomated Trigger = "automated"
)

// Requester identifies who asked for a scan.
type Requester struct {
	UserID  string
	Role    Role
	Trigger Trigger
}

type Scan struct {
	ID              string
	BrandID         string
	Type            ScanType
	Status          ScanStatus
	RequestedBy     string
	DomainsChecked  int
	PagesScanned    int
	ThreatsFound    int
	CurrentStep     Step
	StepProgress    int
	StepTotal       int
	OverallProgress int
	RetryCount      int
	Error           string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}

type Job struct {
	ID          string
	ScanID      string
	BrandID     string
	Status      ScanStatus
	Priority    int
	ScheduledAt time.Time
	Attempts    int
	Payload     JobPayload
}

// Counters are increments applied to a scan's result counters.
type Counters struct {
	DomainsChecked int
	PagesScanned   int
	ThreatsFound   int
}

// Progress is a snapshot written after each unit of work.
type Progress struct {
	Step         Step
	StepProgress int
	StepTotal    int
	Overall      int
}

const PayloadVersion = 1

// KnownPlatforms are the social platforms the social step can probe.
var KnownPlatforms = []string{"twitter", "instagram", "facebook", "linkedin", "tiktok", "youtube", "github"}

// JobPayload carries tier-derived limits for a job. Fields are optional;
// nil or empty means "use the runner default".
type JobPayload struct {
	Version        int      `json:"version"`
	VariationLimit *int     `json:"variation_limit,omitempty"`
	Platforms      []string `json:"platforms,omitempty"`
}

func (p JobPayload) Validate() error {
	if p.Version != PayloadVersion {
		return fmt.Errorf("job payload: unsupported version %d", p.Version)
	}
	if p.VariationLimit != nil && *p.VariationLimit < 0 {
		return fmt.Errorf("job payload: negative variation limit %d", *p.VariationLimit)
	}
	for _, pl := range p.Platforms {
		if !knownPlatform(pl) {
			return fmt.Errorf("job payload: unknown platform %q", pl)
		}
	}
	return nil
}

func knownPlatform(p string) bool {
	for _, k := range KnownPlatforms {
		if k == p {
			return true
		}
	}
	return false
}

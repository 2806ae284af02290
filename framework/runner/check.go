package runner

import (
	"time"

	"github.com/openhealth/conformance-harness/framework"
	"github.com/openhealth/conformance-harness/framework/outcome"
)

// Check is the static definition of one conformance assertion. Checks are registered as part of a
// sequence and are never modified afterward.
type Check struct {
	// ID is unique within its sequence, e.g. "kick-off".
	ID string

	// Name is a human-readable title.
	Name string

	Description string

	// Required checks can affect the sequence verdict; optional ones are counted but only their
	// Pass/Omit outcomes are tallied.
	Required bool

	// Index is the ordinal position within the sequence. It is assigned at registration.
	Index int

	// Reads and Writes declare the session keys this check uses. Access to any other key through
	// T.Get or T.Set is treated as an error in the check.
	Reads  []string
	Writes []string

	// Versions, if non-empty, restricts the check to servers reporting one of these FHIR versions.
	Versions []string

	Run func(*T)
}

// AppliesTo returns true if the check should run against a server with the given FHIR version.
// An unknown version matches everything.
func (c Check) AppliesTo(version string) bool {
	if len(c.Versions) == 0 || version == "" {
		return true
	}
	for _, v := range c.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// CheckResult is the recorded outcome of executing a Check once.
type CheckResult struct {
	CheckID      string                   `json:"checkId"`
	Name         string                   `json:"name,omitempty"`
	Outcome      outcome.Kind             `json:"outcome"`
	Message      string                   `json:"message,omitempty"`
	Details      []string                 `json:"details,omitempty"`
	Required     bool                     `json:"required"`
	Index        int                      `json:"index"`
	CreatedAt    time.Time                `json:"createdAt"`
	RedirectURL  string                   `json:"redirectUrl,omitempty"`
	WaitEndpoint string                   `json:"waitEndpoint,omitempty"`
	Token        string                   `json:"token,omitempty"`
	DebugOutput  framework.CapturedOutput `json:"debugOutput,omitempty"`
}

// Entry returns the part of the result that the aggregation fold uses.
func (r CheckResult) Entry() outcome.Entry {
	return outcome.Entry{Kind: r.Outcome, Required: r.Required}
}

// Entries converts a list of results for outcome.Fold.
func Entries(results []CheckResult) []outcome.Entry {
	ret := make([]outcome.Entry, 0, len(results))
	for _, r := range results {
		ret = append(ret, r.Entry())
	}
	return ret
}

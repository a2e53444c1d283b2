package models

import "strings"

// LaunchMode controls launch visibility in ReportPortal
type LaunchMode string

const (
	LaunchModeDefault LaunchMode = "DEFAULT"
	LaunchModeDebug   LaunchMode = "DEBUG"
)

// Status is the execution status accepted by ReportPortal
type Status string

const (
	StatusPassed      Status = "PASSED"
	StatusFailed      Status = "FAILED"
	StatusSkipped     Status = "SKIPPED"
	StatusStopped     Status = "STOPPED"
	StatusInterrupted Status = "INTERRUPTED"
	StatusCancelled   Status = "CANCELLED"
)

// ParseStatus returns the Status for s, case-insensitively
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusPassed:
		return StatusPassed, true
	case StatusFailed:
		return StatusFailed, true
	case StatusSkipped:
		return StatusSkipped, true
	case StatusStopped:
		return StatusStopped, true
	case StatusInterrupted:
		return StatusInterrupted, true
	case StatusCancelled:
		return StatusCancelled, true
	}
	return "", false
}

// Attribute is a key/value label attached to launches and items.
// Tags are sent as attributes with an empty key.
type Attribute struct {
	Key    string `json:"key,omitempty"`
	Value  string `json:"value"`
	System bool   `json:"system,omitempty"`
}

// StartLaunchRQ starts a new launch
type StartLaunchRQ struct {
	UUID        string      `json:"uuid,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	StartTime   string      `json:"startTime"`
	Attributes  []Attribute `json:"attributes,omitempty"`
	Mode        LaunchMode  `json:"mode,omitempty"`
}

// FinishExecutionRQ finishes a launch or a test item
type FinishExecutionRQ struct {
	LaunchUUID string `json:"launchUuid,omitempty"`
	EndTime    string `json:"endTime"`
	Status     Status `json:"status,omitempty"`
}

// EntryCreatedRS is returned by every create call
type EntryCreatedRS struct {
	ID     string `json:"id"`
	Number int64  `json:"number,omitempty"`
}

// MessageRS is returned by finish calls
type MessageRS struct {
	Message string `json:"message"`
}

// Launch is the subset of the launch resource the CLI displays
type Launch struct {
	ID          int64       `json:"id"`
	UUID        string      `json:"uuid"`
	Name        string      `json:"name"`
	Number      int64       `json:"number"`
	Description string      `json:"description,omitempty"`
	Status      string      `json:"status"`
	Mode        string      `json:"mode,omitempty"`
	StartTime   interface{} `json:"startTime,omitempty"`
	EndTime     interface{} `json:"endTime,omitempty"`
	Attributes  []Attribute `json:"attributes,omitempty"`
}

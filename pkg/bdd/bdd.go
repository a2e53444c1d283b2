// Package bdd holds the framework-neutral view of a feature run that the
// manager reports: features contain scenarios, scenarios contain steps.
package bdd

import (
	"strings"

	"github.com/mdalboni/reportportal-manager/pkg/models"
)

// Status is the outcome of a step, scenario or feature
type Status string

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusUndefined Status = "undefined"
	StatusPending   Status = "pending"
	StatusUntested  Status = "untested"
)

// severity orders statuses for roll-up; higher wins
var severity = map[Status]int{
	StatusUntested:  0,
	StatusPassed:    1,
	StatusSkipped:   2,
	StatusPending:   3,
	StatusUndefined: 4,
	StatusFailed:    5,
}

// RPStatus maps a status onto the ReportPortal status set
func (s Status) RPStatus() models.Status {
	switch s {
	case StatusPassed:
		return models.StatusPassed
	case StatusFailed, StatusUndefined:
		return models.StatusFailed
	default:
		return models.StatusSkipped
	}
}

// Worst returns the more severe of a and b
func Worst(a, b Status) Status {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Feature is a gherkin feature
type Feature struct {
	Name        string
	Description string
	Tags        []string
	URI         string
	Status      Status
}

// Scenario is a single executed scenario (one pickle)
type Scenario struct {
	Name        string
	Description string
	Tags        []string
	Line        int
	Status      Status
}

// Step is a single executed step
type Step struct {
	Keyword string
	Name    string
	Line    int
	Status  Status
	Err     error
}

// Attributes converts tags into ReportPortal attributes, dropping the
// leading '@' and splitting "key:value" tags.
func Attributes(tags []string) []models.Attribute {
	if len(tags) == 0 {
		return nil
	}
	attrs := make([]models.Attribute, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "@")
		if tag == "" {
			continue
		}
		if key, value, ok := strings.Cut(tag, ":"); ok && key != "" && value != "" {
			attrs = append(attrs, models.Attribute{Key: key, Value: value})
			continue
		}
		attrs = append(attrs, models.Attribute{Value: tag})
	}
	return attrs
}

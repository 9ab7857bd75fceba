// Package events carries change notifications from the employee and project
// collaborators to the invalidation coordinator.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindAddressChanged Kind = "address_changed" // employee home location edited
	KindRateChanged    Kind = "rate_changed"    // subproject override or project default edited
	KindSiteChanged    Kind = "site_changed"    // subproject location edited
)

// Change is one notification. Which ID is set depends on Kind.
type Change struct {
	ID           uuid.UUID `json:"id"`
	Kind         Kind      `json:"kind"`
	EmployeeID   string    `json:"employee_id,omitempty"`
	SubprojectID string    `json:"subproject_id,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	At           time.Time `json:"at"`
}

var ErrInvalidChange = errors.New("invalid change event")

// Publisher sends change notifications.
type Publisher interface {
	Publish(ctx context.Context, ev Change) error
}

func AddressChanged(employeeID string) Change {
	return Change{ID: uuid.New(), Kind: KindAddressChanged, EmployeeID: employeeID, At: time.Now().UTC()}
}

func RateChanged(subprojectID, projectID string) Change {
	return Change{ID: uuid.New(), Kind: KindRateChanged, SubprojectID: subprojectID, ProjectID: projectID, At: time.Now().UTC()}
}

func SiteChanged(subprojectID string) Change {
	return Change{ID: uuid.New(), Kind: KindSiteChanged, SubprojectID: subprojectID, At: time.Now().UTC()}
}

// Validate checks that the IDs required by Kind are present.
func (c Change) Validate() error {
	switch c.Kind {
	case KindAddressChanged:
		if c.EmployeeID == "" {
			return fmt.Errorf("%w: %s without employee_id", ErrInvalidChange, c.Kind)
		}
	case KindRateChanged:
		if c.SubprojectID == "" && c.ProjectID == "" {
			return fmt.Errorf("%w: %s without subproject_id or project_id", ErrInvalidChange, c.Kind)
		}
	case KindSiteChanged:
		if c.SubprojectID == "" {
			return fmt.Errorf("%w: %s without subproject_id", ErrInvalidChange, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChange, c.Kind)
	}
	return nil
}

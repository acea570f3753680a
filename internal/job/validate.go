package job

import (
	"fmt"
	"regexp"
	"slices"

	"jobfleet/internal/apperrors"
)

const maxNameLength = 63

// namePattern allows alphanumerics and hyphens, starting and ending alphanumeric.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]*[a-zA-Z0-9])?$`)

// ValidateName checks that name is usable as a job name on every backend.
func ValidateName(name string) error {
	if name == "" {
		return apperrors.Validation("name", "job name is required")
	}
	if len(name) > maxNameLength {
		return apperrors.Validation("name", fmt.Sprintf("job name %q exceeds maximum length of %d", name, maxNameLength))
	}
	if !namePattern.MatchString(name) {
		return apperrors.Validation("name", fmt.Sprintf("job name %q must be alphanumeric with hyphens, starting and ending alphanumeric", name))
	}
	return nil
}

// ValidateStatus checks a status filter. Empty means any.
func ValidateStatus(status string) error {
	if status == "" {
		return nil
	}
	if slices.Contains(Statuses, status) {
		return nil
	}
	return apperrors.Validation("status", fmt.Sprintf("unknown status %q", status))
}

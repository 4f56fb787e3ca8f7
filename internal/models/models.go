// package models defines the data model for the favorites mirror
package models

import (
	"fmt"

	"github.com/desertthunder/favsync/internal/shared"
)

// Model is implemented by every entity that is persisted by a repository.
type Model interface {
	Validate() error // Validate checks if the model's data is valid and returns an error if not
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", shared.ErrInvalidInput, fmt.Sprintf(format, args...))
}

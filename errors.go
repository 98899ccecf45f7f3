package bloomtree

import (
	"errors"
	"fmt"

	"github.com/wojciechmacyna/bloomtree/engine"
	"github.com/wojciechmacyna/bloomtree/filter"
	"github.com/wojciechmacyna/bloomtree/index"
)

var (
	// ErrUnknownColumn is returned when a query names a column the index
	// was not built for.
	ErrUnknownColumn = errors.New("bloomtree: column not indexed")

	// ErrInvalidConfig unifies impossible-parameter errors from the
	// filter and index layers. The underlying error stays reachable
	// through errors.Is and errors.As.
	ErrInvalidConfig = errors.New("bloomtree: invalid configuration")

	// ErrLifecycle unifies wrong-state errors (query before build,
	// double build, append after build).
	ErrLifecycle = errors.New("bloomtree: lifecycle violation")
)

// translateError maps subsystem errors onto the package-level sentinels
// while preserving the originals for errors.As.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	var fce *filter.ConfigError
	var ice *index.ConfigError
	if errors.As(err, &fce) || errors.As(err, &ice) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var le *index.LifecycleError
	if errors.As(err, &le) || errors.Is(err, index.ErrDoubleBuild) {
		return fmt.Errorf("%w: %w", ErrLifecycle, err)
	}

	if errors.Is(err, engine.ErrColumnCountMismatch) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return err
}

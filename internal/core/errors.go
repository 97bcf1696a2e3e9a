// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"errors"

	"github.com/kianostad/crstats/internal/stats/entry"
	"github.com/kianostad/crstats/internal/stats/histogram"
	"github.com/kianostad/crstats/internal/stats/registry"
)

// Usage errors. They are raised as panics wrapping these sentinels.
var (
	ErrTableExists  = errors.New("core: statistics table already created")
	ErrTableMissing = errors.New("core: statistics table not created")
	ErrNotPaused    = errors.New("core: operation requires a paused heap")
	ErrVerifyExists = errors.New("core: store verification already initialized")

	ErrDuplicateClass    = registry.ErrDuplicateClass
	ErrClassNotFound     = registry.ErrClassNotFound
	ErrUnregisteredClass = registry.ErrUnregisteredClass
	ErrReleasedEntry     = entry.ErrReleasedEntry
	ErrDeltaOverflow     = histogram.ErrDeltaOverflow
)

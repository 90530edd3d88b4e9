package pathcache

import (
	"fmt"

	"github.com/shotgunsoftware/tk-core-sub000/internal/shotgun"
)

// ConflictError reports a mapping that would violate the primary-path
// invariants. It is raised from validation and insertion, never resolved
// silently; the message tells the operator which folder to unregister.
type ConflictError struct {
	// Path is the absolute path whose registration was rejected.
	Path string

	// Attempted is the entity the caller tried to associate.
	Attempted shotgun.Entity

	// Existing is the entity already holding the conflicting association.
	Existing shotgun.Entity

	// ExistingPath is set when the conflict is a sibling folder with a
	// different leaf name for the same entity (the rename guard), and
	// empty for a plain primary-mapping collision.
	ExistingPath string
}

func (e *ConflictError) Error() string {
	if e.ExistingPath != "" {
		return fmt.Sprintf(
			"the folder %q cannot be created for %s: the entity is already associated "+
				"with %q in the same parent folder, which would leave two sibling folders "+
				"differing only by name. Unregister the old folder first: tk unregister %q",
			e.Path, e.Attempted, e.ExistingPath, e.ExistingPath)
	}
	return fmt.Sprintf(
		"the path %q is already associated with %s and cannot be registered as the "+
			"primary folder for %s. Unregister the existing folder first: tk unregister %q",
		e.Path, e.Existing, e.Attempted, e.Path)
}

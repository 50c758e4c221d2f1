package sym

import "github.com/pkg/errors"

var (
	// ErrNoDebugFile is returned when no debug file exists for a module.
	ErrNoDebugFile = errors.New("no debug file")
	// ErrNoIdentity is returned when an image holds no acceptable RSDS record.
	ErrNoIdentity = errors.New("no RSDS record found")
	// ErrImageTooSmall is returned when an RSDS marker sits too close to the
	// end of the image to hold a record.
	ErrImageTooSmall = errors.New("image too small for RSDS record")
	// ErrUnterminatedName is returned when an RSDS record has no NUL after
	// its name.
	ErrUnterminatedName = errors.New("unterminated RSDS name")
	// ErrNoStructures is returned when a DWARF file has no top-level entries.
	ErrNoStructures = errors.New("no structures found")
)

package dataset

import "errors"

// Validation errors. The editor state is unchanged when one is returned.
var (
	ErrIndexOutOfRange = errors.New("row index out of range")
	ErrUnknownField    = errors.New("unknown field")
	ErrInvalidImageURL = errors.New("invalid image url")
	ErrNoSelection     = errors.New("no rows selected")
	ErrStaleHandle     = errors.New("row handle is stale")
	ErrEmptyValue      = errors.New("value must not be empty")
)

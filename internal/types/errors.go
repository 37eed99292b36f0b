package types

import "errors"

// ErrInvalidConfig marks a configuration rejected at startup (bad queue size,
// CSV path or limit, codec). Packages wrap it so callers can map it to an
// exit status with errors.Is.
var ErrInvalidConfig = errors.New("invalid configuration")

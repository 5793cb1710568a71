package config

import "errors"

// ErrInvalid is returned for inconsistent settings.
var ErrInvalid = errors.New("config: invalid setting")

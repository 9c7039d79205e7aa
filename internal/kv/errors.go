package kv

import "errors"

// ErrNotFound is returned by Get when a key has no value. Callers must treat this as "absence", never as
// "fetch failed" — see gatewayerr's distinction, spec §9.
var ErrNotFound = errors.New("kv: key not found")

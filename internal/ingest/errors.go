package ingest

import "errors"

// ErrMalformedUpstream marks a response from an external feed/API that
// could not be parsed into mission content. It never crosses into
// internal/panel — ingesters wrap their own parse loops.
var ErrMalformedUpstream = errors.New("ingest: malformed upstream response")

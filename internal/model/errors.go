package model

import "errors"

// ErrMalformedEvent marks a stream payload that could not be decoded. Such
// events are logged and dropped; they never change connection state.
var ErrMalformedEvent = errors.New("malformed event")

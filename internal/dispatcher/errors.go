package dispatcher

import "errors"

// ErrEncode is returned when an outbound document cannot be serialized.
var ErrEncode = errors.New("dispatcher: encode failed")

package busbridge

import "errors"

// errMalformed marks a wire frame that is a JSON array but not a
// well-typed 4-element `[cmd, serial, subject, args]` frame. Such a frame
// closes the peer unless a non-zero request serial can be salvaged, in
// which case an ERROR frame with INVALID_DATA is sent instead. A frame
// with the wrong argument arity for its command, or an unknown command,
// decodes fine and is answered with INVALID_DATA by the dispatcher.
var errMalformed = errors.New("busbridge: malformed frame")

package fanout

import "errors"

// ErrSubscriptionInvalid marks a subscribe request with an out-of-range or
// inconsistent field. Non-fatal: the client stays connected, the
// subscription stays Absent.
var ErrSubscriptionInvalid = errors.New("fanout: invalid subscription")

// ErrClientLagged marks a client whose outgoing queue filled. The client
// is disconnected; other clients are unaffected.
var ErrClientLagged = errors.New("fanout: client lagged")

// ErrClientWriteError marks a client whose socket write failed. The
// client is disconnected.
var ErrClientWriteError = errors.New("fanout: client write error")

// ErrTooManySubscriptions marks a subscribe request that would push a
// client past its configured subscription cap. Non-fatal: the client
// stays connected, the new subscription stays Absent.
var ErrTooManySubscriptions = errors.New("fanout: too many subscriptions")

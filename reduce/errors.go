package reduce

import "errors"

// ErrSnapshotDivergence marks a mismatch between the engine's live-order
// multiset and the authoritative snapshot for a coin. Fatal, exit code 2.
var ErrSnapshotDivergence = errors.New("reduce: snapshot divergence")

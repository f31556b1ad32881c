package ingestor

import "errors"

// ErrHeartbeatExpired marks that no record of any kind arrived from the
// Event Source for T_idle. Fatal, exit code 1.
var ErrHeartbeatExpired = errors.New("ingestor: heartbeat expired")

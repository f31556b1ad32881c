package ingest

import "errors"

var (
	// ErrStaleBlock is returned when a status/diff record arrives for a
	// block at or below the high-water mark.
	ErrStaleBlock = errors.New("ingest: stale block")
	// ErrBacklogOverflow is returned when a block-indexed buffer exceeds
	// its capacity before the pipeline catches up.
	ErrBacklogOverflow = errors.New("ingest: backlog overflow")
	// ErrParse marks a record the event source could not decode. Per the
	// error taxonomy this is never fatal by itself: the ingestor logs and
	// skips the record.
	ErrParse = errors.New("ingest: parse error")
)

package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"

	"marketfeed/book"
)

// wireRecord is the on-disk envelope FileSource tails: one JSON object per
// line, discriminated by Kind. The byte format is deliberately not part
// of the core's contract (spec §1); this is one reference realization for
// local development and the end-to-end test suite.
type wireRecord struct {
	Kind  string     `json:"kind"`
	Block book.Block `json:"block,omitempty"`
	Coin  book.Coin  `json:"coin,omitempty"`

	// status
	StatusKind string   `json:"status_kind,omitempty"`
	Oid        book.Oid `json:"oid,omitempty"`
	TakerOid   book.Oid `json:"taker_oid,omitempty"`
	Side       string   `json:"side,omitempty"`
	Px         string   `json:"px,omitempty"`
	Sz         string   `json:"sz,omitempty"`
	Ts         book.Ts  `json:"ts,omitempty"`

	// diff
	DiffKind string `json:"diff_kind,omitempty"`

	// fill
	MakerOid book.Oid `json:"maker_oid,omitempty"`

	// block_marker
	Stream string `json:"stream,omitempty"`
}

func parseSide(s string) (book.Side, error) {
	switch s {
	case "B":
		return book.Bid, nil
	case "A":
		return book.Ask, nil
	default:
		return 0, fmt.Errorf("ingest: invalid side %q", s)
	}
}

// FileSource implements EventSource by tailing an append-only
// newline-delimited JSON file of interleaved records and re-reading a
// separate snapshot file on demand. It polls for new lines with a
// rate-limited backoff so an idle tail does not spin.
type FileSource struct {
	eventsPath   string
	snapshotPath string

	f       *os.File
	r       *bufio.Reader
	limiter *rate.Limiter
}

// NewFileSource opens eventsPath for tailing. pollsPerSecond bounds how
// often an empty read retries.
func NewFileSource(eventsPath, snapshotPath string, pollsPerSecond float64) (*FileSource, error) {
	f, err := os.Open(eventsPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: open events file: %w", err)
	}
	return &FileSource{
		eventsPath:   eventsPath,
		snapshotPath: snapshotPath,
		f:            f,
		r:            bufio.NewReader(f),
		limiter:      rate.NewLimiter(rate.Limit(pollsPerSecond), 1),
	}, nil
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// Next blocks until a decoded record is available or ctx is cancelled.
// Malformed lines are a ParseError: logged and skipped by the caller, per
// spec §7 — Next returns them as an error so the ingestor can log and
// continue rather than silently drop.
func (s *FileSource) Next(ctx context.Context) (SourceEvent, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return SourceEvent{}, fmt.Errorf("ingest: read events file: %w", err)
		}
		if len(line) > 0 {
			ev, perr := decodeRecord(line)
			if perr != nil {
				return SourceEvent{}, fmt.Errorf("ingest: %w: %v", ErrParse, perr)
			}
			return ev, nil
		}

		// EOF with no data: wait for the rate limiter before polling
		// again, and honor cancellation while waiting.
		if err := s.limiter.Wait(ctx); err != nil {
			return SourceEvent{}, ctx.Err()
		}
	}
}

// FetchSnapshot re-reads the snapshot file in full; it is small relative
// to the event stream and is only polled every T_snap.
func (s *FileSource) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ingest: read snapshot file: %w", err)
	}

	var wire struct {
		Block book.Block `json:"block"`
		Coins map[string][]struct {
			Oid  book.Oid `json:"oid"`
			Side string   `json:"side"`
			Px   string   `json:"px"`
			Sz   string   `json:"sz"`
		} `json:"coins"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Snapshot{}, fmt.Errorf("ingest: parse snapshot file: %w", err)
	}

	out := Snapshot{Block: wire.Block, PerCoin: make(map[book.Coin][]book.Order, len(wire.Coins))}
	for coin, orders := range wire.Coins {
		converted := make([]book.Order, 0, len(orders))
		for _, o := range orders {
			side, err := parseSide(o.Side)
			if err != nil {
				return Snapshot{}, fmt.Errorf("ingest: %w: %v", ErrParse, err)
			}
			px, err := book.NewPx(o.Px)
			if err != nil {
				return Snapshot{}, err
			}
			sz, err := book.NewSz(o.Sz)
			if err != nil {
				return Snapshot{}, err
			}
			converted = append(converted, book.Order{Oid: o.Oid, Coin: book.Coin(coin), Side: side, Px: px, Sz: sz})
		}
		out.PerCoin[book.Coin(coin)] = converted
	}
	return out, nil
}

func decodeRecord(line string) (SourceEvent, error) {
	var rec wireRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return SourceEvent{}, err
	}

	switch rec.Kind {
	case "status":
		side, err := parseSide(rec.Side)
		if err != nil {
			return SourceEvent{}, err
		}
		kind, err := parseStatusKind(rec.StatusKind)
		if err != nil {
			return SourceEvent{}, err
		}
		var px book.Px
		var sz book.Sz
		if rec.Px != "" {
			if px, err = book.NewPx(rec.Px); err != nil {
				return SourceEvent{}, err
			}
		}
		if rec.Sz != "" {
			if sz, err = book.NewSz(rec.Sz); err != nil {
				return SourceEvent{}, err
			}
		}
		return SourceEvent{
			Kind:  EventStatus,
			Block: rec.Block,
			Coin:  rec.Coin,
			Status: Status{
				Kind: kind, Coin: rec.Coin, Oid: rec.Oid, TakerOid: rec.TakerOid,
				Side: side, Px: px, Sz: sz, Ts: rec.Ts,
			},
		}, nil

	case "diff":
		dkind, err := parseDiffKind(rec.DiffKind)
		if err != nil {
			return SourceEvent{}, err
		}
		var side book.Side
		var px book.Px
		var sz book.Sz
		if dkind == DiffAdd {
			if side, err = parseSide(rec.Side); err != nil {
				return SourceEvent{}, err
			}
			if px, err = book.NewPx(rec.Px); err != nil {
				return SourceEvent{}, err
			}
		}
		if dkind == DiffAdd || dkind == DiffResize {
			if sz, err = book.NewSz(rec.Sz); err != nil {
				return SourceEvent{}, err
			}
		}
		return SourceEvent{
			Kind:  EventDiff,
			Block: rec.Block,
			Coin:  rec.Coin,
			Diff:  Diff{Kind: dkind, Coin: rec.Coin, Oid: rec.Oid, Side: side, Px: px, Sz: sz, Ts: rec.Ts},
		}, nil

	case "fill":
		side, err := parseSide(rec.Side)
		if err != nil {
			return SourceEvent{}, err
		}
		px, err := book.NewPx(rec.Px)
		if err != nil {
			return SourceEvent{}, err
		}
		sz, err := book.NewSz(rec.Sz)
		if err != nil {
			return SourceEvent{}, err
		}
		return SourceEvent{
			Kind:  EventFill,
			Block: rec.Block,
			Coin:  rec.Coin,
			Fill: Fill{
				Coin: rec.Coin, MakerOid: rec.MakerOid, TakerOid: rec.TakerOid,
				Side: side, Px: px, Sz: sz, Ts: rec.Ts,
			},
		}, nil

	case "block_marker":
		stream := StreamStatus
		if rec.Stream == "diff" {
			stream = StreamDiff
		}
		return SourceEvent{Kind: EventBlockMarker, Block: rec.Block, Marker: stream}, nil

	default:
		return SourceEvent{}, fmt.Errorf("ingest: unknown record kind %q", rec.Kind)
	}
}

func parseStatusKind(s string) (StatusKind, error) {
	switch s {
	case "open":
		return StatusOpen, nil
	case "modify":
		return StatusModify, nil
	case "cancel":
		return StatusCancel, nil
	case "reject":
		return StatusReject, nil
	case "filled":
		return StatusFilled, nil
	default:
		return 0, fmt.Errorf("ingest: invalid status kind %q", s)
	}
}

func parseDiffKind(s string) (DiffKind, error) {
	switch s {
	case "add":
		return DiffAdd, nil
	case "remove":
		return DiffRemove, nil
	case "resize":
		return DiffResize, nil
	default:
		return 0, fmt.Errorf("ingest: invalid diff kind %q", s)
	}
}

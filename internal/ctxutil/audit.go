package ctxutil

import "time"

// RoundMeasurement carries the metadata needed to build a per-round
// structured log line, supplementing the single-line per-deliberation
// audit record with one of these per round. It lives in ctxutil so both
// the orchestrator and any future transport layer can build one without
// an import cycle.
type RoundMeasurement struct {
	RequestID            string
	RoundNum             int
	ParticipantLatencies map[string]time.Duration
	Failures             []string
	WallClock            time.Duration
}

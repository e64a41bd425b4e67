package sink

import (
	"context"
	"time"
)

//go:generate mockgen -source=sink.go -destination=./mocks/mock_sink.go -package=mocks

// Row is one persisted observation. ObservedAt is the ingestion wall clock,
// not an event time carried on the wire.
type Row struct {
	ObservedAt time.Time `json:"time"`
	ChannelID  int32     `json:"id"`
	SubDelta   int32     `json:"sub"`
}

// Sink persists a batch of rows. Write is all-or-nothing: on error none of
// the rows may be considered stored.
type Sink interface {
	Write(ctx context.Context, rows []Row) error
}

package output

import (
	"errors"

	"github.com/pageloom/pageloom/pkg/spyglass"
)

// ErrNotImplemented is returned by the txt and database sinks' Write,
// mirroring the source's save_txt/save_database NotImplementedError (spec
// §4.H "txt and database sinks are specified as stubs with the same
// shape").
var ErrNotImplemented = errors.New("output: sink not implemented")

// TextSink is a placeholder for a future plain-text sink.
type TextSink struct{}

func (TextSink) Name() string { return "txt" }
func (TextSink) Write([]spyglass.Row, []string) error {
	return ErrNotImplemented
}
func (TextSink) Truncate() error { return nil }
func (TextSink) Close() error    { return nil }

// DatabaseSink is a placeholder for a future database sink.
type DatabaseSink struct{}

func (DatabaseSink) Name() string { return "database" }
func (DatabaseSink) Write([]spyglass.Row, []string) error {
	return ErrNotImplemented
}
func (DatabaseSink) Truncate() error { return nil }
func (DatabaseSink) Close() error    { return nil }

var (
	_ spyglass.Sink = TextSink{}
	_ spyglass.Sink = DatabaseSink{}
)

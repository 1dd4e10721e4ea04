package output

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pageloom/pageloom/internal/eventbus"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

func TestCSVSinkHorizontalOrientation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSVSink(path, Horizontal)
	require.NoError(t, err)

	row := spyglass.Row{"title": {"a", "b"}, "price": {"10"}}
	require.NoError(t, sink.Write([]spyglass.Row{row}, []string{"title", "price"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "title,a,b")
	assert.Contains(t, string(content), "price,10")
}

func TestCSVSinkVerticalOrientationPadsShortColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSVSink(path, Vertical)
	require.NoError(t, err)

	row := spyglass.Row{"title": {"a", "b"}, "price": {"10"}}
	require.NoError(t, sink.Write([]spyglass.Row{row}, []string{"title", "price"}))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := string(content)
	assert.Contains(t, lines, "title,price")
	assert.Contains(t, lines, "a,10")
	assert.Contains(t, lines, "b,")
}

func TestCSVSinkTruncateResetsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSVSink(path, Horizontal)
	require.NoError(t, err)

	require.NoError(t, sink.Write([]spyglass.Row{{"a": {"1"}}}, []string{"a"}))
	require.NoError(t, sink.Truncate())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestNewCSVSinkRejectsUnknownOrientation(t *testing.T) {
	_, err := NewCSVSink("x.csv", "diagonal")
	assert.Error(t, err)
}

func TestStubSinksReturnNotImplemented(t *testing.T) {
	assert.ErrorIs(t, TextSink{}.Write(nil, nil), ErrNotImplemented)
	assert.ErrorIs(t, DatabaseSink{}.Write(nil, nil), ErrNotImplemented)
}

func TestBinderAssemblesRowFromScrapedData(t *testing.T) {
	bus := eventbus.New(8)
	bus.Start()
	defer bus.Close()

	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := NewCSVSink(path, Horizontal)
	require.NoError(t, err)

	elements := []spyglass.TargetElement{
		{ID: 0, Name: "title", Parsing: spyglass.ParsingOptions{CollectText: true}},
	}
	_, err = NewBinder(bus, elements, []string{"title"}, sink, true)
	require.NoError(t, err)

	require.NoError(t, bus.Trigger(eventbus.Event{
		Topic: "scraped_data",
		Data: []spyglass.ScrapedData{
			{SourceURL: "http://x", TargetElementID: 0, Nodes: []spyglass.Node{fakeNode{"hello"}}},
		},
		MaxResponders: -1,
	}))
	require.NoError(t, bus.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "title,hello")
}

type fakeNode struct{ text string }

func (f fakeNode) Text() string                  { return f.text }
func (f fakeNode) OuterHTML() (string, error)     { return "<span>" + f.text + "</span>", nil }

// Package output implements the Output Binder and its sinks: CSV (fully
// implemented) plus txt/database stubs.
//
// Grounded on original_source/scraping/data_saver.py's save_csv (horizontal/
// vertical orientation) and the teacher's internal/output/text.go for the
// "assemble once per dispatch, hand off to a Sink" shape, ported to
// encoding/csv.
package output

import (
	"log"
	"os"

	"github.com/pageloom/pageloom/internal/eventbus"
	"github.com/pageloom/pageloom/internal/extract"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

// Binder is the Output Binder: component 4.H. It listens for scraped_data,
// maps each TargetElement's matched nodes to string values per its parsing
// options, assembles one Row per dispatch in the configured data_order, and
// hands it to the sink.
type Binder struct {
	elementsByID map[int]spyglass.TargetElement
	dataOrder    []string
	sink         spyglass.Sink
	logger       *log.Logger
}

// NewBinder builds a Binder, subscribes it to scraped_data on bus, and
// truncates the sink once up front if truncate is true (spec §4.H "CSV
// truncation on setup is toggleable").
func NewBinder(bus *eventbus.Bus, elements []spyglass.TargetElement, dataOrder []string, sink spyglass.Sink, truncate bool) (*Binder, error) {
	byID := make(map[int]spyglass.TargetElement, len(elements))
	for _, el := range elements {
		byID[el.ID] = el
	}

	b := &Binder{
		elementsByID: byID,
		dataOrder:    dataOrder,
		sink:         sink,
		logger:       log.New(os.Stderr, "output: ", log.LstdFlags),
	}

	if truncate {
		if err := sink.Truncate(); err != nil {
			return nil, err
		}
	}

	bus.AddListener("scraped_data", "output", b.onScrapedData, eventbus.Normal)
	return b, nil
}

func (b *Binder) onScrapedData(ev eventbus.Event) {
	items, ok := ev.Data.([]spyglass.ScrapedData)
	if !ok {
		b.logger.Printf("unexpected scraped_data payload type %T", ev.Data)
		return
	}

	row := make(spyglass.Row)
	for _, sd := range items {
		el, ok := b.elementsByID[sd.TargetElementID]
		if !ok || el.Parsing.Empty() {
			continue
		}
		for _, node := range sd.Nodes {
			value, err := extract.ApplyParsingOptions(node, el.Parsing)
			if err != nil {
				b.logger.Printf("apply parsing options for %q: %v", el.Name, err)
				continue
			}
			row[el.Name] = append(row[el.Name], value)
		}
	}
	if len(row) == 0 {
		return
	}

	if err := b.sink.Write([]spyglass.Row{row}, b.dataOrder); err != nil {
		b.logger.Printf("sink write failed: %v", err)
	}
}

// Close releases the underlying sink.
func (b *Binder) Close() error {
	return b.sink.Close()
}

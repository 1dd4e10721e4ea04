package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pageloom/pageloom/internal/browserpool"
	"github.com/pageloom/pageloom/internal/config"
	"github.com/pageloom/pageloom/internal/crawl"
	"github.com/pageloom/pageloom/internal/eventbus"
	"github.com/pageloom/pageloom/internal/extract"
	"github.com/pageloom/pageloom/internal/fetch"
	"github.com/pageloom/pageloom/internal/output"
	"github.com/pageloom/pageloom/internal/proxypool"
	"github.com/pageloom/pageloom/pkg/spyglass"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a crawl from a configuration document",
	RunE:  runCrawl,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	path := viper.GetString("config")

	doc, err := config.NewLoader().Load(path)
	if err != nil {
		return err
	}
	seeds, err := config.Bind(doc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, seed := range seeds {
		summary, err := runSeed(ctx, seed)
		if err != nil {
			logError("seed %s: %v", seed.URL, err)
			continue
		}
		fmt.Fprintf(os.Stdout, "pageloom: crawl %s done: visited=%s remaining=%s finished=%s run_id=%s\n",
			summary.SeedURL, humanize.Comma(int64(summary.Visited)), humanize.Comma(int64(summary.ToVisit)),
			humanize.Time(summary.FinishedAt), summary.RunID)
	}
	return nil
}

// runSeed wires one Seed's event bus, fetch engine, browser pool, proxy
// pool, extraction engine, and output binder together, then runs its crawl
// to completion. No business logic lives here: everything is delegated to
// the core packages (spec §6 CLI entrypoint).
func runSeed(ctx context.Context, seed config.Seed) (spyglass.CrawlSummary, error) {
	bus := eventbus.New(256)
	bus.Start()
	defer bus.Close()

	var pages *browserpool.Pool
	if seed.CrawlConfig.RenderPages {
		pages = browserpool.New(seed.FetchConfig.MaxConcurrentRender)
	}

	var proxies *proxypool.Pool
	if seed.FetchConfig.UseProxies {
		proxyCfg := proxypool.DefaultConfig()
		proxyCfg.MaxProxies = seed.FetchConfig.MaxProxies
		proxies = proxypool.New(proxyCfg)
		if err := proxies.Load(); err != nil {
			return spyglass.CrawlSummary{}, fmt.Errorf("load proxies: %w", err)
		}
	}

	fetchEngine := fetch.NewEngine(seed.FetchConfig, bus, pages, proxies)

	extract.NewEngine(bus, seed.Elements, func(url string) bool {
		return seed.OnlyScrapeSubPages && url == seed.URL
	})

	binder, err := output.NewBinder(bus, seed.Elements, seed.DataOrder, seed.Sink, seed.TruncateSink)
	if err != nil {
		return spyglass.CrawlSummary{}, fmt.Errorf("build output binder: %w", err)
	}
	defer binder.Close()

	controller, err := crawl.New(seed.CrawlConfig, fetchEngine, pages)
	if err != nil {
		return spyglass.CrawlSummary{}, fmt.Errorf("build crawl controller: %w", err)
	}

	if cs, ok := seed.Sink.(*output.CSVSink); ok {
		if err := cs.WriteHeader(controller.RunID(), seed.URL, time.Now()); err != nil {
			logError("seed %s: write csv run header: %v", seed.URL, err)
		}
	}

	return controller.Run(ctx)
}

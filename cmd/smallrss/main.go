package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/smallrss/internal/collect"
	"github.com/TobiSchelling/smallrss/internal/config"
	"github.com/TobiSchelling/smallrss/internal/database"
	"github.com/TobiSchelling/smallrss/internal/engine"
	"github.com/TobiSchelling/smallrss/internal/enrich"
	"github.com/TobiSchelling/smallrss/internal/events"
	"github.com/TobiSchelling/smallrss/internal/failure"
	"github.com/TobiSchelling/smallrss/internal/server"
)

var version = "dev"

var (
	verbose     bool
	configPath  string
	resolvedCfg string
	cfg         *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "smallrss",
	Short:   "A small RSS reader with movie metadata",
	Long:    "smallrss fetches RSS/Atom feeds, tracks what you have read, and looks up film metadata for new headlines.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			setupLogging(config.Defaults().Logging)
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		resolvedCfg = path
		setupLogging(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(feedsCmd)
	rootCmd.AddCommand(articlesCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(unreadCmd)
	rootCmd.AddCommand(markAllCmd)
	rootCmd.AddCommand(importLegacyCmd)
}

func setupLogging(l config.Logging) {
	if l.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		level = log.InfoLevel
	}
	if verbose {
		level = log.DebugLevel
	}
	log.SetLevel(level)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("smallrss", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/smallrss/ and seed feeds",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := configPath
		if target == "" {
			target = filepath.Join(config.ConfigDir(), "config.yaml")
		}
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
		} else {
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}
			fmt.Printf("Created config: %s\n", target)
		}

		c, err := config.Load(target)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = c
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		if imported, err := db.ImportLegacy(ctx, cfg.LegacyDir(), enrich.Normalize); err != nil {
			return err
		} else if imported {
			fmt.Println("Imported feeds from an earlier installation.")
		}

		existing, err := db.ListFeeds(ctx)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			fmt.Printf("Store already has %d feeds.\n", len(existing))
			return nil
		}
		for _, f := range cfg.Feeds {
			if _, err := db.UpsertFeed(ctx, database.FeedInput{URL: f.URL, Title: f.Title, EnrichmentEnabled: f.Enrich}); err != nil {
				return err
			}
		}
		fmt.Printf("Added %d feeds. Set $%s to enable movie lookups.\n", len(cfg.Feeds), cfg.Enrichment.APIKeyEnv)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and feed status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := cmd.Context()
		stats, err := db.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Feeds:")
		fmt.Printf("  Subscribed: %d\n", stats.Feeds)
		fmt.Printf("  With enrichment: %d\n", stats.EnrichedFeeds)
		fmt.Println("\nArticles:")
		fmt.Printf("  Total: %d\n", stats.Articles)
		fmt.Printf("  Unread: %d\n", stats.UnreadArticles)
		fmt.Println("\nEnrichment:")
		fmt.Printf("  Cached titles: %d\n", stats.CachedEnrichments)
		return nil
	},
}

// --- refresh command ---

var waitEnrichment time.Duration

var refreshCmd = &cobra.Command{
	Use:   "refresh [feed-url]",
	Short: "Fetch all feeds (or one) and look up new titles",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng, db, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer shutdown(eng)

		fmt.Println("Fetching feeds...")
		var result *collect.Result
		if len(args) == 1 {
			result, err = eng.RefreshFeed(ctx, args[0])
		} else {
			result, err = eng.Refresh(ctx)
		}
		if err != nil {
			return err
		}

		fmt.Println("\nRefresh complete:")
		fmt.Printf("  Feeds fetched: %d\n", result.Feeds)
		fmt.Printf("  New articles: %d\n", result.NewArticles)
		if len(result.Rejected) > 0 {
			fmt.Printf("  Skipped (busy): %d\n", len(result.Rejected))
		}
		if len(result.Failed) > 0 {
			fmt.Println("\nFailed feeds:")
			urls := make([]string, 0, len(result.Failed))
			for u := range result.Failed {
				urls = append(urls, u)
			}
			sort.Strings(urls)
			for _, u := range urls {
				fmt.Printf("  %s [%s]: %v\n", u, failure.KindOf(result.Failed[u]), result.Failed[u])
			}
		}

		if len(result.Subjects) == 0 || waitEnrichment <= 0 {
			return nil
		}
		fmt.Printf("\nLooking up %d titles...\n", len(result.Subjects))
		wctx, cancel := context.WithTimeout(ctx, waitEnrichment)
		defer cancel()
		resolved, err := result.WaitEnrichment(wctx)
		byKind := make(map[failure.Kind]int)
		for _, r := range resolved {
			byKind[r.Kind()]++
		}
		fmt.Printf("  Found: %d\n", byKind[""])
		for kind, n := range byKind {
			if kind != "" {
				fmt.Printf("  %s: %d\n", kind, n)
			}
		}
		if err != nil {
			fmt.Printf("  Still pending: %d\n", len(result.Subjects)-len(resolved))
		}
		return nil
	},
}

func init() {
	refreshCmd.Flags().DurationVar(&waitEnrichment, "wait", 2*time.Minute, "How long to wait for title lookups (0 to skip)")
}

// --- run command ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Refresh periodically and serve status and metrics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, db, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer shutdown(eng)

		if err := eng.WatchConfig(ctx, resolvedCfg); err != nil {
			log.Warnf("Config changes will not be picked up: %v", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return eng.Run(gctx) })
		if cfg.Server.Enabled {
			g.Go(func() error { return server.Serve(gctx, db, eng.Metrics(), cfg.ServerAddr()) })
		}
		fmt.Println("Press Ctrl+C to stop")
		return g.Wait()
	},
}

// --- import-legacy command ---

var legacyDir string

var importLegacyCmd = &cobra.Command{
	Use:   "import-legacy",
	Short: "Import feeds, read state and cached titles from the flat-file format",
	RunE: func(cmd *cobra.Command, args []string) error {
		if legacyDir != "" {
			cfg.Legacy.Dir = legacyDir
		}
		cfg.Legacy.Import = true

		ctx := cmd.Context()
		eng, db, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer shutdown(eng)

		imported, err := eng.ImportLegacy(ctx)
		if err != nil {
			return err
		}
		if !imported {
			fmt.Println("Nothing imported (store not empty, already imported, or no legacy files).")
			return nil
		}
		stats, err := db.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d feeds, %d articles, %d cached titles.\n",
			stats.Feeds, stats.Articles, stats.CachedEnrichments)
		return nil
	},
}

func init() {
	importLegacyCmd.Flags().StringVar(&legacyDir, "dir", "", "Directory holding feeds.json and friends")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

// openEngine opens the store, builds the engine, runs the one-time legacy
// import and starts logging engine events.
func openEngine(ctx context.Context) (*engine.Engine, *database.DB, error) {
	db, err := openDB()
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(cfg, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if _, err := eng.ImportLegacy(ctx); err != nil {
		log.Warnf("Legacy import: %v", err)
	}
	go logEvents(eng.Events())
	return eng, db, nil
}

func shutdown(eng *engine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		log.Warnf("Shutdown: %v", err)
	}
}

// logEvents is the CLI's event consumer. The channel stays open after
// shutdown, so the goroutine ends with the process.
func logEvents(ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.FeedUpdated:
			log.WithField("feed", e.FeedURL).Debugf("%d new of %d entries", len(e.NewArticles), e.Fetched)
		case events.FeedFailed:
			log.WithFields(log.Fields{"feed": e.FeedURL, "kind": e.Kind}).Debug("Feed failed")
		case events.EnrichmentResolved:
			if e.OK {
				log.WithField("key", e.Key).Debug("Title resolved")
			} else {
				log.WithFields(log.Fields{"key": e.Key, "kind": e.Kind}).Debug("Title lookup failed")
			}
		case events.CycleCompleted:
			log.WithField("cycle", e.CycleID).Debugf("Cycle done in %s", e.Duration)
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/vidway/vidway/internal/config"
	"github.com/vidway/vidway/internal/database"
	"github.com/vidway/vidway/internal/embed"
	"github.com/vidway/vidway/internal/media"
	"github.com/vidway/vidway/internal/playback"
	"github.com/vidway/vidway/internal/player/mpv"
	"github.com/vidway/vidway/internal/progress"
	"github.com/vidway/vidway/internal/resolver"
	"github.com/vidway/vidway/internal/resolver/httpapi"
	"github.com/vidway/vidway/internal/streamcache"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	noColor   bool
	debugMode bool

	// Shared state set up in PersistentPreRunE
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	store  *progress.Store
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vidway",
	Short: "Stream resolution and playback for movies and TV shows",
	Long: `vidway resolves movies and TV episodes to playable stream URLs, caches
resolutions for instant replays and binge sessions, remembers playback
progress, and plays everything through mpv.

When the resolver API is unreachable it falls back to a chain of embed
mirror domains.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// config init must work before any config exists
		if cmd.Name() == "init" && cmd.Parent() != nil && cmd.Parent().Name() == "config" {
			return nil
		}

		if err := config.InitializeDirs(); err != nil {
			return fmt.Errorf("initializing directories: %w", err)
		}

		var err error
		var v *viper.Viper
		cfg, v, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if debugMode {
			cfg.Advanced.Debug = true
			if logLevel == "" {
				cfg.Logging.Level = "debug"
			}
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if noColor {
			cfg.Logging.Color = false
		}

		if cfg.Advanced.Debug {
			// Debug sessions log straight to the terminal.
			handler := config.NewConsoleHandler(os.Stderr, slog.LevelDebug, cfg.Logging.Color)
			logger = slog.New(handler)
			slog.SetDefault(logger)
		} else {
			logger, err = config.InitLogger(&cfg.Logging)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
		}

		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath = filepath.Join(config.GetDataDir(), "vidway.db")
		}
		db, err = database.Open(dbPath, cfg.Database.MaxConnections)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}

		store = progress.NewStore(db, progress.WithLogger(logger))

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			logger.Info("config file changed, reloading", "name", e.Name)
			if err := v.Unmarshal(cfg); err != nil {
				logger.Error("config reload failed", "error", err)
			}
		})

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if db != nil {
			if err := database.Close(db); err != nil && logger != nil {
				logger.Error("closing database", "error", err)
			}
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/vidway/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug mode (verbose logging to the terminal)")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// offlineGateway stands in when the resolver API is disabled, so every
// resolution flows straight to the embed mirror fallback.
type offlineGateway struct{}

func (offlineGateway) Resolve(ctx context.Context, id media.Identity) (*media.ResolvedStream, error) {
	return nil, &resolver.TransportError{Err: errors.New("resolver API disabled")}
}

type playbackStack struct {
	cache   *streamcache.Cache
	gateway resolver.Gateway
	orch    *playback.Orchestrator
}

func buildPlaybackStack() (*playbackStack, error) {
	cache := streamcache.New(
		streamcache.WithTTL(time.Duration(cfg.Cache.TTLMinutes)*time.Minute),
		streamcache.WithCapacity(cfg.Cache.Capacity),
		streamcache.WithLogger(logger),
	)

	var gateway resolver.Gateway
	if cfg.API.Enabled {
		gateway = httpapi.New(httpapi.Config{
			BaseURL:    cfg.API.BaseURL,
			Provider:   cfg.API.Provider,
			Timeout:    time.Duration(cfg.API.Timeout) * time.Second,
			MaxRetries: cfg.API.MaxRetries,
			Debug:      cfg.Advanced.Debug,
			Logger:     logger,
		})
	} else {
		gateway = offlineGateway{}
	}

	pl, err := mpv.New(mpv.Options{
		LoadUserConfig: cfg.Player.LoadUserConfig,
		Debug:          cfg.Advanced.Debug,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	opts := []playback.Option{playback.WithLogger(logger)}
	if cfg.Embed.Enabled {
		creator := embed.NewHTTPCreator(time.Duration(cfg.API.Timeout)*time.Second, logger)
		opts = append(opts, playback.WithFallback(embed.NewController(cfg.Embed.Domains, creator, logger)))
	}

	return &playbackStack{
		cache:   cache,
		gateway: gateway,
		orch:    playback.New(cache, gateway, store, pl, opts...),
	}, nil
}

// runSession blocks until the playback session ends, fails, or is
// interrupted. Auto-advance flips the state from ended back to playing, so
// ended must be observed twice before it counts as final.
func runSession(orch *playback.Orchestrator) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	endedSince := time.Time{}
	for {
		select {
		case <-sigCh:
			logger.Info("interrupted, stopping playback")
			return orch.Stop(context.Background())
		case <-ticker.C:
			switch orch.State() {
			case playback.StateError:
				return orch.Err()
			case playback.StateEnded:
				if endedSince.IsZero() {
					endedSince = time.Now()
				} else if time.Since(endedSince) > 2*time.Second {
					return nil
				}
			default:
				endedSince = time.Time{}
			}
		}
	}
}

var (
	playType     string
	playYear     int
	playSeason   int
	playEpisode  int
	playEpisodes int
	playID       string
)

var playCmd = &cobra.Command{
	Use:   "play <title>",
	Short: "Resolve and play a movie or TV episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mediaType, err := media.ParseMediaType(playType)
		if err != nil {
			return err
		}

		identity := media.Identity{
			Title: args[0],
			Type:  mediaType,
			Year:  playYear,
		}
		if identity.IsTV() {
			if playSeason == 0 {
				playSeason = 1
			}
			if playEpisode == 0 {
				playEpisode = 1
			}
			identity.Season = playSeason
			identity.Episode = playEpisode
		}

		stack, err := buildPlaybackStack()
		if err != nil {
			return err
		}

		if cfg.Playback.StartupPrefetch {
			go playback.WarmStartup(context.Background(), stack.cache, stack.gateway, store, logger)
		}

		logger.Info("starting playback", "identity", identity.String())
		err = stack.orch.Play(cmd.Context(), playback.Request{
			Identity:      identity,
			CatalogID:     playID,
			TotalEpisodes: playEpisodes,
			SubtitleLang:  cfg.Playback.SubtitleLanguage,
			Fullscreen:    cfg.Playback.Fullscreen,
			ExtraArgs:     cfg.Player.ExtraArgs,
		})
		if err != nil {
			return err
		}
		return runSession(stack.orch)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Continue the most recently played title from its saved position",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		lp, ok := store.GetLastPlayed()
		if !ok {
			return fmt.Errorf("nothing to resume yet")
		}

		stack, err := buildPlaybackStack()
		if err != nil {
			return err
		}

		identity := media.Identity{
			Title:   lp.Title,
			Type:    lp.Type,
			Year:    lp.Year,
			Season:  lp.Season,
			Episode: lp.Episode,
		}

		logger.Info("resuming last played", "identity", identity.String())
		err = stack.orch.Play(cmd.Context(), playback.Request{
			Identity:     identity,
			CatalogID:    lp.ID,
			SubtitleLang: cfg.Playback.SubtitleLanguage,
			Fullscreen:   cfg.Playback.Fullscreen,
			ExtraArgs:    cfg.Player.ExtraArgs,
		})
		if err != nil {
			return err
		}
		return runSession(stack.orch)
	},
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently watched titles",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := store.RecentWatchRecords(historyLimit)
		if err != nil {
			return fmt.Errorf("reading watch history: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No watch history yet.")
			return nil
		}

		for i, r := range records {
			title := r.MediaTitle
			if r.MediaType == "tv" {
				title = fmt.Sprintf("%s S%02dE%02d", title, r.Season, r.Episode)
			}
			var percent int
			if r.TotalSeconds > 0 {
				percent = r.ProgressSeconds * 100 / r.TotalSeconds
			}
			fmt.Printf("%2d. %s\n", i+1, title)
			fmt.Printf("    %s, %d%% watched\n", humanize.Time(r.WatchedAt), percent)
		}
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the watch history",
	RunE: func(cmd *cobra.Command, args []string) error {
		store.ClearHistory()
		fmt.Println("Watch history cleared.")
		return nil
	},
}

var (
	listType string
	listYear int
	listID   string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show your saved list",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries := store.List()
		if len(entries) == 0 {
			fmt.Println("Your list is empty.")
			return nil
		}
		for i, e := range entries {
			if e.Year > 0 {
				fmt.Printf("%2d. %s (%d) [%s]\n", i+1, e.Title, e.Year, e.Type)
			} else {
				fmt.Printf("%2d. %s [%s]\n", i+1, e.Title, e.Type)
			}
		}
		return nil
	},
}

var listToggleCmd = &cobra.Command{
	Use:   "toggle <title>",
	Short: "Add a title to your list, or remove it if already saved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mediaType, err := media.ParseMediaType(listType)
		if err != nil {
			return err
		}

		id := listID
		if id == "" {
			id = media.Identity{Title: args[0], Type: mediaType, Year: listYear}.Key()
		}

		added := store.ToggleList(progress.Entry{
			ID:    id,
			Title: args[0],
			Type:  mediaType,
			Year:  listYear,
		})
		if added {
			fmt.Printf("Added %q to your list.\n", args[0])
		} else {
			fmt.Printf("Removed %q from your list.\n", args[0])
		}
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := cfgFile
		if configPath == "" {
			configPath = filepath.Join(config.GetConfigDir(), "config.yaml")
		}

		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s", configPath)
		}
		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
		if err := config.SaveDefaultConfig(configPath); err != nil {
			return fmt.Errorf("writing default configuration: %w", err)
		}

		fmt.Printf("Default configuration written to %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Resolver API: %s (provider %s, enabled %t)\n", cfg.API.BaseURL, cfg.API.Provider, cfg.API.Enabled)
		fmt.Printf("Cache: %d entries, %d minute TTL\n", cfg.Cache.Capacity, cfg.Cache.TTLMinutes)
		fmt.Printf("Database: %s\n", cfg.Database.Path)
		fmt.Printf("Log level: %s\n", cfg.Logging.Level)
		fmt.Printf("Embed fallback: enabled %t\n", cfg.Embed.Enabled)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Display the configuration directory",
	Run: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			fmt.Println(cfgFile)
		} else {
			fmt.Println(config.GetConfigDir())
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vidway version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

func init() {
	playCmd.Flags().StringVar(&playType, "type", "movie", "media type (movie or tv)")
	playCmd.Flags().IntVar(&playYear, "year", 0, "release year, disambiguates search results")
	playCmd.Flags().IntVar(&playSeason, "season", 0, "season number (tv only, default 1)")
	playCmd.Flags().IntVar(&playEpisode, "episode", 0, "episode number (tv only, default 1)")
	playCmd.Flags().IntVar(&playEpisodes, "episodes", 0, "episode count of the season, enables auto-advance")
	playCmd.Flags().StringVar(&playID, "id", "", "catalog id, skips persistence key derivation")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum entries to show")
	historyCmd.AddCommand(historyClearCmd)

	listToggleCmd.Flags().StringVar(&listType, "type", "movie", "media type (movie or tv)")
	listToggleCmd.Flags().IntVar(&listYear, "year", 0, "release year")
	listToggleCmd.Flags().StringVar(&listID, "id", "", "catalog id")
	listCmd.AddCommand(listToggleCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

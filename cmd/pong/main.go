// pong - live state gateway for Pong: presence, direct messages and tournaments
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ernie/pong-live/internal/api"
	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/client"
	"github.com/ernie/pong-live/internal/collab"
	"github.com/ernie/pong-live/internal/config"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/ernie/pong-live/internal/hub"
	"github.com/ernie/pong-live/internal/storage"
	"github.com/ernie/pong-live/internal/tournament"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

var version = "dev"

const (
	defaultConfigPath = "/etc/pong/config.yml"
	embeddedNATSPort  = 4222
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Secrets may live in .env next to the binary; a missing file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load .env: %v\n", err)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "tournaments":
		cmdTournaments(os.Args[2:])
	case "watch":
		cmdWatch(os.Args[2:])
	case "version":
		fmt.Printf("pong %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: pong <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the gateway")
	fmt.Println("  token --user ID --name USERNAME     Print a signed identity token")
	fmt.Println("  tournaments [--status S] [--limit N]")
	fmt.Println("                                      List stored tournaments")
	fmt.Println("  watch --user ID --name USERNAME     Connect as a user and print every push")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/pong/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  pong serve --config ./config.yml --log-level debug")
	fmt.Println("  pong token --user 42 --name alice")
	fmt.Println("  pong tournaments --status active")
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist
func loadConfig(path string, explicit bool) *config.Config {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default()
	}
	fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
	os.Exit(1)
	return nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// cmdServe starts the gateway
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "log format (text, json)")
	fs.Parse(args)

	cfg := loadConfig(*configPath, fs.Changed("config"))
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	logger.Info("pong starting", "version", version)

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured, identity tokens use an empty secret")
	}
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	collaborators := collab.New(cfg.Collaborators)

	h := hub.New(collaborators, collaborators, hub.Options{
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		Conn: hub.ConnOptions{
			SendBuffer:      cfg.Server.SendBuffer,
			MaxMessageBytes: cfg.Server.MaxMessageBytes,
			MessageRate:     cfg.Server.MessageRate,
			MessageBurst:    cfg.Server.MessageBurst,
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []tournament.Option{tournament.WithInactiveAfter(cfg.Tournament.InactiveAfter)}
	var store *storage.Store
	if cfg.Database.Path != "" {
		var err error
		store, err = storage.New(cfg.Database.Path)
		if err != nil {
			logger.Error("failed to initialize database", "path", cfg.Database.Path, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, tournament.WithStore(store))
		logger.Info("database initialized", "path", cfg.Database.Path)
	}

	tournaments := tournament.NewService(h, logger, opts...)
	if store != nil {
		n, err := tournaments.Restore(ctx)
		if err != nil {
			logger.Error("failed to restore tournaments", "error", err)
			os.Exit(1)
		}
		logger.Info("restored tournaments", "count", n)
	}
	h.SetTournaments(tournaments)

	if cfg.Backplane.Enabled() {
		stop, err := startBackplane(cfg.Backplane, h, logger)
		if err != nil {
			logger.Error("failed to start backplane", "error", err)
			os.Exit(1)
		}
		defer stop()
	}

	go h.Run(ctx)

	router := api.NewRouter(h, authService, tournaments, collaborators, logger)
	if store != nil {
		router.SetArchive(store)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("HTTP server error", "error", err)
		os.Exit(1)
	}

	// Stop the hub first so sockets get a going-away close before the
	// listener disappears
	cancel()

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		logger.Warn("HTTP server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

// startBackplane connects the hub to NATS, optionally running the server
// in-process. The returned func tears everything down.
func startBackplane(cfg config.BackplaneConfig, h *hub.Hub, logger *slog.Logger) (func(), error) {
	url := cfg.NATSURL
	var shutdown []func()

	if cfg.Embedded {
		ns, err := hub.RunEmbeddedNATS("127.0.0.1", embeddedNATSPort)
		if err != nil {
			return nil, err
		}
		shutdown = append(shutdown, ns.Shutdown)
		if url == "" {
			url = ns.ClientURL()
		}
		logger.Info("embedded NATS server started", "url", ns.ClientURL())
	}

	nc, err := hub.ConnectNATS(url, "pong-"+version, logger)
	if err != nil {
		for _, fn := range shutdown {
			fn()
		}
		return nil, err
	}

	bp := hub.NewNATSBackplane(nc, cfg.SubjectPrefix, cfg.RequestTimeout, logger)
	if err := bp.Start(h.Local()); err != nil {
		nc.Close()
		for _, fn := range shutdown {
			fn()
		}
		return nil, err
	}
	h.SetBackplane(bp)
	logger.Info("backplane connected", "url", url, "prefix", cfg.SubjectPrefix)

	return func() {
		bp.Close()
		nc.Close()
		for _, fn := range shutdown {
			fn()
		}
	}, nil
}

// cmdToken mints a development identity token
func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	userID := fs.String("user", "", "user id (token subject)")
	username := fs.String("name", "", "display name")
	fs.Parse(args)

	if *userID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: pong token --user ID --name USERNAME")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, fs.Changed("config"))
	token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration).GenerateToken(*userID, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

// cmdTournaments lists tournaments from the local database
func cmdTournaments(args []string) {
	fs := flag.NewFlagSet("tournaments", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	status := fs.String("status", "", "only show tournaments in this status (waiting, active, completed)")
	limit := fs.Int("limit", 20, "number of tournaments to show")
	fs.Parse(args)

	cfg := loadConfig(*configPath, fs.Changed("config"))
	if cfg.Database.Path == "" {
		fmt.Fprintln(os.Stderr, "Error: database.path is not configured")
		os.Exit(1)
	}

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	list, total, err := store.ListTournaments(context.Background(), domain.TournamentStatus(*status), *limit, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPLAYERS\tROUND\tWINNER\tVERSION\tCREATED")
	fmt.Fprintln(w, "--\t----\t------\t-------\t-----\t------\t-------\t-------")

	for _, t := range list {
		winner := "-"
		for _, p := range t.Players {
			if p.ID == t.WinnerID {
				winner = p.Username
			}
		}
		round := "-"
		if t.CurrentRound > 0 {
			round = fmt.Sprintf("%d/%d", t.CurrentRound, t.Rounds())
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%d\t%s\n",
			t.ID[:8], t.Name, t.Status, len(t.Players), t.Size, round, winner, t.Version,
			t.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	w.Flush()
	if total > len(list) {
		fmt.Printf("\n%d of %d tournaments shown\n", len(list), total)
	}
}

// cmdWatch connects to a running gateway as a user and prints every push
func cmdWatch(args []string) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to config file")
	baseURL := fs.String("url", "", "base URL of the gateway (default: derived from config)")
	userID := fs.String("user", "", "user id to connect as")
	username := fs.String("name", "", "display name")
	fs.Parse(args)

	if *userID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "Usage: pong watch --user ID --name USERNAME")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath, fs.Changed("config"))
	logger := newLogger(cfg.Log.Level, cfg.Log.Format)

	token, err := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration).GenerateToken(*userID, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	base := *baseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	}
	base = strings.TrimRight(base, "/")

	tournaments := client.NewSyncClient(client.NewHTTPFetcher(base, token), logger)
	tournaments.OnChange(func(t *domain.Tournament) {
		fmt.Printf("tournament %s %q %s v%d (%d/%d players)\n", t.ID[:8], t.Name, t.Status, t.Version, len(t.Players), t.Size)
	})

	failed := make(chan struct{})
	var failOnce sync.Once
	m := client.NewSocketManager(client.Options{
		URL:         "ws" + strings.TrimPrefix(base, "http") + "/ws",
		Token:       token,
		Logger:      logger,
		Tournaments: tournaments,
		OnFrame: func(f client.Frame) {
			fmt.Println(string(f.Raw))
		},
		OnState: func(s client.State) {
			logger.Info("socket state", "state", s.String())
			if s == client.StateFailed {
				failOnce.Do(func() { close(failed) })
			}
		},
	})
	defer m.Close()

	if err := m.Connect(context.Background()); err != nil {
		logger.Warn("initial connect failed, retrying", "error", err)
	}
	m.Send(map[string]string{"type": string(domain.CmdRequestTournaments)})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-failed:
		fmt.Fprintln(os.Stderr, "Error:", client.ErrReconnectExhausted)
		os.Exit(1)
	}
}

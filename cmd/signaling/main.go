package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/mossy-p/callrelay/config"
	"github.com/mossy-p/callrelay/internal/auth"
	"github.com/mossy-p/callrelay/internal/directory"
	"github.com/mossy-p/callrelay/internal/handlers"
	"github.com/mossy-p/callrelay/internal/logging"
	"github.com/mossy-p/callrelay/internal/metrics"
	"github.com/mossy-p/callrelay/internal/models"
	"github.com/mossy-p/callrelay/internal/redis"
	"github.com/mossy-p/callrelay/internal/signaling"
)

func main() {
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash of the given password and exit")
	importUsers := flag.String("import-users", "", "import a users YAML file into DIRECTORY_DB and exit")
	exportUsers := flag.Bool("export-users", false, "write the configured directory as users YAML to stdout and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := directory.HashPassword(*hashPassword, bcrypt.DefaultCost)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	// Load configuration
	cfg := config.Load()

	if _, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *importUsers != "" {
		n, err := runImport(context.Background(), *importUsers, cfg.Directory.DBPath)
		if err != nil {
			log.Fatal().Err(err).Msg("import failed")
		}
		log.Info().Int("users", n).Str("db", cfg.Directory.DBPath).Msg("users imported")
		return
	}

	if *exportUsers {
		if err := runExport(context.Background(), cfg.Directory, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("export failed")
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	identities, err := loadIdentities(ctx, cfg.Directory)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	dir, err := directory.New(identities)
	if err != nil {
		return fmt.Errorf("build directory: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	verifier := directory.NewBcryptVerifier(dir)
	hub := handlers.NewHub(m)

	opts := signaling.Options{
		Routing:     signaling.RoutingMode(cfg.Signaling.RoutingMode),
		RingTimeout: cfg.Signaling.RingTimeout,
		Tokens:      issuer,
		Metrics:     m,
	}

	if cfg.Redis.Enabled {
		rc, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := rc.Reset(ctx); err != nil {
			log.Warn().Err(err).Msg("could not clear stale presence")
		}
		opts.Presence = rc
		opts.PresenceRefresh = cfg.Redis.PresenceTTL / 3
		log.Info().Str("addr", cfg.Redis.Addr()).Msg("Redis presence mirror enabled")
	}

	svc := signaling.NewService(dir, verifier, hub, opts)
	defer svc.Close()

	// Setup Gin router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Hub:            hub,
		Service:        svc,
		Verifier:       verifier,
		Issuer:         issuer,
		Gatherer:       reg,
		Signaling: handlers.SignalingOptions{
			SendBuffer: cfg.Signaling.SendBuffer,
			Rate:       cfg.Signaling.Rate,
			Burst:      cfg.Signaling.Burst,
		},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logDirectory(dir.List())

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("routing", cfg.Signaling.RoutingMode).Msg("Starting call signaling server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	hub.CloseAll()

	log.Info().Msg("Server exited")
	return nil
}

func loadIdentities(ctx context.Context, cfg config.DirectoryConfig) ([]models.Identity, error) {
	switch cfg.Source {
	case config.DirectoryYAML:
		return directory.LoadYAML(cfg.UsersFile)
	case config.DirectorySQLite:
		store, err := directory.OpenStore(ctx, cfg.DBPath)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.ListIdentities(ctx)
	default:
		log.Warn().Msg("using built-in demo users")
		return directory.Builtin(bcrypt.DefaultCost)
	}
}

func runImport(ctx context.Context, usersFile, dbPath string) (int, error) {
	identities, err := directory.LoadYAML(usersFile)
	if err != nil {
		return 0, err
	}
	store, err := directory.OpenStore(ctx, dbPath)
	if err != nil {
		return 0, err
	}
	defer store.Close()

	if err := store.Import(ctx, identities); err != nil {
		return 0, err
	}
	return store.Count(ctx)
}

func runExport(ctx context.Context, cfg config.DirectoryConfig, out io.Writer) error {
	identities, err := loadIdentities(ctx, cfg)
	if err != nil {
		return err
	}
	data, err := directory.ExportYAML(identities)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func logDirectory(identities []models.Identity) {
	log.Info().Int("count", len(identities)).Msg("Available users")
	for _, u := range identities {
		log.Info().Str("user_id", u.ID).Str("username", u.Username).Msgf("  %s %s", u.Avatar, u.DisplayName)
	}
}

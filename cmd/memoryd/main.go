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
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hrygo/longmem/ai"
	"github.com/hrygo/longmem/ai/core/llm"
	"github.com/hrygo/longmem/ai/metrics"
	"github.com/hrygo/longmem/internal/logging"
	"github.com/hrygo/longmem/internal/profile"
	"github.com/hrygo/longmem/internal/version"
	"github.com/hrygo/longmem/memory/lifecycle"
	"github.com/hrygo/longmem/memory/orchestrator"
	"github.com/hrygo/longmem/memory/retrieval"
	"github.com/hrygo/longmem/server"
	"github.com/hrygo/longmem/store"
	"github.com/hrygo/longmem/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: `A long-term conversational memory engine. Extracts, stores, and retrieves what matters across thousands of turns.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Systemd services get their environment from the unit file.
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		return nil
	},
	Run: func(_ *cobra.Command, _ []string) {
		instanceProfile := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    viper.GetString("addr"),
			Port:    viper.GetInt("port"),
			Data:    viper.GetString("data"),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.GetCurrentVersion(viper.GetString("mode")),
		}
		instanceProfile.FromEnv()
		if err := instanceProfile.Validate(); err != nil {
			panic(err)
		}
		logging.Setup(instanceProfile.Mode)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		dbDriver, err := db.NewDBDriver(instanceProfile)
		if err != nil {
			printDatabaseError(err, instanceProfile)
			slog.Error("failed to create db driver", "error", err)
			return
		}

		storeInstance := store.New(dbDriver, instanceProfile)
		if err := storeInstance.Migrate(ctx); err != nil {
			slog.Error("failed to migrate", "error", err)
			return
		}

		llmService, err := llm.NewService(&llm.Config{
			Provider: instanceProfile.LLMProvider,
			Model:    instanceProfile.LLMModel,
			APIKey:   instanceProfile.LLMAPIKey,
			BaseURL:  instanceProfile.LLMBaseURL,
			Timeout:  instanceProfile.LLMTimeout,
		})
		if err != nil {
			slog.Error("failed to create llm service", "error", err)
			return
		}
		// Best effort; first-request latency is the only thing at stake.
		go func() {
			warmupCtx, warmupCancel := context.WithTimeout(ctx, 10*time.Second)
			defer warmupCancel()
			llmService.Warmup(warmupCtx)
		}()

		embeddingService, err := ai.NewEmbeddingService(&ai.EmbeddingConfig{
			Provider:   instanceProfile.EmbeddingProvider,
			Model:      instanceProfile.EmbeddingModel,
			APIKey:     instanceProfile.EmbeddingAPIKey,
			BaseURL:    instanceProfile.EmbeddingBaseURL,
			Dimensions: instanceProfile.EmbeddingDimensions,
		})
		if err != nil {
			slog.Error("failed to create embedding service", "error", err)
			return
		}
		// Repeated texts (dedup checks, re-ranking the same query) hit
		// the in-process cache instead of the provider.
		embeddingService = ai.NewCachedEmbeddingService(embeddingService,
			instanceProfile.EmbeddingProvider, instanceProfile.EmbeddingModel)

		exporter := metrics.NewPrometheusExporter(metrics.DefaultConfig())
		retriever := retrieval.New(storeInstance, embeddingService, instanceProfile.EmbeddingModel, instanceProfile.SilenceThreshold)
		titleGenerator := ai.NewTitleGenerator(ai.TitleGeneratorConfig{
			APIKey:  instanceProfile.LLMAPIKey,
			BaseURL: instanceProfile.LLMBaseURL,
			Model:   instanceProfile.ExtractionModel,
		})

		turnOrchestrator := orchestrator.New(orchestrator.Config{
			Store:     storeInstance,
			LLM:       llmService,
			Retriever: retriever,
			Embedder:  embeddingService,
			Titles:    titleGenerator,
			Metrics:   exporter,
			Profile:   instanceProfile,
		})

		worker := lifecycle.NewWorker(
			storeInstance,
			llmService,
			embeddingService,
			instanceProfile.EmbeddingModel,
			time.Duration(instanceProfile.LifecycleIntervalMinutes)*time.Minute,
		)
		go worker.Start(ctx)

		s := server.NewServer(server.Config{
			Profile:   instanceProfile,
			Store:     storeInstance,
			Turns:     turnOrchestrator,
			Search:    retriever,
			Lifecycle: worker,
			Embedder:  embeddingService,
			Metrics:   exporter,
		})

		c := make(chan os.Signal, 1)
		// SIGTERM is the graceful shutdown signal used by systemd and
		// Kubernetes; SIGINT covers CTRL-C.
		signal.Notify(c, terminationSignals...)
		go func() {
			<-c
			s.Shutdown(ctx)
			cancel()
		}()

		printGreetings(instanceProfile)

		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to start server", "error", err)
			cancel()
		}

		<-ctx.Done()
	},
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("data", "", "data directory")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")

	for _, flag := range []string{"mode", "addr", "port", "data", "driver", "dsn"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("longmem")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(profile *profile.Profile) {
	fmt.Printf("longmem %s started successfully!\n", profile.Version)

	if !version.IsVersionGreaterOrEqualThan(profile.Version, "1.0.0") {
		fmt.Fprintln(os.Stderr, "Pre-1.0 release: storage formats may change between versions")
	}

	if profile.IsDev() {
		fmt.Fprint(os.Stderr, "Development mode is enabled\n")
		if profile.DSN != "" {
			fmt.Fprintf(os.Stderr, "Database: %s\n", profile.DSN)
		}
	}

	fmt.Printf("Data directory: %s\n", profile.Data)
	fmt.Printf("Database driver: %s\n", profile.Driver)
	fmt.Printf("Mode: %s\n", profile.Mode)

	if len(profile.Addr) == 0 {
		fmt.Printf("Server running on port %d\n", profile.Port)
	} else {
		fmt.Printf("Server running on %s:%d\n", profile.Addr, profile.Port)
	}
}

// isRunningAsSystemdService detects if the process is running under systemd.
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

// printDatabaseError provides user-friendly error messages for database connection issues.
func printDatabaseError(err error, profile *profile.Profile) {
	fmt.Fprintln(os.Stderr, "\nDatabase connection failed")

	errMsg := err.Error()
	switch {
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "no such host"):
		fmt.Fprintln(os.Stderr, "\nPostgreSQL is not running.")
		if profile.Driver == "postgres" {
			fmt.Fprintln(os.Stderr, "   Start it with: sudo systemctl start postgresql")
		}
		fmt.Fprintln(os.Stderr, "   Or use SQLite for development: --driver=sqlite --data=./data")

	case strings.Contains(errMsg, "SSL is not enabled") || strings.Contains(errMsg, "sslmode"):
		fmt.Fprintln(os.Stderr, "\nPostgreSQL SSL configuration mismatch.")
		fmt.Fprintln(os.Stderr, "   Add ?sslmode=disable to your DSN.")

	case strings.Contains(errMsg, "password authentication failed"):
		fmt.Fprintln(os.Stderr, "\nPostgreSQL authentication failed. Check the credentials in your DSN.")

	case strings.Contains(errMsg, "does not exist"):
		fmt.Fprintln(os.Stderr, "\nDatabase does not exist.")
		fmt.Fprintln(os.Stderr, `   Create it with: psql -U postgres -c "CREATE DATABASE longmem;"`)

	default:
		fmt.Fprintln(os.Stderr, "\nError:", errMsg)
	}

	if _, statErr := os.Stat(".env"); statErr != nil {
		fmt.Fprintln(os.Stderr, "\nTip: create a .env file for local configuration (see .env.example)")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}

// Package main provides the proxychat agent entry point. The agent is a
// loopback TCP sidecar for desktop chat clients: it relays chat turns to an
// upstream OpenAI-compatible proxy, persists sessions on disk and keeps long
// histories within budget through summarization.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxychat/internal/agent"
	"proxychat/internal/llm"
	"proxychat/internal/logger"
	"proxychat/internal/pricing"
	"proxychat/internal/store"
	"proxychat/internal/testutils"
	"proxychat/pkg/agentclient"
)

var (
	host       string
	port       int
	memoryDir  string
	pricingYml string
	logLevel   string
	logFile    string
	testMode   bool
	version    = "0.1.0" // This could be set at build time
)

// rootCmd represents the base command; running the binary with no subcommand
// starts the agent.
var rootCmd = &cobra.Command{
	Use:   "proxychat-agent",
	Short: "Proxychat agent - loopback LLM relay for desktop chat clients",
	Long: `Proxychat agent accepts newline-delimited JSON requests on a loopback TCP
socket, streams chat completions from an upstream OpenAI-compatible proxy and
persists every session to disk with per-turn token and cost accounting.`,
	Run: runServe,
}

// serveCmd is the explicit version of the default behavior.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent server",
	Long:  `Start the agent server and listen for client connections.`,
	Run:   runServe,
}

// pingCmd checks whether a running agent answers on the configured address.
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a running agent is reachable",
	Run: func(_ *cobra.Command, _ []string) {
		addr := fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := agentclient.New(addr).Ping(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Agent at %s is not responding: %v\n", addr, err)
			os.Exit(1)
		}
		fmt.Printf("Agent at %s is up\n", addr)
	},
}

// versionCmd shows version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("proxychat-agent v%s\n", version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&host, "host", "127.0.0.1", "Listen address")
	rootCmd.PersistentFlags().IntVar(&port, "port", 8765, "Listen port")
	rootCmd.PersistentFlags().StringVar(&memoryDir, "memory-dir", "memory", "Directory for session files")
	rootCmd.PersistentFlags().StringVar(&pricingYml, "pricing-file", "", "Optional pricing.yaml overriding fetched prices")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&testMode, "test-mode", false, "Run in deterministic test mode")

	for _, flag := range []string{"host", "port", "memory-dir", "pricing-file", "log-level", "log-file", "test-mode"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", flag, err)
			os.Exit(1)
		}
	}
	viper.SetEnvPrefix("PROXYCHAT")
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	// .env carries the upstream credentials during development; absence is
	// fine in deployments that export real environment variables.
	_ = godotenv.Overload()

	if err := logger.Configure(logLevel, logFile, testMode); err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}
	testutils.SetTestMode(testMode)
}

func runServe(_ *cobra.Command, _ []string) {
	logger.Info("Starting proxychat agent", "version", version)

	apiKey := os.Getenv("PROXYAPI_KEY")
	baseURL := os.Getenv("PROXYAPI_BASE_URL")
	if baseURL == "" {
		baseURL = "https://openai.api.proxyapi.ru/v1"
	}
	defaultModel := os.Getenv("PROXYCHAT_MODEL")
	if defaultModel == "" {
		defaultModel = "openai/gpt-5.2-chat-latest"
	}
	if apiKey == "" {
		logger.Warn("PROXYAPI_KEY is not set, chat requests will fail")
	}

	sessionStore, err := store.NewSessionStore(viper.GetString("memory-dir"))
	if err != nil {
		logger.Fatal("Failed to open session store", "error", err)
	}

	factory := llm.NewFactory(llm.Config{APIKey: apiKey, BaseURL: baseURL})
	prices := pricing.NewService(baseURL, viper.GetString("pricing-file"))

	server := agent.NewServer(agent.Config{
		Host:         viper.GetString("host"),
		Port:         viper.GetInt("port"),
		DefaultModel: defaultModel,
	}, sessionStore, factory, prices)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		logger.Fatal("Failed to start agent", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", "signal", sig.String())

	cancel()
	server.Shutdown()
}

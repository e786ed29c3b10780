package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"commune/pkg/api"
	"commune/pkg/config"
	"commune/pkg/federation"
	"commune/pkg/identity"
	"commune/pkg/storage"
	"commune/pkg/types"
)

var (
	configFile string
	verbose    bool
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "commune",
		Short: "Federated social content exchange",
		Long: `An instance server that exchanges signed post and comment events with
other instances it trusts, without a central broker.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		keygenCmd(),
		discoverCmd(),
		subscribeCmd(),
		instancesCmd(),
		statusCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the instance server",
		Long:  `Start the federation engine, its delivery scheduler and the HTTP API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			var signer *identity.Signer
			if cfg.SigningKey != "" {
				signer, err = identity.FromHex(cfg.SigningKey)
				if err != nil {
					return fmt.Errorf("failed to load signing key: %w", err)
				}
			} else {
				logger.Warn("No signing key configured, publishing is disabled")
			}

			store, err := storage.Open(storage.Backend(cfg.StoreBackend), cfg.StoreDSN)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()

			engine, err := federation.New(federation.Options{
				Origin:        cfg.Origin,
				Enabled:       cfg.Enabled,
				TrustMode:     types.TrustMode(cfg.TrustMode),
				Signer:        signer,
				Store:         store,
				Logger:        logger,
				Metrics:       federation.NewMetrics(nil),
				DrainInterval: cfg.DrainInterval,
			})
			if err != nil {
				return fmt.Errorf("failed to create engine: %w", err)
			}
			engine.Outbox().SetRetention(cfg.OutboxRetention)

			engine.Start()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigChan
				logger.Info("Shutting down instance")
				engine.Stop()
				os.Exit(0)
			}()

			logger.Info("Starting instance",
				zap.String("origin", engine.Origin()),
				zap.String("listen", cfg.Listen),
				zap.String("trust_mode", cfg.TrustMode),
				zap.String("store", cfg.StoreBackend))

			return api.NewServer(engine, logger).Run(cfg.Listen)
		},
	}
	return cmd
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing key",
		Long:  `Generate a fresh signing key and print it with the derived public identity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := identity.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Printf("signing key: %s\n", signer.KeyHex())
			fmt.Printf("identity:    %s\n", signer.Identity())
			fmt.Println("\nSet COMMUNE_SIGNING_KEY to the signing key and keep it secret.")
			return nil
		},
	}
}

func discoverCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "discover <instance-uri>",
		Short: "Discover a remote instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inst types.RemoteInstance
			if err := postJSON(addr+"/federation/discover", map[string]string{"uri": args[0]}, &inst); err != nil {
				return err
			}
			printInstance(&inst)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "local instance API address")
	return cmd
}

func subscribeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "subscribe <instance-uri>",
		Short: "Discover a remote instance and mark it trusted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var inst types.RemoteInstance
			if err := postJSON(addr+"/federation/subscribe", map[string]string{"uri": args[0]}, &inst); err != nil {
				return err
			}
			fmt.Printf("Subscribed to %s\n", inst.Origin)
			printInstance(&inst)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "local instance API address")
	return cmd
}

func instancesCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List known remote instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Instances []*types.RemoteInstance `json:"instances"`
			}
			if err := getJSON(addr+"/federation/instances", &out); err != nil {
				return err
			}
			fmt.Print(renderInstanceTable(out.Instances))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "local instance API address")
	return cmd
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show delivery status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc types.DiscoveryDocument
			if err := getJSON(addr+federation.WellKnownPath, &doc); err != nil {
				return err
			}
			var status federation.StatusSummary
			if err := getJSON(addr+"/federation/delivery", &status); err != nil {
				return err
			}
			fmt.Print(renderStatus(&doc, &status))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "local instance API address")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("commune %s (protocol %s)\n", version, federation.ProtocolVersion)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

var apiClient = &http.Client{Timeout: 30 * time.Second}

func getJSON(url string, out interface{}) error {
	resp, err := apiClient.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach instance: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func postJSON(url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := apiClient.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to reach instance: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("instance returned status %d", resp.StatusCode)
	}
	return json.Unmarshal(data, out)
}

func printInstance(inst *types.RemoteInstance) {
	fmt.Printf("  origin:     %s\n", inst.Origin)
	fmt.Printf("  version:    %s\n", inst.Version)
	fmt.Printf("  trust mode: %s\n", inst.TrustMode)
	if inst.InboxURL != "" {
		fmt.Printf("  inbox:      %s\n", inst.InboxURL)
	}
	if inst.OutboxURL != "" {
		fmt.Printf("  outbox:     %s\n", inst.OutboxURL)
	}
	if inst.Identity != "" {
		fmt.Printf("  identity:   %s\n", inst.Identity)
	}
}

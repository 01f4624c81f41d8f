package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	eventbus "github.com/glimte/mmate-eventbus"
	"github.com/glimte/mmate-eventbus/config"
	"github.com/glimte/mmate-eventbus/contracts"
	"github.com/glimte/mmate-eventbus/health"
	"github.com/glimte/mmate-eventbus/messaging"
	"github.com/glimte/mmate-eventbus/tenant"
)

var (
	// Version information
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		envFile string
		verbose bool
		cfg     *config.App
	)

	rootCmd := &cobra.Command{
		Use:          "eventbus",
		Short:        "Publish and consume integration events over RabbitMQ",
		Version:      fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(nil, envFile)
			return err
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Env file to load before reading EVENTBUS_* variables")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, newLogger(cfg.Log, verbose))
		if err != nil {
			return err
		}
		defer a.close()
		return fn(ctx, a)
	}

	// Consume command
	var events []string
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Log every delivery of the given events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(events) == 0 {
				return errors.New("at least one --event is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				handler := messaging.DynamicHandlerFunc("cli-logger", func(ctx context.Context, evt contracts.DynamicEvent) error {
					scope, _ := tenant.FromContext(ctx)
					a.logger.Info("event received", "event", evt, "tenantCode", scope.TenantCode)
					return nil
				})
				for _, name := range events {
					if err := eventbus.SubscribeDynamic(ctx, a.bus, name, handler); err != nil {
						return err
					}
				}
				if err := a.bus.StartBasicConsumeAllQueue(ctx); err != nil {
					return err
				}

				srv := &http.Server{Addr: a.cfg.Metrics.Addr, Handler: metricsMux(a)}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server failed", "error", err)
					}
				}()
				a.logger.Info("consuming", "queues", a.bus.Queues(), "metrics", a.cfg.Metrics.Addr)

				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	consumeCmd.Flags().StringSliceVarP(&events, "event", "e", nil, "Event name to subscribe to (repeatable)")

	// Publish command
	var (
		exchange   string
		bindingKey string
		topic      bool
	)
	publishCmd := &cobra.Command{
		Use:   "publish <event-name> <json>",
		Short: "Publish a JSON document under an event name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			evt, err := newRawEvent(args[0], []byte(args[1]))
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				switch {
				case topic:
					target := exchange
					if target == "" {
						target = a.cfg.Bus.ExchangeName
					}
					err = a.bus.PublishToTopicExchange(ctx, evt, bindingKey, target)
				case exchange != "":
					err = a.bus.PublishToExchange(ctx, exchange, evt)
				default:
					err = a.bus.Publish(ctx, evt)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", evt.name, evt.ID)
				return nil
			})
		},
	}
	publishCmd.Flags().StringVar(&exchange, "exchange", "", "Exchange to publish to instead of the bus exchange")
	publishCmd.Flags().StringVar(&bindingKey, "binding-key", "", "Routing key prefix for topic publishes")
	publishCmd.Flags().BoolVar(&topic, "topic", false, "Publish to a topic exchange")

	// Health command
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker and tenant store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				overall := a.health.Check(ctx)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(overall); err != nil {
					return err
				}
				if overall.Status != health.StatusHealthy {
					return fmt.Errorf("status %s", overall.Status)
				}
				return nil
			})
		},
	}

	// Encrypt command
	var generateKey bool
	encryptCmd := &cobra.Command{
		Use:   "encrypt [connection-string]",
		Short: "Encrypt a tenant connection string with EVENTBUS_TENANT_SECRET_KEY",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if generateKey {
				key := make([]byte, 32)
				if _, err := rand.Read(key); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(key))
				return nil
			}
			if len(args) != 1 {
				return errors.New("a connection string is required")
			}
			box, err := tenant.NewSecretBoxFromBase64(cfg.Tenant.SecretKey)
			if err != nil {
				return err
			}
			sealed, err := box.Encrypt(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	encryptCmd.Flags().BoolVar(&generateKey, "generate-key", false, "Print a new random key instead")

	rootCmd.AddCommand(consumeCmd, publishCmd, healthCmd, encryptCmd)
	return rootCmd
}

func metricsMux(a *app) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		overall := a.health.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if overall.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(overall)
	})
	return mux
}

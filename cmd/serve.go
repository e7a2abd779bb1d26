package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/pliu/cipherchat/internal/auth"
	"github.com/pliu/cipherchat/internal/bus"
	"github.com/pliu/cipherchat/internal/config"
	"github.com/pliu/cipherchat/internal/server"
	"github.com/pliu/cipherchat/internal/store/sqlstore"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadServer(viper.GetViper())
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Server) error {
	if cfg.CookieSecret == "" {
		jww.WARN.Printf("[SERVE] no cookie secret configured, using the built-in development key")
	}
	auth.SetSecret(cfg.CookieSecret)

	store, err := sqlstore.New(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return errors.WithMessagef(err, "open %s database", cfg.DBDriver)
	}
	defer store.Close()

	var b bus.Bus = bus.NewLocal()
	if cfg.RedisAddr != "" {
		rb, err := bus.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		b = rb
		jww.INFO.Printf("[SERVE] fanning out pushes through redis at %s", cfg.RedisAddr)
	}
	defer b.Close()

	srv := server.New(store, b, server.Options{
		AcceptLegacyPayloads: cfg.AcceptLegacyPayloads,
		InboundRate:          cfg.InboundRate,
	})
	hubErr := make(chan error, 1)
	go func() { hubErr <- srv.Run(ctx) }()

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	jww.INFO.Printf("Starting server on %s", cfg.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "listen")
	}
	if err := <-hubErr; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "http service address")
	viper.BindPFlag(config.KeyAddr, serveCmd.Flags().Lookup("addr"))

	serveCmd.Flags().String("db-driver", "sqlite3", "Database driver: sqlite3 or postgres")
	viper.BindPFlag(config.KeyDBDriver, serveCmd.Flags().Lookup("db-driver"))

	serveCmd.Flags().String("db-dsn", "cipherchat.db", "Database connection string")
	viper.BindPFlag(config.KeyDBDSN, serveCmd.Flags().Lookup("db-dsn"))

	serveCmd.Flags().String("redis", "", "Redis address for multi-instance push fan-out")
	viper.BindPFlag(config.KeyRedis, serveCmd.Flags().Lookup("redis"))

	serveCmd.Flags().Bool("legacy-payloads", true, "Accept legacy byte-array encrypted payloads")
	viper.BindPFlag(config.KeyLegacyPayloads, serveCmd.Flags().Lookup("legacy-payloads"))

	serveCmd.Flags().Int("ws-rate", 50, "Inbound websocket events per second per connection (0 = unlimited)")
	viper.BindPFlag(config.KeyInboundRate, serveCmd.Flags().Lookup("ws-rate"))

	rootCmd.AddCommand(serveCmd)
}

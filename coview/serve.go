package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"

	"github.com/gosuda/coview/devserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a local conversation server",
	RunE:  runServe,
}

var (
	flagServerURLs   []string
	flagPort         int
	flagName         string
	flagDataPath     string
	flagCredKey      string
	flagPingInterval time.Duration
	flagJWTSecret    string
)

func init() {
	flags := serveCmd.Flags()
	flags.StringSliceVar(&flagServerURLs, "server-url", nil, "relayserver base URL(s); repeat or comma-separated (env RELAY)")
	flags.IntVar(&flagPort, "port", 0, "local HTTP port (negative to disable; default from config)")
	flags.StringVar(&flagName, "name", "", "backend name announced on the relay (default from config)")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist history via PebbleDB")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
	flags.DurationVar(&flagPingInterval, "ping-interval", 0, "application ping interval (default from config)")
	flags.StringVar(&flagJWTSecret, "jwt-secret", "", "HMAC secret for signed socket tokens; empty accepts <id>:<name> dev tokens (env COVIEW_JWT_SECRET)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sc := cfg.Server
	if cmd.Flags().Changed("port") {
		sc.Port = flagPort
	}
	if flagName != "" {
		sc.Name = flagName
	}
	if flagDataPath != "" {
		sc.DataPath = flagDataPath
	}
	if flagPingInterval != 0 {
		sc.PingInterval = flagPingInterval
	}
	if flagJWTSecret != "" {
		sc.JWTSecret = flagJWTSecret
	}
	for _, raw := range flagServerURLs {
		for _, u := range strings.Split(raw, ",") {
			if u = strings.TrimSpace(u); u != "" {
				sc.RelayURLs = append(sc.RelayURLs, u)
			}
		}
	}

	closer, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := devserver.OpenStore(sc.DataPath)
	if err != nil {
		log.Warn().Err(err).Msg("[serve] open store failed; running in memory only")
	}
	var auth *devserver.Authenticator
	if sc.JWTSecret != "" {
		auth = devserver.NewAuthenticator(sc.JWTSecret, 0)
		log.Info().Msg("[serve] signed socket tokens required")
	}
	srv := devserver.New(devserver.Options{
		PingInterval: sc.PingInterval,
		Backlog:      sc.Backlog,
		Store:        store,
		Auth:         auth,
	})
	handler := srv.Handler()

	listeners, clients, err := listenRelays(sc.RelayURLs, sc.Name)
	if err != nil {
		return err
	}
	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[serve] relay http error")
			}
		}()
	}

	var httpSrv *http.Server
	if sc.Port >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", sc.Port), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[serve] serving locally at http://127.0.0.1:%d", sc.Port)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[serve] local http stopped")
				stop()
			}
		}()
	}
	if httpSrv == nil && len(listeners) == 0 {
		return fmt.Errorf("nothing to serve: local port disabled and no relay given via --server-url or RELAY")
	}

	<-ctx.Done()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, c := range clients {
		_ = c.Close()
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("[serve] http server shutdown error")
		}
	}
	srv.Close()
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("[serve] store close error")
	}
	log.Info().Msg("[serve] shutdown complete")
	return nil
}

// listenRelays registers name on every relay and returns one listener per
// relay. An empty list is not an error.
func listenRelays(urls []string, name string) ([]net.Listener, []*sdk.RDClient, error) {
	if len(urls) == 0 {
		return nil, nil, nil
	}
	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode cred key: %w", err)
		}
		cred, err = cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("new credential from private key: %w", err)
		}
	}

	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, u := range urls {
		client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
		if err != nil {
			log.Error().Err(err).Str("url", u).Msg("[serve] new relay client failed")
			continue
		}
		clients = append(clients, client)
		ln, err := client.Listen(cred, name, []string{"http/1.1"})
		if err != nil {
			for _, c := range clients {
				_ = c.Close()
			}
			return nil, nil, fmt.Errorf("listen (%s): %w", u, err)
		}
		log.Info().Str("relay", u).Str("name", name).Msg("[serve] registered on relay")
		listeners = append(listeners, ln)
	}
	return listeners, clients, nil
}

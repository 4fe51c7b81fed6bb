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
)

var rootCmd = &cobra.Command{
	Use:   "moo-server",
	Short: "Portal demo: multiplayer text world server",
	RunE:  runServer,
}

var (
	flagServerURLs []string
	flagPort       int
	flagName       string
	flagDataPath   string
	flagCredKey    string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringSliceVar(&flagServerURLs, "server-url", strings.Split(os.Getenv("RELAY"), ","), "relayserver base URL(s); repeat or comma-separated (from env RELAY if set)")
	flags.IntVar(&flagPort, "port", 8080, "local HTTP port (negative to disable)")
	flags.StringVar(&flagName, "name", "portal-moo", "backend display name")
	flags.StringVar(&flagDataPath, "data-path", "", "optional directory to persist chat history and world code via PebbleDB")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key to use for the listener (base64 encoded)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute moo-server command")
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	// Cancellation context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	world := newWorld()

	// Optional: open persistent store, preload history and world code
	var store *worldStore
	if flagDataPath != "" {
		s, err := openWorldStore(flagDataPath)
		if err != nil {
			log.Warn().Err(err).Msg("[moo] open store failed; running in memory only")
		} else {
			store = s
			if rows, err := store.LoadRecentRows(backlogLimit); err != nil {
				log.Warn().Err(err).Msg("[moo] load history failed")
			} else if len(rows) > 0 {
				world.bootstrap(rows)
				log.Info().Msgf("[moo] loaded %d recent rows from store", len(rows))
			}
			if files, err := store.LoadCode(); err != nil {
				log.Warn().Err(err).Msg("[moo] load world code failed")
			} else if len(files) > 0 {
				world.loadCode(files)
				log.Info().Msgf("[moo] loaded %d world code files", len(files))
			}
			world.attachStore(store)
		}
	}

	handler := NewHandler(flagName, world)

	// Optional relay listeners, shared credential across all of them
	cred := sdk.NewCredential()
	if flagCredKey != "" {
		key, err := base64.StdEncoding.DecodeString(flagCredKey)
		if err != nil {
			return fmt.Errorf("decode cred key: %w", err)
		}
		cred2, err := cryptoops.NewCredentialFromPrivateKey(key)
		if err != nil {
			return fmt.Errorf("new credential from private key: %w", err)
		}
		cred = cred2
	}
	var clients []*sdk.RDClient
	var listeners []net.Listener
	for _, raw := range flagServerURLs {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		client, err := sdk.NewClient(func(c *sdk.RDClientConfig) { c.BootstrapServers = []string{u} })
		if err != nil {
			log.Error().Err(err).Str("url", u).Msg("new relay client failed")
			continue
		}
		clients = append(clients, client)
		ln, err := client.Listen(cred, flagName, []string{"http/1.1"})
		if err != nil {
			return fmt.Errorf("listen (%s): %w", u, err)
		}
		listeners = append(listeners, ln)
	}

	// Serve over each relay listener
	for i, ln := range listeners {
		idx := i
		go func() {
			if err := http.Serve(ln, handler); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
				log.Error().Err(err).Int("listener", idx).Msg("[moo] relay http error")
			}
		}()
	}

	// Optional local server on --port
	var httpSrv *http.Server
	if flagPort >= 0 {
		httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", flagPort), Handler: handler, ReadHeaderTimeout: 5 * time.Second, IdleTimeout: 60 * time.Second}
		log.Info().Msgf("[moo] serving locally at http://127.0.0.1:%d", flagPort)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn().Err(err).Msg("[moo] local http stopped")
			}
		}()
	}
	if len(listeners) == 0 && flagPort < 0 {
		return fmt.Errorf("nothing to serve: no relay servers and local port disabled")
	}

	// Unified shutdown watcher
	go func() {
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
				log.Error().Err(err).Msg("[moo] http server shutdown error")
			}
		}
	}()

	// Wait for cancel, then clean up world/store
	<-ctx.Done()
	world.closeAll()
	world.wait()
	if store != nil {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("[moo] store close error")
		}
	}
	log.Info().Msg("[moo] shutdown complete")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/amgmcp/internal/identity"
	"pkt.systems/amgmcp/internal/logfields"
	"pkt.systems/amgmcp/remotewrite"
	"pkt.systems/pslog"
)

const (
	remoteWriteListenKey       = "remotewrite.listen"
	remoteWriteIngestionURLKey = "remotewrite.ingestion_url"
	remoteWriteResourceKey     = "remotewrite.token_resource"
	remoteWriteTimeoutKey      = "remotewrite.forward_timeout"
)

func newRemoteWriteCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote-write",
		Short: "Run the Prometheus remote-write forwarder for Azure Monitor ingestion",
		Long: `Accept Prometheus remote-write POSTs on /api/v1/write (and /write) and
forward them to an Azure Monitor workspace ingestion URL, authenticating
with the proxy's managed identity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if _, err := loadConfigFile(); err != nil {
				return err
			}
			logger := withConfiguredLevel(baseLogger)
			lifecycleLog := logfields.WithSubsystem(logger, "remotewrite.lifecycle")

			tokens, err := identity.NewSource(identity.Options{
				ClientID: viper.GetString("azure-client-id"),
				Logger:   logger,
			})
			if err != nil {
				return fmt.Errorf("managed identity: %w", err)
			}
			handler, err := remotewrite.NewHandler(remotewrite.Config{
				IngestionURL:   viper.GetString(remoteWriteIngestionURLKey),
				Resource:       viper.GetString(remoteWriteResourceKey),
				ForwardTimeout: viper.GetDuration(remoteWriteTimeoutKey),
				Tokens:         tokens,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			listen := viper.GetString(remoteWriteListenKey)
			httpServer := &http.Server{Addr: listen, Handler: handler}
			lifecycleLog.Info("starting remote-write forwarder", "listen", listen)

			ctx := cmd.Context()
			errCh := make(chan error, 1)
			go func() {
				errCh <- httpServer.ListenAndServe()
			}()
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			case err := <-errCh:
				if err == nil || errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	flags := cmd.Flags()
	flags.StringP("listen", "l", remotewrite.DefaultListen, "listen address for the remote-write forwarder")
	flags.String("ingestion-url", "", "Azure Monitor workspace metrics ingestion URL (required)")
	flags.String("token-resource", identity.MonitorResource, "AAD resource tokens are minted for")
	flags.Duration("forward-timeout", remotewrite.DefaultForwardTimeout, "timeout for each upstream ingestion call")

	mustBindRemoteWriteFlag(remoteWriteListenKey, "AMGMCP_REMOTE_WRITE_LISTEN", flags.Lookup("listen"))
	mustBindRemoteWriteFlag(remoteWriteIngestionURLKey, "AMGMCP_INGESTION_URL", flags.Lookup("ingestion-url"))
	mustBindRemoteWriteFlag(remoteWriteResourceKey, "AMGMCP_TOKEN_RESOURCE", flags.Lookup("token-resource"))
	mustBindRemoteWriteFlag(remoteWriteTimeoutKey, "AMGMCP_REMOTE_WRITE_FORWARD_TIMEOUT", flags.Lookup("forward-timeout"))

	return cmd
}

func mustBindRemoteWriteFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if err := viper.BindEnv(key, env); err != nil {
		panic(err)
	}
}

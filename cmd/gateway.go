package cmd

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/canexplorer/driver"
)

var gatewayListen string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run a WebSocket relay for tunnelled CAN frames",
	Long: `Accept WebSocket clients and relay every tunnelled CAN frame to all other
clients. With --username, clients must authenticate with HTTP Basic auth; the
password is read from ISOTP_PASSWORD or prompted.`,
	Example: `  canexplorer gateway --listen :8080
  ISOTP_PASSWORD=secret canexplorer gateway --listen :8080 --username admin`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var password string
		if wsUsername != "" {
			var err error
			if password, err = GetPassword(); err != nil {
				return err
			}
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return driver.NewGateway(wsUsername, password, log.Default()).ListenAndServe(ctx, gatewayListen)
	},
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayListen, "listen", ":8080", "Address to listen on")
	rootCmd.AddCommand(gatewayCmd)
}

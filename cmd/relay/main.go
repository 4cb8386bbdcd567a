// Relay - packet transport and dispatch server.
//
// The relay accepts framed packets from game clients over TCP and UDP,
// prioritises and dispatches them to protocol handlers, fragments oversized
// replies, keeps its master server informed of connected clients, and
// exposes a status API, prometheus metrics and MQTT telemetry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/energizer-project/relay/internal/config"
	"github.com/energizer-project/relay/internal/util"
)

const Banner = `
  ____      _
 |  _ \ ___| | __ _ _   _
 | |_) / _ \ |/ _' | | | |
 |  _ <  __/ | (_| | |_| |
 |_| \_\___|_|\__,_|\__, |
                    |___/  v%s
 Packet transport and dispatch server
`

var (
	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "packet transport and dispatch server",
		Long: fmt.Sprintf(`relay (v%s)

Accepts framed packets over TCP and UDP, dispatches them to protocol
handlers by priority and keeps the master server informed of connected
clients. Every flag can also be set as an environment variable prefixed
with NOX_, e.g. NOX_PORT=23032.`, util.Version),
		SilenceUsage: true,
		RunE:         run,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the relay",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay v%s\n", util.Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(versionCmd)

	flags := rootCmd.Flags()
	flags.String("config-dir", config.DefaultConfigDir, "directory holding config.json")
	flags.Bool("no-cli", false, "disable the interactive console")

	flags.Int(config.KeyPort, config.DefaultPort, "TCP and UDP listen port")
	flags.String(config.KeyUseAddress, "", "address advertised to the master server")
	flags.Int(config.KeyConnectionTimeout, 15, "seconds of silence before a client is dropped")
	flags.Int(config.KeyKeepAlive, 5, "keep-alive interval in seconds sent to clients")
	flags.Int(config.KeyMaxPacketSize, 1024, "largest frame sent unfragmented")
	flags.Int(config.KeyWorkers, 0, "drain loops per queue (0 = one per four CPUs)")
	flags.Bool(config.KeyQueueing, true, "queue frames between the sockets and the handlers")
	flags.String(config.KeyMasterGateway, config.DefaultMasterGateway, "master server URL, empty to run offline")
	flags.String(config.KeyToken, "", "master server token")
	flags.Int(config.KeyMaxInstances, 0, "instances reported to the master server")
	flags.Int(config.KeyAPIPort, config.DefaultAPIPort, "status API port")
	flags.String(config.KeyLogLevel, "info", "log level (trace, debug, info, warn, error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

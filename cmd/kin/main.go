package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "kin",
		Usage: "Kin blockchain client CLI",
		Description: `A command-line tool for querying the Kin network and the kin gateway.

Ledger commands talk to a Horizon node directly. Gateway commands talk to a
running kin gateway server.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			{
				Name:  "account",
				Usage: "Account queries",
				Subcommands: []*cli.Command{
					accountGetCommand(),
					accountBalanceCommand(),
					accountExistsCommand(),
				},
			},
			{
				Name:  "tx",
				Usage: "Transaction queries",
				Subcommands: []*cli.Command{
					txGetCommand(),
					txHistoryCommand(),
				},
			},
			feeCommand(),
			friendbotCommand(),
			listenCommand(),
			{
				Name:  "gateway",
				Usage: "Commands for a running kin gateway",
				Subcommands: []*cli.Command{
					watchCommand(),
					unwatchCommand(),
					watchedCommand(),
					awaitCommand(),
					streamCommand(),
					paymentsCommand(),
				},
			},
			{
				Name:  "nats",
				Usage: "NATS JetStream commands",
				Subcommands: []*cli.Command{
					tailCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "environment",
				Aliases: []string{"e"},
				Usage:   "Kin network: production, testnet or custom",
				EnvVars: []string{"KIN_ENVIRONMENT"},
				Value:   "testnet",
			},
			&cli.StringFlag{
				Name:    "horizon-url",
				Usage:   "Override the Horizon node URL",
				EnvVars: []string{"KIN_HORIZON_URL"},
			},
			&cli.StringFlag{
				Name:    "network-passphrase",
				Usage:   "Override the network passphrase",
				EnvVars: []string{"KIN_NETWORK_PASSPHRASE"},
			},
			&cli.StringFlag{
				Name:    "friendbot-url",
				Usage:   "Override the friendbot URL",
				EnvVars: []string{"KIN_FRIENDBOT_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Gateway server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "Timeout of a single HTTP request",
				Value: 30 * time.Second,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for stderr diagnostics",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "error",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}

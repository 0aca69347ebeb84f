package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/kinclient/client"
	natspkg "github.com/brojonat/kinclient/service/nats"
)

// streamCommand follows the gateway's SSE payment stream.
func streamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream relayed payments via SSE (HTTP)",
		ArgsUsage: "[ADDRESS]",
		Description: `Follow the gateway's payment stream for one watched address, or for every
watched address when none is given.

Example:
  kin gateway stream GABC... --must-jq '.direction == "incoming"'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
		},
		Action: func(c *cli.Context) error {
			address := c.Args().First()
			jsonOutput := c.Bool("json")

			codes, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			logger := newLogger(c)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !jsonOutput {
				if address != "" {
					fmt.Fprintf(os.Stderr, "Streaming payments of %s... (Ctrl+C to stop)\n\n", address)
				} else {
					fmt.Fprintf(os.Stderr, "Streaming payments of all watched addresses... (Ctrl+C to stop)\n\n")
				}
			}

			err = newGateway(c).Stream(ctx, address, func(p *client.PaymentEvent) bool {
				if !matchesFilters(codes, p, logger) {
					return true
				}
				if err := printEvent(c, p, jsonOutput); err != nil {
					logger.Error("failed to print payment", "error", err)
				}
				return true
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("payment stream failed: %w", err)
			}
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nDisconnected\n")
			}
			return nil
		},
	}
}

// paymentsCommand lists the gateway's archive for a watched address.
func paymentsCommand() *cli.Command {
	return &cli.Command{
		Name:      "payments",
		Usage:     "List archived payments of a watched address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Number of payments to show",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of payments to skip",
			},
		},
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}

			payments, err := newGateway(c).Payments(c.Context, address, c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, payments)
			}
			if len(payments) == 0 {
				fmt.Fprintln(c.App.Writer, "No payments found")
				return nil
			}
			for _, p := range payments {
				fmt.Fprintf(c.App.Writer, "%s  %-8s  %s KIN  %s -> %s  tx=%s\n",
					p.Timestamp.Format(time.RFC3339), p.Direction, p.Amount, p.Source, p.Destination, p.TransactionID)
			}
			return nil
		},
	}
}

// tailCommand reads payment events straight off the NATS stream.
func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Follow payment events published to NATS JetStream",
		ArgsUsage: "[ADDRESS]",
		Description: `Subscribe to the payments stream the gateway publishes to. Events are
published to the subject payments.{watched_address}; without an address every
subject is followed.

Example:
  kin nats tail GABC... --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Exit after this many events (0 for no limit)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Exit after this long (0 for no limit)",
			},
		},
		Action: func(c *cli.Context) error {
			address := c.Args().First()
			jsonOutput := c.Bool("json")
			count := c.Int("count")

			subscriber, err := natspkg.NewSubscriber(c.String("nats-url"), newLogger(c))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer subscriber.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			events, err := subscriber.Subscribe(ctx, address)
			if err != nil {
				return fmt.Errorf("failed to subscribe: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Subscribed to %s (Ctrl+C to stop)\n\n", natspkg.Subject(address))
			}

			seen := 0
			for e := range events {
				p := client.PaymentEvent(*e)
				if err := printEvent(c, &p, jsonOutput); err != nil {
					return err
				}
				seen++
				if count > 0 && seen >= count {
					return nil
				}
			}
			return nil
		},
	}
}

func printEvent(c *cli.Context, p *client.PaymentEvent, jsonOutput bool) error {
	if !jsonOutput {
		printPaymentEvent(c, p)
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal payment: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(data))
	return nil
}

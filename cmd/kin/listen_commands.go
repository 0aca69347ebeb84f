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
	"github.com/brojonat/kinclient/service/blockchain"
)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:      "listen",
		Usage:     "Stream payments of one or more accounts",
		ArgsUsage: "ADDRESS [ADDRESS...]",
		Description: `Open a payment stream on the Horizon node and print every payment that
involves one of the given accounts, starting now.

Each --must-jq filter runs on the JSON form of the payment and must yield a
truthy value for the payment to be printed.

Example:
  kin listen GABC... --json --must-jq '.amount | tonumber > 100'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Exit after this many matching payments (0 for no limit)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Exit after this long (0 for no limit)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("at least one address is required")
			}
			addresses := c.Args().Slice()
			jsonOutput := c.Bool("json")
			count := c.Int("count")

			codes, err := compileFilters(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}

			kin, err := newKinClient(c)
			if err != nil {
				return err
			}
			logger := newLogger(c)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			// The callback runs on the listener goroutine; printing happens here.
			payments := make(chan blockchain.Payment, 64)
			listener, err := kin.CreatePaymentListener(ctx, client.PaymentListenerParams{
				Addresses: addresses,
				OnPayment: func(p blockchain.Payment) {
					if !matchesFilters(codes, p, logger) {
						return
					}
					select {
					case payments <- p:
					default:
						logger.Warn("output is falling behind, dropping payment", "operation", p.OperationID)
					}
				},
			})
			if err != nil {
				return fmt.Errorf("failed to start listener: %w", err)
			}
			defer listener.Close()

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Listening for payments of %d account(s)... (Ctrl+C to stop)\n\n", len(addresses))
			}

			seen := 0
			for {
				select {
				case p := <-payments:
					if jsonOutput {
						data, err := json.Marshal(p)
						if err != nil {
							return fmt.Errorf("failed to marshal payment: %w", err)
						}
						fmt.Fprintln(c.App.Writer, string(data))
					} else {
						printPayment(c, p)
					}
					seen++
					if count > 0 && seen >= count {
						return nil
					}

				case <-listener.Done():
					if err := listener.Err(); err != nil {
						return fmt.Errorf("payment stream failed: %w", err)
					}
					return nil

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(os.Stderr, "\nStopped after %d payment(s)\n", seen)
					}
					return nil
				}
			}
		},
	}
}

func printPayment(c *cli.Context, p blockchain.Payment) {
	asset := "KIN"
	if !p.Asset.IsNative() {
		asset = p.Asset.Code
	}
	fmt.Fprintf(c.App.Writer, "%s  %s -> %s  %s %s",
		p.Timestamp.Format(time.RFC3339), p.Source, p.Destination, p.Amount, asset)
	if p.Memo.Value != "" {
		fmt.Fprintf(c.App.Writer, "  memo=%q", p.Memo.Value)
	}
	fmt.Fprintf(c.App.Writer, "  tx=%s\n", p.TransactionID)
}

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/blockchain"
)

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Start relaying payments of an account",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			if err := newGateway(c).Watch(c.Context, address); err != nil {
				return fmt.Errorf("failed to watch address: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Watching %s\n", address)
			return nil
		},
	}
}

func unwatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "unwatch",
		Usage:     "Stop relaying payments of an account",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			if err := newGateway(c).Unwatch(c.Context, address); err != nil {
				return fmt.Errorf("failed to unwatch address: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Stopped watching %s\n", address)
			return nil
		},
	}
}

func watchedCommand() *cli.Command {
	return &cli.Command{
		Name:      "watched",
		Usage:     "List watched accounts, or show one",
		ArgsUsage: "[ADDRESS]",
		Action: func(c *cli.Context) error {
			gw := newGateway(c)

			var rows []client.WatchedAddress
			if address := c.Args().Get(0); address != "" {
				wa, err := gw.Watched(c.Context, address)
				if err != nil {
					return fmt.Errorf("failed to get watched address: %w", err)
				}
				rows = []client.WatchedAddress{*wa}
			} else {
				var err error
				rows, err = gw.ListWatched(c.Context)
				if err != nil {
					return fmt.Errorf("failed to list watched addresses: %w", err)
				}
			}

			if c.Bool("json") {
				return printJSON(c, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(c.App.Writer, "No watched addresses")
				return nil
			}
			for _, wa := range rows {
				last := "never"
				if wa.LastPaymentAt != nil {
					last = wa.LastPaymentAt.Format(time.RFC3339)
				}
				fmt.Fprintf(c.App.Writer, "%s  since %s  last payment %s\n",
					wa.Address, wa.CreatedAt.Format(time.RFC3339), last)
			}
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a payment matching criteria is relayed",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "memo",
				Usage: "Filter by exact memo",
			},
			&cli.StringFlag{
				Name:  "amount",
				Usage: "Filter by exact KIN amount (e.g. 12.5)",
			},
			&cli.StringFlag{
				Name:  "transaction",
				Usage: "Filter by transaction id",
			},
			&cli.StringSliceFlag{
				Name:    "must-jq",
				Usage:   "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
				Aliases: []string{"jq"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the payment",
			},
		},
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}

			memo := c.String("memo")
			transaction := c.String("transaction")
			jqFilters := c.StringSlice("must-jq")
			var amount *blockchain.Amount
			if raw := c.String("amount"); raw != "" {
				a, err := blockchain.ParseAmount(raw)
				if err != nil {
					return err
				}
				amount = &a
			}

			if memo == "" && transaction == "" && amount == nil && len(jqFilters) == 0 {
				return fmt.Errorf("must specify at least one filter: --memo, --amount, --transaction, or --must-jq")
			}

			codes, err := compileFilters(jqFilters)
			if err != nil {
				return err
			}
			logger := newLogger(c)

			matcher := func(p *client.PaymentEvent) bool {
				if memo != "" && p.Memo.Value != memo {
					return false
				}
				if transaction != "" && p.TransactionID != transaction {
					return false
				}
				if amount != nil && p.Amount != *amount {
					return false
				}
				return matchesFilters(codes, p, logger)
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for payment on %s...\n", address)
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", c.Duration("timeout"))
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			p, err := newGateway(c).Await(ctx, address, matcher)
			if err != nil {
				return fmt.Errorf("failed to await payment: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, p)
			}
			printPaymentEvent(c, p)
			return nil
		},
	}
}

func printPaymentEvent(c *cli.Context, p *client.PaymentEvent) {
	w := c.App.Writer
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, "✓ Payment Received")
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Transaction: %s\n", p.TransactionID)
	fmt.Fprintf(w, "Account:     %s (%s)\n", p.WatchedAddress, p.Direction)
	fmt.Fprintf(w, "From:        %s\n", p.Source)
	fmt.Fprintf(w, "To:          %s\n", p.Destination)
	fmt.Fprintf(w, "Amount:      %s KIN\n", p.Amount)
	fmt.Fprintf(w, "Ledger:      %d\n", p.Ledger)
	if !p.Timestamp.IsZero() {
		fmt.Fprintf(w, "Time:        %s\n", p.Timestamp.Format(time.RFC3339))
	}
	if p.Memo.Value != "" {
		fmt.Fprintf(w, "Memo:        %s\n", p.Memo.Value)
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

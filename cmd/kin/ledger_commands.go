package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/kinclient/client"
	"github.com/brojonat/kinclient/service/blockchain"
)

func requireArg(c *cli.Context, what string) (string, error) {
	if c.NArg() < 1 || c.Args().Get(0) == "" {
		return "", fmt.Errorf("%s is required", what)
	}
	return c.Args().Get(0), nil
}

func accountGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show an account's balances, signers and sequence",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			data, err := kin.GetAccountData(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}
			if data == nil {
				return fmt.Errorf("account %s does not exist", address)
			}

			if c.Bool("json") {
				return printJSON(c, data)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Address:   %s\n", data.Address)
			fmt.Fprintf(w, "Sequence:  %d\n", data.Sequence)
			fmt.Fprintf(w, "Balances:\n")
			for _, b := range data.Balances {
				asset := "KIN"
				if !b.Asset.IsNative() {
					asset = b.Asset.Code + ":" + b.Asset.Issuer
				}
				fmt.Fprintf(w, "  %-20s %s\n", b.Amount, asset)
			}
			if len(data.Signers) > 0 {
				fmt.Fprintf(w, "Signers:\n")
				for _, s := range data.Signers {
					fmt.Fprintf(w, "  %s (weight %d)\n", s.Key, s.Weight)
				}
			}
			return nil
		},
	}
}

func accountBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Usage:     "Show an account's KIN balance",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			balance, err := kin.GetAccountBalance(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, map[string]any{"address": address, "balance": balance})
			}
			fmt.Fprintf(c.App.Writer, "%s KIN\n", balance)
			return nil
		},
	}
}

func accountExistsCommand() *cli.Command {
	return &cli.Command{
		Name:      "exists",
		Usage:     "Check whether an account exists",
		ArgsUsage: "ADDRESS",
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			exists, err := kin.IsAccountExisting(c.Context, address)
			if err != nil {
				return fmt.Errorf("failed to check account: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, map[string]any{"address": address, "exists": exists})
			}
			fmt.Fprintln(c.App.Writer, exists)
			return nil
		},
	}
}

func txGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a transaction and its operations",
		ArgsUsage: "TRANSACTION_ID",
		Action: func(c *cli.Context) error {
			id, err := requireArg(c, "transaction id")
			if err != nil {
				return err
			}
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			tx, err := kin.GetTransactionData(c.Context, id)
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, tx)
			}
			printTransaction(c, tx)
			return nil
		},
	}
}

func txHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List an account's transactions",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Number of transactions to show (1-200)",
				Value:   blockchain.DefaultHistoryLimit,
			},
			&cli.StringFlag{
				Name:  "order",
				Usage: "asc or desc",
				Value: string(blockchain.OrderDesc),
			},
			&cli.StringFlag{
				Name:  "cursor",
				Usage: "Paging token of the last transaction of the previous page",
			},
		},
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			txs, err := kin.GetTransactionHistory(c.Context, client.TransactionHistoryParams{
				Address: address,
				Limit:   c.Int("limit"),
				Order:   blockchain.Order(c.String("order")),
				Cursor:  c.String("cursor"),
			})
			if err != nil {
				return fmt.Errorf("failed to get transaction history: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, txs)
			}
			if len(txs) == 0 {
				fmt.Fprintln(c.App.Writer, "No transactions found")
				return nil
			}
			for i := range txs {
				printTransaction(c, &txs[i])
			}
			fmt.Fprintf(c.App.Writer, "Next cursor: %s\n", txs[len(txs)-1].PagingToken)
			return nil
		},
	}
}

func feeCommand() *cli.Command {
	return &cli.Command{
		Name:  "fee",
		Usage: "Show the minimum fee per operation",
		Action: func(c *cli.Context) error {
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			fee, err := kin.GetMinimumFee(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get minimum fee: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, map[string]int64{"minimum_fee": fee})
			}
			fmt.Fprintf(c.App.Writer, "%d stroops\n", fee)
			return nil
		},
	}
}

func friendbotCommand() *cli.Command {
	return &cli.Command{
		Name:      "friendbot",
		Usage:     "Create or fund an account on a test network",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "amount",
				Aliases: []string{"a"},
				Usage:   "Amount of KIN",
				Value:   "10000",
			},
		},
		Action: func(c *cli.Context) error {
			address, err := requireArg(c, "address")
			if err != nil {
				return err
			}
			amount, err := blockchain.ParseAmount(c.String("amount"))
			if err != nil {
				return err
			}
			kin, err := newKinClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, 2*time.Minute)
			defer cancel()

			hash, err := kin.Friendbot(ctx, client.FriendbotParams{Address: address, Amount: amount})
			if err != nil {
				return fmt.Errorf("friendbot failed: %w", err)
			}

			if c.Bool("json") {
				return printJSON(c, map[string]string{"transaction_id": hash})
			}
			fmt.Fprintf(c.App.Writer, "✓ Funded %s with %s KIN\n", address, amount)
			fmt.Fprintf(c.App.Writer, "  Transaction: %s\n", hash)
			return nil
		},
	}
}

func printTransaction(c *cli.Context, tx *blockchain.Transaction) {
	w := c.App.Writer
	status := "✓"
	if !tx.Successful {
		status = "✗"
	}
	fmt.Fprintf(w, "%s %s  ledger %d  %s\n", status, tx.ID, tx.Ledger, tx.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "  Source: %s  Fee: %d stroops\n", tx.Source, int64(tx.FeeCharged))
	if tx.Memo.Value != "" {
		fmt.Fprintf(w, "  Memo:   %s\n", tx.Memo.Value)
	}
	for _, op := range tx.Operations {
		switch o := op.(type) {
		case blockchain.PaymentOperation:
			fmt.Fprintf(w, "  payment        %s -> %s  %s\n", o.Source, o.Destination, o.Amount)
		case blockchain.CreateAccountOperation:
			fmt.Fprintf(w, "  create_account %s -> %s  %s\n", o.Source, o.Destination, o.StartingBalance)
		case blockchain.PathPaymentOperation:
			fmt.Fprintf(w, "  %s %s -> %s  %s\n", o.Type, o.Source, o.Destination, o.Amount)
		default:
			fmt.Fprintf(w, "  %s\n", op.OperationType())
		}
	}
}

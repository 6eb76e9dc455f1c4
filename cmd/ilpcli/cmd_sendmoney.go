package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli"

	"github.com/brock-ff/interledger-go/plugin"
	"github.com/brock-ff/interledger-go/stream"
)

var sendMoneyCommand = cli.Command{
	Name:     "sendmoney",
	Category: "Payments",
	Usage:    "Send a payment over Interledger using STREAM.",
	Description: `
	Send value to a destination account over a BTP connection. The
	destination account and shared secret are the ones handed out by
	the receiver, e.g. via an SPSP query.

	The amount is denominated in the minor units of the asset on the
	BTP link. The command prints the amount delivered to the receiver,
	denominated in the receiver's units.
	`,
	ArgsUsage: "dest_account amt",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name: "dest_account, d",
			Usage: "the ILP address of the destination account to " +
				"pay into",
		},
		cli.Uint64Flag{
			Name:  "amt, a",
			Usage: "amount of source units to send",
		},
		cli.StringFlag{
			Name: "shared_secret, s",
			Usage: "the hex encoded shared secret for the STREAM " +
				"connection",
		},
	},
	Action: sendMoney,
}

func sendMoney(ctx *cli.Context) error {
	var (
		destAccount string
		amt         uint64
		args        = ctx.Args()
	)

	switch {
	case ctx.IsSet("dest_account"):
		destAccount = ctx.String("dest_account")
	case args.Present():
		destAccount = args.First()
		args = args.Tail()
	default:
		return fmt.Errorf("dest_account argument missing")
	}

	switch {
	case ctx.IsSet("amt"):
		amt = ctx.Uint64("amt")
	case args.Present():
		if _, err := fmt.Sscan(args.First(), &amt); err != nil {
			return fmt.Errorf("unable to decode amt: %v", err)
		}
	default:
		return fmt.Errorf("amt argument missing")
	}

	if !ctx.IsSet("shared_secret") {
		return fmt.Errorf("shared_secret flag missing")
	}
	sharedSecret, err := hex.DecodeString(ctx.String("shared_secret"))
	if err != nil {
		return fmt.Errorf("unable to decode shared_secret: %v", err)
	}

	pl, err := plugin.Dial(ctx.GlobalString("btp_url"))
	if err != nil {
		return err
	}

	delivered, err := stream.SendMoney(context.Background(), pl,
		destAccount, sharedSecret, amt)
	if err != nil {
		return err
	}
	defer pl.Close()

	fmt.Printf("delivered %d to %s\n", delivered, destAccount)
	return nil
}

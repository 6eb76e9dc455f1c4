package main

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/urfave/cli"

	"github.com/brock-ff/interledger-go/plugin"
	"github.com/brock-ff/interledger-go/stream"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[ilpcli] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "ilpcli"
	app.Version = "0.1.0"
	app.Usage = "control plane utility for sending value over Interledger"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name: "btp_url",
			Usage: "the websocket url of the BTP server to connect " +
				"through",
			Value: "ws://localhost:7768",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging to stderr",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		if !ctx.GlobalBool("debug") {
			return nil
		}
		backend := btclog.NewBackend(os.Stderr)
		logger := backend.Logger("ILP")
		logger.SetLevel(btclog.LevelDebug)
		stream.UseLogger(logger)
		plugin.UseLogger(logger)
		return nil
	}
	app.Commands = []cli.Command{
		sendMoneyCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

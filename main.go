package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	logger "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"tradeengine/cmd/keys"
	"tradeengine/src/database"
	"tradeengine/src/engine"
	"tradeengine/src/repository"
	"tradeengine/src/server"
)

var Version string

func SetupLogger() {
	levelStr := strings.ToLower(os.Getenv("LOG_LEVEL"))

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		level = logger.InfoLevel
	}

	logger.SetLevel(level)
	logger.SetFormatter(&logger.TextFormatter{
		FullTimestamp: true,
	})
}

func main() {
	SetupLogger()

	app := cli.NewApp()
	app.Name = "tradeengine"
	app.Usage = "The tradeengine command line interface"
	app.Version = Version

	app.Commands = []cli.Command{
		engineCMD,
		keysCMD,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	engineCMD = cli.Command{
		Name:        "engine",
		Usage:       "run the execution engine and its HTTP API",
		Action:      engineAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the execution engine CMD`,
	}
	keysCMD = cli.Command{
		Name:        "keys",
		Usage:       "encrypt venue API credentials",
		Action:      keysAction,
		ArgsUsage:   "",
		Flags:       []cli.Flag{},
		Description: `Run the credentials CLI CMD`,
	}
)

func engineAction(_ *cli.Context) error {
	logger.Info("Starting execution engine CMD")

	if err := database.InitMainDB(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}

	eng, err := engine.New(engine.GetConfig(), repository.NewStore())
	if err != nil {
		logger.WithError(err).Error("Building engine")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Error("Starting engine")
		return err
	}

	server.StartServer(eng, server.GetConfig().Port)
	return nil
}

func keysAction(_ *cli.Context) error {
	logger.Info("Starting credentials CLI CMD")

	k := &keys.CLI{}
	if err := k.Start(); err != nil {
		logger.WithError(err).Error("Starting cmd")
		return err
	}

	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/clinicchat/pkg/connector"
)

const (
	envAPIURL = "CLINICCHAT_API_URL"
	envToken  = "CLINICCHAT_TOKEN"
)

type contextKey int

const (
	contextKeyCredentials contextKey = iota
	contextKeyChatConfig
)

func getCredentials(ctx *cli.Context) *Credentials {
	return ctx.Context.Value(contextKeyCredentials).(*Credentials)
}

func getChatConfig(ctx *cli.Context) *connector.ChatConfig {
	return ctx.Context.Value(contextKeyChatConfig).(*connector.ChatConfig)
}

func getConfigDir() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "clinicchat")
}

func prepareApp(ctx *cli.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	creds, err := loadCredentials(ctx.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	chatCfg, err := connector.LoadConfig(ctx.String("chat-config"))
	if err != nil {
		return fmt.Errorf("failed to load chat config: %w", err)
	}
	if url := os.Getenv(envAPIURL); url != "" {
		creds.APIURL = url
	} else if creds.APIURL == "" {
		creds.APIURL = chatCfg.API.BaseURL
	}
	if token := os.Getenv(envToken); token != "" {
		creds.AccessToken = token
		creds.tokenFromEnv = true
	}
	newCtx := context.WithValue(ctx.Context, contextKeyCredentials, creds)
	newCtx = context.WithValue(newCtx, contextKeyChatConfig, chatCfg)
	ctx.Context = newCtx
	return nil
}

func requiresAuth(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	if !getCredentials(ctx).HasCredentials() {
		return fmt.Errorf("you are not logged in, run 'clinicchat login' first")
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "clinicchat",
		Usage:   "Chat with your clinic from the terminal",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to credentials file",
				Value: filepath.Join(getConfigDir(), "credentials.json"),
			},
			&cli.StringFlag{
				Name:    "chat-config",
				Aliases: []string{"c"},
				Usage:   "Path to chat config file",
				Value:   filepath.Join(getConfigDir(), "config.yaml"),
			},
		},
		Commands: []*cli.Command{
			loginCommand,
			logoutCommand,
			whoamiCommand,
			chatCommand,
			historyCommand,
			configCommand,
			forgetCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

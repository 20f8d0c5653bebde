package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// Credentials is the login state saved between runs. The chat session
// re-reads access_token from this file when it changes, so logging in from
// another terminal revives an expired session.
type Credentials struct {
	APIURL      string `json:"api_url"`
	AccessToken string `json:"access_token"`
	UserID      int64  `json:"user_id"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`

	Path         string `json:"-"`
	tokenFromEnv bool
}

func (c *Credentials) HasCredentials() bool {
	return c.AccessToken != "" && c.UserID != 0
}

func loadCredentials(path string) (*Credentials, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Credentials{Path: path}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to open credentials at %s: %w", path, err)
	}
	defer file.Close()

	var creds Credentials
	if err = json.NewDecoder(file).Decode(&creds); err != nil {
		return nil, fmt.Errorf("failed to parse credentials at %s: %w", path, err)
	}
	creds.Path = path
	return &creds, nil
}

func (c *Credentials) Save() error {
	if err := os.MkdirAll(filepath.Dir(c.Path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	file, err := os.OpenFile(c.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to open credentials for writing: %w", err)
	}
	defer file.Close()
	if err = json.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

var loginCommand = &cli.Command{
	Name:   "login",
	Usage:  "Log into the clinic",
	Before: prepareApp,
	Action: cmdLogin,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "email",
			Aliases: []string{"e"},
			Usage:   "Account email (prompted if omitted)",
		},
		&cli.StringFlag{
			Name:    "password",
			Usage:   "Account password (prompted if omitted)",
			EnvVars: []string{"CLINICCHAT_PASSWORD"},
		},
	},
}

var logoutCommand = &cli.Command{
	Name:   "logout",
	Usage:  "Forget the saved access token",
	Before: prepareApp,
	Action: cmdLogout,
}

var whoamiCommand = &cli.Command{
	Name:    "whoami",
	Aliases: []string{"w"},
	Usage:   "Show the logged-in user",
	Before:  requiresAuth,
	Action:  cmdWhoami,
}

func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	return strings.TrimSpace(line), err
}

func cmdLogin(ctx *cli.Context) error {
	creds := getCredentials(ctx)
	api, err := clinicapi.NewClient(creds.APIURL, nil, getChatConfig(ctx).API.Timeout(), zerolog.Nop())
	if err != nil {
		return err
	}

	email := ctx.String("email")
	if email == "" {
		if email, err = readLine("Email: "); err != nil {
			return err
		}
	}
	password := ctx.String("password")
	if password == "" {
		if password, err = readLine("Password: "); err != nil {
			return err
		}
	}

	resp, err := api.Login(ctx.Context, email, password)
	if errors.Is(err, clinicapi.ErrUnauthorized) {
		return fmt.Errorf("wrong email or password")
	} else if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}

	creds.AccessToken = resp.Token
	creds.UserID = resp.User.ID
	creds.Name = resp.User.Name
	creds.Email = resp.User.Email
	if creds.Email == "" {
		creds.Email = email
	}
	if creds.UserID == 0 {
		// Some deployments only return the token, so ask who it belongs to.
		api, err = clinicapi.NewClient(creds.APIURL, clinicapi.StaticToken(resp.Token), getChatConfig(ctx).API.Timeout(), zerolog.Nop())
		if err != nil {
			return err
		}
		user, err := api.Me(ctx.Context)
		if err != nil {
			return fmt.Errorf("failed to fetch user info: %w", err)
		}
		creds.UserID = user.ID
		creds.Name = user.Name
	}
	if err = creds.Save(); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	fmt.Printf("Logged in as %s\n", displayName(creds))
	return nil
}

func cmdLogout(ctx *cli.Context) error {
	creds := getCredentials(ctx)
	if creds.AccessToken == "" {
		fmt.Println("Not logged in")
		return nil
	}
	creds.AccessToken = ""
	if err := creds.Save(); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	fmt.Println("Logged out")
	return nil
}

func cmdWhoami(ctx *cli.Context) error {
	creds := getCredentials(ctx)
	api, err := clinicapi.NewClient(creds.APIURL, clinicapi.StaticToken(creds.AccessToken), getChatConfig(ctx).API.Timeout(), zerolog.Nop())
	if err != nil {
		return err
	}
	user, err := api.Me(ctx.Context)
	if errors.Is(err, clinicapi.ErrUnauthorized) {
		return fmt.Errorf("your session has expired, run 'clinicchat login' again")
	} else if err != nil {
		return fmt.Errorf("failed to fetch user info: %w", err)
	}
	fmt.Printf("User ID: %d\n", user.ID)
	fmt.Printf("Name:    %s\n", user.Name)
	if user.Email != "" {
		fmt.Printf("Email:   %s\n", user.Email)
	}
	fmt.Printf("API:     %s\n", api.BaseURL())
	return nil
}

func displayName(creds *Credentials) string {
	switch {
	case creds.Name != "" && creds.Email != "":
		return fmt.Sprintf("%s <%s>", creds.Name, creds.Email)
	case creds.Name != "":
		return creds.Name
	default:
		return creds.Email
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	chat "github.com/mahaj/workspace-chat/pkg/client"
	"github.com/mahaj/workspace-chat/pkg/config"
	"github.com/mahaj/workspace-chat/pkg/logging"
	"github.com/mahaj/workspace-chat/pkg/model"
)

var stdin = bufio.NewReader(os.Stdin)

type app struct {
	cfg *config.Client
	log zerolog.Logger
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "chat",
		Short:         "Terminal client for the workspace chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Config, "client")
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, log
			return nil
		},
	}
	root.AddCommand(a.loginCmd(), a.registerCmd(), a.logoutCmd(), a.whoamiCmd(), a.chatCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// open builds the client core and resumes any stored session.
func (a *app) open(ctx context.Context) (*chat.Client, error) {
	c, err := chat.Open(*a.cfg, a.log)
	if err != nil {
		return nil, err
	}
	if _, err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (a *app) loginCmd() *cobra.Command {
	var email string
	var remember bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if email == "" {
				email, _ = c.RememberedEmail(cmd.Context())
			}
			if email == "" {
				if email, err = prompt("Email: "); err != nil {
					return err
				}
			}
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}

			snap, err := c.Login(cmd.Context(), model.Credentials{Email: email, Password: password, Remember: remember})
			if err != nil {
				return err
			}
			fmt.Printf("Logged in as %s. Session expires %s.\n", snap.Profile.Username, snap.ExpiresAt.Local().Format("Jan 2 15:04"))
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email (defaults to the remembered one)")
	cmd.Flags().BoolVar(&remember, "remember", false, "remember the email for the next login")
	return cmd
}

func (a *app) registerCmd() *cobra.Command {
	var reg model.Registration
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reg.Username == "" || reg.Email == "" {
				return errors.New("--username and --email are required")
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			if reg.Password, err = readPassword("Password: "); err != nil {
				return err
			}
			profile, err := c.Register(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Printf("Registered %s. Log in with: chat login -e %s\n", profile.Username, profile.Email)
			return nil
		},
	}
	cmd.Flags().StringVar(&reg.Username, "username", "", "username")
	cmd.Flags().StringVar(&reg.Email, "email", "", "email")
	cmd.Flags().StringVar(&reg.DisplayName, "display-name", "", "display name")
	return cmd
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session and forget the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			if !c.Session().Authenticated {
				fmt.Println("Not logged in.")
				return nil
			}
			if !c.Logout(cmd.Context()) {
				return errors.New("logged out locally, but cleanup was incomplete")
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func (a *app) whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()
			snap := c.Session()
			if !snap.Authenticated {
				fmt.Println("Not logged in.")
				return nil
			}
			p := snap.Profile
			fmt.Printf("%s <%s> id=%s\nSession expires %s\n", p.Username, p.Email, p.ID, snap.ExpiresAt.Local().Format("Jan 2 15:04"))
			return nil
		},
	}
}

func prompt(label string) (string, error) {
	fmt.Print(label)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", errors.Wrap(err, "read input")
	}
	return strings.TrimSpace(line), nil
}

func readPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(label)
	}
	fmt.Print(label)
	raw, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(raw), nil
}

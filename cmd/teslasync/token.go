package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/homefleet/teslasync/pkg/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage stored OAuth credentials",
}

var tokenSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a refresh token in the system keyring",
	Long: `Prompt for a refresh token and store it in the configured credential
location. The token is read without echo when stdin is a terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := readToken()
		if err != nil {
			return err
		}
		if token == "" {
			return fmt.Errorf("no token provided")
		}
		if err := config.SaveCredentials(auth.Credentials{RefreshToken: token}); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		fmt.Println("Token stored.")
		return nil
	},
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored refresh token",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := config.Credentials()
		if err != nil {
			return err
		}
		fmt.Println(creds.RefreshToken)
		return nil
	},
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the stored credentials from the system keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.DeleteCredentials()
	},
}

func init() {
	tokenCmd.AddCommand(tokenSetCmd, tokenShowCmd, tokenDeleteCmd)
	rootCmd.AddCommand(tokenCmd)
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Printf("Refresh token: ")
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	var token string
	if _, err := fmt.Fscanln(os.Stdin, &token); err != nil {
		return "", err
	}
	return strings.TrimSpace(token), nil
}

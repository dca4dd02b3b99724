package auth

import (
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"aifusion/internal/database"
)

// CLIConfig holds configuration for CLI commands. DatabasePath is resolved
// lazily so the root command's --config flag is parsed first.
type CLIConfig struct {
	DatabasePath func() (string, error)
}

// TokenRootCmd creates the root token command with subcommands
func TokenRootCmd(config *CLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage user access tokens",
		Long:  `Create, list and revoke the bearer tokens browsers use to identify a user to the gateway.`,
	}
	cmd.AddCommand(createTokenCmd(config), listTokensCmd(config), revokeTokenCmd(config))
	return cmd
}

func createTokenCmd(config *CLIConfig) *cobra.Command {
	var (
		email     string
		name      string
		expiresIn string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new access token for a user",
		Example: `  fusion token create --email ada@example.com --name "Ada" --expires-in 30d
  fusion token create --email bob@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var expiresAt *time.Time
			if expiresIn != "" {
				d, err := parseDuration(expiresIn)
				if err != nil {
					return fmt.Errorf("invalid expires-in format: %w", err)
				}
				expiry := time.Now().Add(d)
				expiresAt = &expiry
			}

			return withStorage(config, func(storage *TokenStorage) error {
				resp, err := storage.CreateToken(CreateTokenRequest{
					Email:       email,
					DisplayName: name,
					ExpiresAt:   expiresAt,
				})
				if err != nil {
					return fmt.Errorf("failed to create token: %w", err)
				}
				printCreated(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email of the user the token identifies (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name of the user")
	cmd.Flags().StringVar(&expiresIn, "expires-in", "", "Expiration duration (e.g., '1y', '30d', '24h')")
	cmd.MarkFlagRequired("email")
	return cmd
}

func printCreated(w io.Writer, resp *CreateTokenResponse) {
	fmt.Fprintf(w, "Token created.\n\n")
	fmt.Fprintf(w, "Token:    %s\n", resp.Token)
	fmt.Fprintf(w, "Token ID: %s\n", resp.TokenInfo.TokenID)
	fmt.Fprintf(w, "Email:    %s\n", resp.TokenInfo.Email)
	if resp.TokenInfo.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:  %s\n", resp.TokenInfo.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(w, "Expires:  Never\n")
	}
	fmt.Fprintf(w, "\nSave this token now. It cannot be retrieved again.\n")
}

func listTokensCmd(config *CLIConfig) *cobra.Command {
	var (
		email          string
		includeRevoked bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(config, func(storage *TokenStorage) error {
				tokens, err := storage.ListTokens(email, includeRevoked)
				if err != nil {
					return err
				}
				printTokens(cmd.OutOrStdout(), tokens, time.Now())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Only list tokens for this email")
	cmd.Flags().BoolVar(&includeRevoked, "include-revoked", false, "Include revoked tokens in the list")
	return cmd
}

func printTokens(out io.Writer, tokens []TokenInfo, now time.Time) {
	if len(tokens) == 0 {
		fmt.Fprintln(out, "No tokens found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tCREATED\tEXPIRES\tLAST USED\tSTATUS")
	for _, token := range tokens {
		status := "active"
		if !token.IsActive {
			status = "revoked"
		}
		expires := "never"
		if token.ExpiresAt != nil {
			expires = token.ExpiresAt.Format("2006-01-02")
			if token.Expired(now) {
				status = "expired"
			}
		}
		lastUsed := "never"
		if token.LastUsedAt != nil {
			lastUsed = token.LastUsedAt.Format("2006-01-02")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			token.TokenID[:8], token.Email, token.CreatedAt.Format("2006-01-02"), expires, lastUsed, status)
	}
	w.Flush()
}

func revokeTokenCmd(config *CLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <token-id-prefix>",
		Short:   "Revoke an access token",
		Example: `  fusion token revoke 3f2a9c1b`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(config, func(storage *TokenStorage) error {
				tokenID, err := findTokenByPrefix(storage, args[0])
				if err != nil {
					return err
				}
				if err := storage.RevokeToken(tokenID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked.\n", tokenID)
				return nil
			})
		},
	}
}

func withStorage(config *CLIConfig, fn func(*TokenStorage) error) error {
	path, err := config.DatabasePath()
	if err != nil {
		return err
	}
	db, err := openDatabase(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return fn(NewTokenStorage(db))
}

func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if err := database.ConfigureDatabase(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	return db, nil
}

// parseDuration parses duration strings like "1y", "30d", "24h"
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	unit := map[byte]time.Duration{'y': 365 * 24 * time.Hour, 'd': 24 * time.Hour}
	if mult, ok := unit[s[len(s)-1]]; ok {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		return time.Duration(n) * mult, nil
	}
	return time.ParseDuration(s)
}

func findTokenByPrefix(storage *TokenStorage, prefix string) (string, error) {
	tokens, err := storage.ListTokens("", true)
	if err != nil {
		return "", fmt.Errorf("failed to list tokens: %w", err)
	}

	var matches []string
	for _, token := range tokens {
		if strings.HasPrefix(token.TokenID, prefix) {
			matches = append(matches, token.TokenID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no token found matching prefix: %s", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous prefix %q matches %d tokens", prefix, len(matches))
	}
}

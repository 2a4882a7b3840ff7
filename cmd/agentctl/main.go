// Command agentctl is the operator and agent-side companion to the gateway:
// it generates keys, signs challenges and prepares admin configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentgate/agentgate/internal/config"
	"github.com/agentgate/agentgate/internal/secrets"
	"github.com/agentgate/agentgate/pkg/auth"
)

var rootCmd = &cobra.Command{
	Use:          "agentctl",
	Short:        "agentgate key and credential tooling",
	SilenceUsage: true,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 agent key pair",
	RunE:  runKeygen,
}

var signCmd = &cobra.Command{
	Use:   "sign <message>",
	Short: "Sign a registration challenge message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSign,
}

var authCmd = &cobra.Command{
	Use:   "auth-message <agent-id>",
	Short: "Sign an auth message and print the /agent/auth request body",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthMessage,
}

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Hash an admin API key read from stdin for ADMIN_API_KEY_HASH",
	RunE:  runHashKey,
}

var sealCmd = &cobra.Command{
	Use:   "seal-secret",
	Short: "Seal a token secret read from stdin for TOKEN_SECRET_CIPHERTEXT",
	Long: `Seal a token secret with the provider selected by SECRET_PROVIDER and its
settings (SECRET_LOCAL_MASTER_KEY, AWS_KMS_KEY_ID, VAULT_ADDR, ...).`,
	RunE: runSeal,
}

var (
	secretKey string
	namespace string
)

func init() {
	signCmd.Flags().StringVar(&secretKey, "secret-key", os.Getenv("AGENT_SECRET_KEY"), "base64 Ed25519 secret key")
	authCmd.Flags().StringVar(&secretKey, "secret-key", os.Getenv("AGENT_SECRET_KEY"), "base64 Ed25519 secret key")
	authCmd.Flags().StringVar(&namespace, "namespace", config.DefaultNamespace, "gateway message namespace")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(hashKeyCmd)
	rootCmd.AddCommand(sealCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := auth.GenerateKeyPair()
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]string{
		"publicKey": pub,
		"secretKey": priv,
	})
}

func runSign(cmd *cobra.Command, args []string) error {
	if secretKey == "" {
		return fmt.Errorf("--secret-key or AGENT_SECRET_KEY is required")
	}
	if auth.ParseChallengeMessage(args[0]) == nil {
		return fmt.Errorf("not a gateway challenge message: %q", args[0])
	}
	sig, err := auth.Sign([]byte(args[0]), secretKey)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sig)
	return nil
}

func runAuthMessage(cmd *cobra.Command, args []string) error {
	if secretKey == "" {
		return fmt.Errorf("--secret-key or AGENT_SECRET_KEY is required")
	}
	agentID := args[0]
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	message := auth.NewProtocol(namespace, nil).AuthMessage(agentID, timestamp)

	sig, err := auth.Sign([]byte(message), secretKey)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]string{
		"agentId":   agentID,
		"timestamp": timestamp,
		"signature": sig,
	})
}

func runHashKey(cmd *cobra.Command, args []string) error {
	key, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword(key, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash key: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(hash))
	return nil
}

func runSeal(cmd *cobra.Command, args []string) error {
	plaintext, err := readSecret(cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg := secrets.Config{
		Provider:        os.Getenv("SECRET_PROVIDER"),
		LocalMasterKey:  os.Getenv("SECRET_LOCAL_MASTER_KEY"),
		AWSKMSKeyID:     os.Getenv("AWS_KMS_KEY_ID"),
		AWSKMSRegion:    os.Getenv("AWS_REGION"),
		VaultAddress:    os.Getenv("VAULT_ADDR"),
		VaultToken:      os.Getenv("VAULT_TOKEN"),
		VaultTransitKey: os.Getenv("VAULT_TRANSIT_KEY"),
	}
	provider, err := secrets.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	sealed, err := secrets.Seal(cmd.Context(), provider, plaintext)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), sealed)
	return nil
}

func readSecret(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	secret := strings.TrimSpace(string(raw))
	if secret == "" {
		return nil, fmt.Errorf("no input on stdin")
	}
	return []byte(secret), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentgate/agentgate/pkg/auth"
)

// Limits applied to registration payloads.
const (
	MaxScopesRequested = 64
	MaxMetadataKeys    = 32
	MaxMetadataKeyLen  = 64
	MaxMetadataBytes   = 4096
)

// WalletAddressPattern is the regex pattern for EVM payment wallet addresses
var WalletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ScopeIDPattern matches catalogue scope identifiers such as "data.read".
var ScopeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]{0,127}$`)

// AgentIDPattern matches identifiers minted by the gateway.
var AgentIDPattern = regexp.MustCompile(`^agent_[0-9a-f]{32}$`)

// ValidatePaymentWallet validates an EVM wallet address
func ValidatePaymentWallet(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if !WalletAddressPattern.MatchString(address) {
		return fmt.Errorf("invalid wallet address format: must be 0x followed by 40 hex characters")
	}

	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid wallet address")
	}

	// Payments to the zero address are unrecoverable
	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("wallet cannot be the zero address")
	}

	return nil
}

// ValidatePublicKey validates an encoded Ed25519 public key
func ValidatePublicKey(publicKey string) error {
	if publicKey == "" {
		return fmt.Errorf("public key cannot be empty")
	}
	if _, err := auth.DecodePublicKey(publicKey); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	return nil
}

// ValidateAgentID validates the shape of an agent identifier
func ValidateAgentID(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	if !AgentIDPattern.MatchString(agentID) {
		return fmt.Errorf("invalid agent id format")
	}
	return nil
}

// ValidateScopeID validates a single scope identifier
func ValidateScopeID(scope string) error {
	if !ScopeIDPattern.MatchString(scope) {
		return fmt.Errorf("invalid scope id %q", scope)
	}
	return nil
}

// ValidateScopesRequested checks the shape of a requested scope list. Whether
// the scopes exist in the catalogue is decided by the gateway.
func ValidateScopesRequested(scopes []string) error {
	if len(scopes) == 0 {
		return fmt.Errorf("at least one scope must be requested")
	}
	if len(scopes) > MaxScopesRequested {
		return fmt.Errorf("too many scopes requested: %d > %d max", len(scopes), MaxScopesRequested)
	}
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("scope cannot be empty")
		}
		if _, dup := seen[s]; dup {
			return fmt.Errorf("duplicate scope %q", s)
		}
		seen[s] = struct{}{}
	}
	return nil
}

// ValidateMetadata bounds the size and key shape of agent metadata
func ValidateMetadata(metadata map[string]any) error {
	if len(metadata) > MaxMetadataKeys {
		return fmt.Errorf("too many metadata keys: %d > %d max", len(metadata), MaxMetadataKeys)
	}
	for k := range metadata {
		if k == "" {
			return fmt.Errorf("metadata key cannot be empty")
		}
		if len(k) > MaxMetadataKeyLen {
			return fmt.Errorf("metadata key too long: %d bytes > %d bytes max", len(k), MaxMetadataKeyLen)
		}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("metadata is not serializable: %w", err)
	}
	if len(encoded) > MaxMetadataBytes {
		return fmt.Errorf("metadata too large: %d bytes > %d bytes max", len(encoded), MaxMetadataBytes)
	}
	return nil
}

// RegistrationInput is the caller-controlled part of a registration request
type RegistrationInput struct {
	PublicKey       string
	ScopesRequested []string
	Metadata        map[string]any
	PaymentWallet   string
}

// ValidateRegistration performs comprehensive registration validation
func ValidateRegistration(in RegistrationInput) error {
	if err := ValidatePublicKey(in.PublicKey); err != nil {
		return fmt.Errorf("publicKey: %w", err)
	}

	if err := ValidateScopesRequested(in.ScopesRequested); err != nil {
		return fmt.Errorf("scopesRequested: %w", err)
	}

	if err := ValidateMetadata(in.Metadata); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	// Wallet is optional
	if in.PaymentWallet != "" {
		if err := ValidatePaymentWallet(in.PaymentWallet); err != nil {
			return fmt.Errorf("paymentWallet: %w", err)
		}
	}

	return nil
}

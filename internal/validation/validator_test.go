package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate/agentgate/pkg/auth"
)

func TestValidatePaymentWallet(t *testing.T) {
	tests := []struct {
		name    string
		address string
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid lowercase address",
			address: "0x742d35cc6634c0532925a3b844bc454e4438f44e",
			wantErr: false,
		},
		{
			name:    "valid mixed case address",
			address: "0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
			wantErr: false,
		},
		{
			name:    "empty address",
			address: "",
			wantErr: true,
			errMsg:  "address cannot be empty",
		},
		{
			name:    "missing 0x prefix",
			address: "742d35cc6634c0532925a3b844bc454e4438f44e",
			wantErr: true,
			errMsg:  "invalid wallet address format",
		},
		{
			name:    "too short address",
			address: "0x742d35cc6634c0532925a3b844bc454e4438f4",
			wantErr: true,
			errMsg:  "invalid wallet address format",
		},
		{
			name:    "invalid characters",
			address: "0x742d35cc6634c0532925a3b844bc454e4438fXYZ",
			wantErr: true,
			errMsg:  "invalid wallet address format",
		},
		{
			name:    "zero address",
			address: "0x0000000000000000000000000000000000000000",
			wantErr: true,
			errMsg:  "zero address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePaymentWallet(tt.address)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePublicKey(t *testing.T) {
	pub, _, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	assert.NoError(t, ValidatePublicKey(pub))
	assert.Error(t, ValidatePublicKey(""))
	assert.Error(t, ValidatePublicKey("not base64!"))
	assert.Error(t, ValidatePublicKey(auth.Encode([]byte("short"))))
}

func TestValidateAgentID(t *testing.T) {
	assert.NoError(t, ValidateAgentID(auth.RandomID("agent")))
	assert.Error(t, ValidateAgentID(""))
	assert.Error(t, ValidateAgentID("agent_xyz"))
	assert.Error(t, ValidateAgentID("user_0123456789abcdef0123456789abcdef"))
}

func TestValidateScopesRequested(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
		errMsg  string
	}{
		{name: "single scope", scopes: []string{"data.read"}},
		{name: "several scopes", scopes: []string{"data.read", "data.write"}},
		{name: "empty list", scopes: nil, wantErr: true, errMsg: "at least one scope"},
		{name: "blank entry", scopes: []string{"data.read", " "}, wantErr: true, errMsg: "cannot be empty"},
		{name: "duplicate entry", scopes: []string{"data.read", "data.read"}, wantErr: true, errMsg: "duplicate scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopesRequested(tt.scopes)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	many := make([]string, MaxScopesRequested+1)
	for i := range many {
		many[i] = "s" + strings.Repeat("x", i)
	}
	assert.ErrorContains(t, ValidateScopesRequested(many), "too many scopes")
}

func TestValidateScopeID(t *testing.T) {
	assert.NoError(t, ValidateScopeID("data.read"))
	assert.NoError(t, ValidateScopeID("payments-v2_write"))
	assert.Error(t, ValidateScopeID(""))
	assert.Error(t, ValidateScopeID(".hidden"))
	assert.Error(t, ValidateScopeID("data:read"))
}

func TestValidateMetadata(t *testing.T) {
	assert.NoError(t, ValidateMetadata(nil))
	assert.NoError(t, ValidateMetadata(map[string]any{"framework": "langchain", "version": 2}))

	assert.ErrorContains(t, ValidateMetadata(map[string]any{"": 1}), "cannot be empty")
	assert.ErrorContains(t, ValidateMetadata(map[string]any{strings.Repeat("k", MaxMetadataKeyLen+1): 1}), "key too long")
	assert.ErrorContains(t, ValidateMetadata(map[string]any{"blob": strings.Repeat("x", MaxMetadataBytes)}), "too large")

	tooMany := make(map[string]any, MaxMetadataKeys+1)
	for i := 0; i <= MaxMetadataKeys; i++ {
		tooMany[strings.Repeat("k", i+1)] = i
	}
	assert.ErrorContains(t, ValidateMetadata(tooMany), "too many metadata keys")

	assert.ErrorContains(t, ValidateMetadata(map[string]any{"fn": func() {}}), "not serializable")
}

func TestValidateRegistration(t *testing.T) {
	pub, _, err := auth.GenerateKeyPair()
	require.NoError(t, err)

	valid := RegistrationInput{
		PublicKey:       pub,
		ScopesRequested: []string{"data.read"},
		Metadata:        map[string]any{"name": "crawler"},
	}
	assert.NoError(t, ValidateRegistration(valid))

	withWallet := valid
	withWallet.PaymentWallet = "0x742d35cc6634c0532925a3b844bc454e4438f44e"
	assert.NoError(t, ValidateRegistration(withWallet))

	badWallet := valid
	badWallet.PaymentWallet = "0x123"
	assert.ErrorContains(t, ValidateRegistration(badWallet), "paymentWallet")

	noKey := valid
	noKey.PublicKey = ""
	assert.ErrorContains(t, ValidateRegistration(noKey), "publicKey")

	noScopes := valid
	noScopes.ScopesRequested = nil
	assert.ErrorContains(t, ValidateRegistration(noScopes), "scopesRequested")
}

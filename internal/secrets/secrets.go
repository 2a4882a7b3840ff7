// Package secrets unwraps the token master secret through a key management
// backend so it never sits in configuration in the clear.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// Provider encrypts and decrypts small secrets.
type Provider interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)

	// Name returns the provider name ("local", "aws-kms", "vault").
	Name() string
}

// ProviderType names a supported backend.
type ProviderType string

const (
	// ProviderLocal uses a local master key with AES-GCM
	ProviderLocal ProviderType = "local"

	// ProviderAWSKMS uses AWS KMS
	ProviderAWSKMS ProviderType = "aws-kms"

	// ProviderVault uses the HashiCorp Vault Transit engine
	ProviderVault ProviderType = "vault"
)

// Config selects and configures a provider.
type Config struct {
	Provider string

	// Local provider
	LocalMasterKey string

	// AWS KMS
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// LocalProvider implements Provider with AES-256-GCM under a master key held
// in configuration. Intended for development and single-host deployments.
type LocalProvider struct {
	masterKey []byte
}

// NewLocalProvider accepts a 64-character hex key, or any other string which
// is stretched to 32 bytes with SHA-256.
func NewLocalProvider(masterKey string) (*LocalProvider, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required for local secret provider")
	}

	key, err := hex.DecodeString(masterKey)
	if err != nil || len(key) != 32 {
		sum := sha256.Sum256([]byte(masterKey))
		key = sum[:]
	}

	return &LocalProvider{masterKey: key}, nil
}

func (p *LocalProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(p.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals data as nonce || ciphertext.
func (p *LocalProvider) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (p *LocalProvider) Decrypt(_ context.Context, encryptedData []byte) ([]byte, error) {
	gcm, err := p.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(encryptedData) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encryptedData[:nonceSize], encryptedData[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Name returns the provider name
func (p *LocalProvider) Name() string {
	return string(ProviderLocal)
}

// kmsAPI is the subset of the AWS KMS client used here.
type kmsAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSKMSProvider implements Provider using AWS KMS
type AWSKMSProvider struct {
	keyID  string
	client kmsAPI
}

// NewAWSKMSProvider loads AWS configuration through the default credential
// chain (env vars, shared config, IAM role).
func NewAWSKMSProvider(ctx context.Context, keyID, region string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSProvider{keyID: keyID, client: kms.NewFromConfig(cfg)}, nil
}

// Encrypt encrypts data using AWS KMS
func (p *AWSKMSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(p.keyID),
		Plaintext: data,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Decrypt decrypts data using AWS KMS
func (p *AWSKMSProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(p.keyID),
		CiphertextBlob: encryptedData,
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Name returns the provider name
func (p *AWSKMSProvider) Name() string {
	return string(ProviderAWSKMS)
}

// VaultProvider implements Provider using the Vault Transit engine. Its
// ciphertexts are the "vault:v1:..." strings Transit returns.
type VaultProvider struct {
	transitKey string
	client     *vault.Client
}

// NewVaultProvider creates a Vault Transit provider.
func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	if address == "" {
		return nil, fmt.Errorf("Vault address is required")
	}
	if token == "" {
		return nil, fmt.Errorf("Vault token is required")
	}
	if transitKey == "" {
		return nil, fmt.Errorf("Vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address

	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultProvider{transitKey: transitKey, client: client}, nil
}

// Encrypt encrypts data using Vault Transit engine
func (p *VaultProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	secret, err := p.client.Logical().WriteWithContext(ctx, "transit/encrypt/"+p.transitKey, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit encrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit encrypt returned empty response")
	}

	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit encrypt: ciphertext not found in response")
	}
	return []byte(ciphertext), nil
}

// Decrypt decrypts data using Vault Transit engine
func (p *VaultProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	secret, err := p.client.Logical().WriteWithContext(ctx, "transit/decrypt/"+p.transitKey, map[string]interface{}{
		"ciphertext": string(encryptedData),
	})
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt failed: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("Vault Transit decrypt returned empty response")
	}

	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, fmt.Errorf("Vault Transit decrypt: plaintext not found in response")
	}

	plaintext, err := base64.StdEncoding.DecodeString(plaintextB64)
	if err != nil {
		return nil, fmt.Errorf("Vault Transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Name returns the provider name
func (p *VaultProvider) Name() string {
	return string(ProviderVault)
}

// New creates the Provider named by cfg.Provider (local when empty).
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch ProviderType(cfg.Provider) {
	case ProviderLocal, "":
		return NewLocalProvider(cfg.LocalMasterKey)
	case ProviderAWSKMS:
		return NewAWSKMSProvider(ctx, cfg.AWSKMSKeyID, cfg.AWSKMSRegion)
	case ProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s (supported: %s, %s, %s)",
			cfg.Provider, ProviderLocal, ProviderAWSKMS, ProviderVault)
	}
}

// EncodeCiphertext renders provider output for storage in configuration.
// Vault ciphertexts are already text; the others are base64.
func EncodeCiphertext(p Provider, ciphertext []byte) string {
	if p.Name() == string(ProviderVault) {
		return string(ciphertext)
	}
	return base64.StdEncoding.EncodeToString(ciphertext)
}

// DecodeCiphertext reverses EncodeCiphertext.
func DecodeCiphertext(p Provider, text string) ([]byte, error) {
	if p.Name() == string(ProviderVault) {
		return []byte(text), nil
	}
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	return raw, nil
}

// Unseal decrypts a ciphertext produced by EncodeCiphertext.
func Unseal(ctx context.Context, p Provider, text string) ([]byte, error) {
	raw, err := DecodeCiphertext(p, text)
	if err != nil {
		return nil, err
	}
	plaintext, err := p.Decrypt(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Name(), err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext and encodes it for configuration.
func Seal(ctx context.Context, p Provider, plaintext []byte) (string, error) {
	ciphertext, err := p.Encrypt(ctx, plaintext)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.Name(), err)
	}
	return EncodeCiphertext(p, ciphertext), nil
}

// Ensure providers implement Provider
var (
	_ Provider = (*LocalProvider)(nil)
	_ Provider = (*AWSKMSProvider)(nil)
	_ Provider = (*VaultProvider)(nil)
)

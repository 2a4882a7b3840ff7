package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a key", func(t *testing.T) {
		_, err := NewLocalProvider("")
		assert.Error(t, err)
	})

	t.Run("round trips", func(t *testing.T) {
		p, err := NewLocalProvider("dev-master-key")
		require.NoError(t, err)
		assert.Equal(t, "local", p.Name())

		sealed, err := Seal(ctx, p, []byte("token-secret"))
		require.NoError(t, err)
		assert.NotContains(t, sealed, "token-secret")

		opened, err := Unseal(ctx, p, sealed)
		require.NoError(t, err)
		assert.Equal(t, []byte("token-secret"), opened)
	})

	t.Run("hex key is used verbatim", func(t *testing.T) {
		hexKey := strings.Repeat("ab", 32)
		p, err := NewLocalProvider(hexKey)
		require.NoError(t, err)
		assert.Len(t, p.masterKey, 32)
		assert.Equal(t, byte(0xab), p.masterKey[0])
	})

	t.Run("wrong key fails", func(t *testing.T) {
		a, _ := NewLocalProvider("key-a")
		b, _ := NewLocalProvider("key-b")
		sealed, err := Seal(ctx, a, []byte("x"))
		require.NoError(t, err)
		_, err = Unseal(ctx, b, sealed)
		assert.Error(t, err)
	})

	t.Run("short ciphertext", func(t *testing.T) {
		p, _ := NewLocalProvider("k")
		_, err := p.Decrypt(ctx, []byte{1, 2})
		assert.Error(t, err)
	})
}

type fakeKMS struct {
	decryptErr error
}

func (f *fakeKMS) Encrypt(_ context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	return &kms.EncryptOutput{CiphertextBlob: append([]byte("kms:"), in.Plaintext...)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if f.decryptErr != nil {
		return nil, f.decryptErr
	}
	return &kms.DecryptOutput{Plaintext: []byte(strings.TrimPrefix(string(in.CiphertextBlob), "kms:"))}, nil
}

func TestAWSKMSProvider(t *testing.T) {
	ctx := context.Background()
	p := &AWSKMSProvider{keyID: "alias/agentgate", client: &fakeKMS{}}

	sealed, err := Seal(ctx, p, []byte("secret"))
	require.NoError(t, err)
	opened, err := Unseal(ctx, p, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), opened)

	p.client = &fakeKMS{decryptErr: errors.New("access denied")}
	_, err = Unseal(ctx, p, sealed)
	assert.ErrorContains(t, err, "access denied")

	_, err = NewAWSKMSProvider(ctx, "", "us-east-1")
	assert.Error(t, err)
	_, err = NewAWSKMSProvider(ctx, "key", "")
	assert.Error(t, err)
}

func newVaultTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Plaintext  string `json:"plaintext"`
			Ciphertext string `json:"ciphertext"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var data map[string]interface{}
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/transit/encrypt/"):
			data = map[string]interface{}{"ciphertext": "vault:v1:" + req.Plaintext}
		case strings.HasPrefix(r.URL.Path, "/v1/transit/decrypt/"):
			data = map[string]interface{}{"plaintext": strings.TrimPrefix(req.Ciphertext, "vault:v1:")}
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"request_id": "req", "data": data})
	}))
}

func TestVaultProvider(t *testing.T) {
	server := newVaultTestServer(t)
	defer server.Close()
	ctx := context.Background()

	p, err := NewVaultProvider(server.URL, "token", "agentgate")
	require.NoError(t, err)

	sealed, err := Seal(ctx, p, []byte("vault-secret"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "vault:v1:"))

	opened, err := Unseal(ctx, p, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("vault-secret"), opened)

	_, err = NewVaultProvider("", "token", "key")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	p, err := New(context.Background(), Config{LocalMasterKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "local", p.Name())

	_, err = New(context.Background(), Config{Provider: "gcp-kms"})
	assert.ErrorContains(t, err, "unsupported secret provider")
}

func TestResolveTokenSecret(t *testing.T) {
	ctx := context.Background()

	secret, err := ResolveTokenSecret(ctx, "plain", "ignored", Config{})
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), secret)

	_, err = ResolveTokenSecret(ctx, "", "", Config{})
	assert.Error(t, err)

	cfg := Config{Provider: "local", LocalMasterKey: "master"}
	p, err := New(ctx, cfg)
	require.NoError(t, err)
	sealed, err := Seal(ctx, p, []byte("sealed-secret"))
	require.NoError(t, err)

	secret, err = ResolveTokenSecret(ctx, "", sealed, cfg)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed-secret"), secret)

	_, err = ResolveTokenSecret(ctx, "", "%%%", cfg)
	assert.Error(t, err)
}

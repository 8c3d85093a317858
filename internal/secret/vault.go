package secret

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultResolver reads credentials from HashiCorp Vault. Encrypted storage is
// Vault's concern; the relay only ever sees resolved plaintext keys.
//
// Path format: "path/to/secret#field". Without a fragment the field defaults
// to "value". KV v2 "data" wrappers are unwrapped transparently.
type VaultResolver struct {
	client *vault.Client
}

// VaultConfig configures the Vault connection.
type VaultConfig struct {
	Address string
	// Token authenticates directly. When empty, AppRole credentials are used.
	Token    string
	RoleID   string
	SecretID string
}

// NewVaultResolver connects and authenticates against Vault.
func NewVaultResolver(cfg VaultConfig) (*VaultResolver, error) {
	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		auth, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if auth == nil || auth.Auth == nil {
			return nil, fmt.Errorf("vault approle login returned no auth info")
		}
		client.SetToken(auth.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault resolver needs a token or approle credentials")
	}

	return &VaultResolver{client: client}, nil
}

// Get reads one field of a Vault secret.
func (r *VaultResolver) Get(ctx context.Context, path string) (string, error) {
	secretPath, field := path, "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, field = path[:idx], path[idx+1:]
	}

	secret, err := r.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if wrapped, ok := data["data"].(map[string]interface{}); ok {
		data = wrapped
	}

	val, ok := data[field]
	if !ok {
		return "", fmt.Errorf("field %q not found in vault secret %q", field, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close releases the client. Token lifecycle is the operator's concern here;
// the relay holds no renewer goroutine.
func (r *VaultResolver) Close() error { return nil }

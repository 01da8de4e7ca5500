package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/zgpcy/azure-webapp-exporter/internal/config"
)

// Token is a bearer token for one identity
type Token struct {
	Value     string
	ExpiresOn time.Time
	Key       string // Identity key the token was issued for
}

// ValidAt reports whether the token is still usable at t with margin to spare
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	return t.Value != "" && t.ExpiresOn.After(now.Add(margin))
}

// Exchanger performs the client-credential exchange with the identity provider
type Exchanger interface {
	Exchange(ctx context.Context, id config.Identity) (Token, error)
}

// AzureExchanger exchanges client secrets for ARM tokens through azidentity
type AzureExchanger struct {
	cloud cloud.Configuration
	scope string

	mu    sync.Mutex
	creds map[string]azcore.TokenCredential
}

// Verify that AzureExchanger implements Exchanger
var _ Exchanger = (*AzureExchanger)(nil)

// NewAzureExchanger creates an exchanger for the given Azure cloud
func NewAzureExchanger(cc cloud.Configuration) *AzureExchanger {
	return &AzureExchanger{
		cloud: cc,
		scope: Scope(cc),
		creds: make(map[string]azcore.TokenCredential),
	}
}

// Scope returns the ARM token scope of the cloud
func Scope(cc cloud.Configuration) string {
	audience := cc.Services[cloud.ResourceManager].Audience
	return strings.TrimSuffix(audience, "/") + "/.default"
}

// Exchange requests a new token for id
func (e *AzureExchanger) Exchange(ctx context.Context, id config.Identity) (Token, error) {
	cred, err := e.credential(id)
	if err != nil {
		return Token{}, err
	}

	tok, err := cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{e.scope}})
	if err != nil {
		return Token{}, err
	}

	return Token{Value: tok.Token, ExpiresOn: tok.ExpiresOn, Key: id.Key()}, nil
}

// credential returns the azidentity credential of id, building it on first use
func (e *AzureExchanger) credential(id config.Identity) (azcore.TokenCredential, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cred, ok := e.creds[id.Key()]; ok {
		return cred, nil
	}

	opts := &azidentity.ClientSecretCredentialOptions{
		ClientOptions: azcore.ClientOptions{Cloud: e.cloud},
	}
	cred, err := azidentity.NewClientSecretCredential(id.TenantID, id.ClientID, id.ClientSecret, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create client secret credential: %w", err)
	}
	e.creds[id.Key()] = cred
	return cred, nil
}

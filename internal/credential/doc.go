// Package credential acquires and caches Azure AD bearer tokens per identity.
//
// Cache.Token serves a cached token while it is valid beyond the refresh
// margin and otherwise runs a single exchange per identity, shared by all
// concurrent callers. A caller giving up does not cancel the exchange for
// the others. A failed exchange keeps the previous token cached and the next
// call tries again.
//
// Tokens whose lifetime is shorter than the margin are refreshed at half
// their lifetime. Tokens that are already expired when they arrive are
// rejected as an auth failure.
//
// The exchange itself is behind the Exchanger interface; AzureExchanger
// implements it with azidentity client-secret credentials.
//
// Example usage:
//
//	tokens := credential.NewCache(credential.NewAzureExchanger(cloud.AzurePublic), 5*time.Minute,
//		credential.WithLogger(log))
//
//	tok, err := tokens.Token(ctx, identity)
//	if err != nil {
//		return err // failure.KindAuth
//	}
//
//	// After an upstream 401
//	tokens.Invalidate(identity)
//
// Cache.Credential exposes the cache as an azcore.TokenCredential so Azure
// SDK clients reuse the same tokens. The cache exports
// azure_webapp_exporter_token_refreshes_total by result.
package credential

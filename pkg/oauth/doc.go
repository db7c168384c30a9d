// Package oauth provides shared OAuth 2.1 client types and utilities used by
// the authorization flow that connects MagicTunnel to upstream servers that
// require user authorization.
//
// # Core Components
//
//   - Token: OAuth token representation with expiry checking
//   - Metadata: OAuth/OIDC server metadata (RFC 8414)
//   - AuthChallenge: Parsed WWW-Authenticate header information
//   - PKCE: Proof Key for Code Exchange generation (RFC 7636)
//   - Client: OAuth client for metadata discovery and token operations
//
// # Usage
//
//	import "magictunnel/pkg/oauth"
//
//	client := oauth.NewClient(oauth.WithHTTPClient(httpClient), oauth.WithLogger(logger))
//	metadata, err := client.DiscoverMetadata(ctx, issuer)
//	verifier, challenge, err := oauth.GeneratePKCERaw()
package oauth

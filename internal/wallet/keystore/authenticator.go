package keystore

import "context"

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx context.Context, prompt string) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, prompt string) error {
	return f(ctx, prompt)
}

// TrustedAuthenticator approves every retrieval. Used when the UI layer in
// front of the daemon has already performed the biometric check and the
// daemon call is the continuation of that approved prompt.
func TrustedAuthenticator() Authenticator {
	return AuthenticatorFunc(func(context.Context, string) error { return nil })
}

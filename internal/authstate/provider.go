package authstate

import (
	"context"
	"errors"
	"fmt"
)

// SignInResult is what a provider returns after a completed sign-in.
type SignInResult struct {
	UserEmail    string
	Credential   *Credential
	RefreshToken string
}

// Provider performs interactive sign-in and sign-out against an identity provider.
type Provider interface {
	SignIn(ctx context.Context) (SignInResult, error)
	SignOut(ctx context.Context, credential *Credential) error
}

// ProviderError is a rejection reported by the identity provider.
type ProviderError struct {
	Code    string
	Message string
	Email   string
}

func (providerError *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s)", providerError.Message, providerError.Code)
}

func describeProviderError(err error) string {
	if err == nil {
		return ""
	}
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.Error()
	}
	return fmt.Sprintf("%s (auth/unknown)", err.Error())
}

package oauthprovider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	googleOAuth2 "golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

const googleUserInfoEndpoint = "https://openidconnect.googleapis.com/v1/userinfo"

var errIDTokenSubjectMismatch = errors.New("id token subject does not match userinfo subject")

// GoogleTokenValidator verifies Google-issued ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx, option.WithoutAuthentication())
	if err != nil {
		return nil, fmt.Errorf("google.validator: %w", err)
	}
	return validator, nil
}

// GoogleProvider authenticates against Google's OpenID Connect endpoints with PKCE.
type GoogleProvider struct {
	*oauth2Adapter
	validator GoogleTokenValidator
}

// NewGoogleProvider builds the Google adapter. A nil validator skips ID token checks.
func NewGoogleProvider(credentials Credentials, validator GoogleTokenValidator) *GoogleProvider {
	return &GoogleProvider{
		oauth2Adapter: newOAuth2Adapter("google", Capabilities{UsesPKCE: true}, credentials,
			googleOAuth2.Endpoint, []string{"openid", "profile", "email"}, googleUserInfoEndpoint),
		validator: validator,
	}
}

// FetchProfile reads the userinfo claims and, when the token response carried an
// id_token, requires it to be valid for this client and to name the same subject.
func (provider *GoogleProvider) FetchProfile(ctx context.Context, token *oauth2.Token) (RawProfile, error) {
	raw, err := provider.oauth2Adapter.FetchProfile(ctx, token)
	if err != nil {
		return nil, err
	}
	if provider.validator == nil {
		return raw, nil
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if strings.TrimSpace(rawIDToken) == "" {
		return raw, nil
	}

	validateCtx, cancel := context.WithTimeout(ctx, provider.timeout)
	defer cancel()
	payload, validateErr := provider.validator.Validate(validateCtx, rawIDToken, provider.config.ClientID)
	if validateErr != nil {
		return nil, newProviderError(ErrProviderProfileFetch, provider.name, "", fmt.Errorf("id token: %w", validateErr))
	}
	if payload == nil || payload.Subject != stringField(raw, "sub") {
		return nil, newProviderError(ErrProviderProfileFetch, provider.name, "", errIDTokenSubjectMismatch)
	}
	return raw, nil
}

// NormalizeProfile maps the OpenID Connect standard claims. Unverified emails are dropped.
func (provider *GoogleProvider) NormalizeProfile(raw RawProfile) (Profile, error) {
	subject := stringField(raw, "sub")
	if subject == "" {
		return Profile{}, fmt.Errorf("google.normalize: %w", ErrIncompleteProfile)
	}
	return Profile{
		ProviderAccountID:   subject,
		ProviderAccountName: stringField(raw, "name"),
		Email:               verifiedEmail(raw, "email", "email_verified"),
		Image:               stringField(raw, "picture"),
	}, nil
}

var _ Provider = (*GoogleProvider)(nil)

package fhirclient

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"

	"github.com/openhealth/conformance-harness/framework/outcome"
)

// SMARTConfiguration is the discovery document at .well-known/smart-configuration.
type SMARTConfiguration struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	Capabilities          []string
	ScopesSupported       []string
}

func (s SMARTConfiguration) HasCapability(name string) bool {
	for _, c := range s.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

func (c *Client) SMARTConfiguration(ctx context.Context) (SMARTConfiguration, error) {
	resp, err := c.Get(ctx, ".well-known/smart-configuration", "application/json")
	if err != nil {
		return SMARTConfiguration{}, err
	}
	if resp.Status != http.StatusOK {
		return SMARTConfiguration{}, outcome.ServerViolation("SMART configuration request returned HTTP %d", resp.Status)
	}
	v, err := resp.JSON()
	if err != nil {
		return SMARTConfiguration{}, err
	}
	cfg := SMARTConfiguration{
		AuthorizationEndpoint: v.GetByKey("authorization_endpoint").StringValue(),
		TokenEndpoint:         v.GetByKey("token_endpoint").StringValue(),
		Capabilities:          stringArray(v.GetByKey("capabilities")),
		ScopesSupported:       stringArray(v.GetByKey("scopes_supported")),
	}
	return cfg, nil
}

func stringArray(v ldvalue.Value) []string {
	var ret []string
	for i := 0; i < v.Count(); i++ {
		ret = append(ret, v.GetByIndex(i).StringValue())
	}
	return ret
}

// AuthorizationRequest builds the URL the operator's browser is sent to for a standalone launch.
type AuthorizationRequest struct {
	Endpoint    string
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
	Audience    string
}

func (a AuthorizationRequest) URL() (string, error) {
	if _, err := url.Parse(a.Endpoint); err != nil {
		return "", err
	}
	cfg := oauth2.Config{
		ClientID:    a.ClientID,
		RedirectURL: a.RedirectURI,
		Scopes:      strings.Fields(a.Scope),
		Endpoint:    oauth2.Endpoint{AuthURL: a.Endpoint},
	}
	return cfg.AuthCodeURL(a.State, oauth2.SetAuthURLParam("aud", a.Audience)), nil
}

// TokenResponse is the result of an authorization code exchange.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    ldvalue.OptionalInt
	Scope        string
	Patient      string
	RefreshToken string
}

// ExchangeCode trades an authorization code for an access token. A confidential client passes its
// secret, which is sent with HTTP basic authentication; a public client sends its client_id in the
// form instead.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint, code, redirectURI, clientID, clientSecret string) (TokenResponse, error) {
	style := oauth2.AuthStyleInParams
	if clientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	cfg := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Endpoint:     oauth2.Endpoint{TokenURL: c.URL(tokenEndpoint), AuthStyle: style},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: limitedTransport{client: c, base: c.cfg.Transport},
		Timeout:   c.cfg.RequestTimeout,
	})

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		var re *oauth2.RetrieveError
		switch {
		case errors.As(err, &re) && re.Response != nil:
			return TokenResponse{}, outcome.ServerViolation("token endpoint returned HTTP %d: %s",
				re.Response.StatusCode, string(re.Body))
		case ctx.Err() != nil:
			return TokenResponse{}, ctx.Err()
		}
		return TokenResponse{}, &outcome.UnexpectedFailure{Err: err}
	}

	tr := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Scope:        ldvalue.CopyArbitraryValue(tok.Extra("scope")).StringValue(),
		Patient:      ldvalue.CopyArbitraryValue(tok.Extra("patient")).StringValue(),
	}
	if exp := ldvalue.CopyArbitraryValue(tok.Extra("expires_in")); exp.IsNumber() {
		tr.ExpiresIn = ldvalue.NewOptionalInt(exp.IntValue())
	}
	return tr, nil
}

// limitedTransport applies the client's rate limit and request logging to requests made on its
// behalf by other libraries.
type limitedTransport struct {
	client *Client
	base   http.RoundTripper
}

func (t limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.client.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	t.client.logger.Printf("%s %s", req.Method, req.URL)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

package oidcflow_test

import (
	"context"
	"fmt"
	"net/http"

	"github.com/multiscope/oidcflow/oidc"
	"github.com/multiscope/oidcflow/oidc/strategy"
)

func Example() {
	// Create a new Config with two api scopes to negotiate, in order.
	c, err := oidc.NewConfig(
		"your_client_id",
		"your_client_secret",
		"http://your_reply_url/callback",
		oidc.WithTenant("your-tenant.onmicrosoft.com", "B2C_1A_SignIn"),
		oidc.WithAPIScopes(
			"https://your-tenant.onmicrosoft.com/api-a/read",
			"https://your-tenant.onmicrosoft.com/api-b/read",
		),
	)
	if err != nil {
		// handle error
	}

	// Create the login flow, persisting its in-between state through your
	// session store (anything satisfying oidc.SessionStore).
	var store oidc.SessionStore // = your session store
	f, err := oidc.NewFlow(c, store)
	if err != nil {
		// handle error
	}

	// Bridge the flow to net/http.  The session key func typically reads
	// your session cookie.
	s, err := strategy.New(f,
		func(req *http.Request) string { return "session-id-from-cookie" },
		func(ctx context.Context, tokens *oidc.TokenBundle) error {
			// look up or provision the user here
			return nil
		},
	)
	if err != nil {
		// handle error
	}

	// Mount the handler on both the login entry point and the reply URL.
	login, err := s.Authenticate(
		func(tokens *oidc.TokenBundle, w http.ResponseWriter, req *http.Request) {
			fmt.Fprintf(w, "hello %s", tokens.IDTokenClaims["name"])
		},
		func(err error, w http.ResponseWriter, req *http.Request) {
			http.Error(w, "login failed", http.StatusUnauthorized)
		},
	)
	if err != nil {
		// handle error
	}
	http.Handle("/login", login)
	http.Handle("/callback", login)
}

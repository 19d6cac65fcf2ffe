package oidc

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// ClientSecret is the relying party secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client
// secret.
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret.
func (s ClientSecret) String() string { return RedactedClientSecret }

// MarshalJSON will redact the client secret.
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Response modes supported for the provider's login return.
const (
	// ResponseModeFormPost delivers the login return as a form-encoded
	// POST to the reply URL.
	ResponseModeFormPost = "form_post"

	// ResponseModeQuery delivers the login return as query parameters on a
	// GET to the reply URL.
	ResponseModeQuery = "query"
)

// Defaults applied by NewConfig when the corresponding option is not
// provided.
const (
	// DefaultAuthority is the base URL the discovery endpoint is derived
	// from when no explicit discovery URL is configured.
	DefaultAuthority = "https://login.microsoftonline.com"

	// DefaultTenant is the tenant segment of the derived discovery URL.
	DefaultTenant = "common"

	// DefaultPolicy is the policy passed to the discovery endpoint via its
	// "p" query parameter.
	DefaultPolicy = "B2C_1A_SignIn"

	// DefaultRequestTimeout applies to every outbound request to the
	// provider.  A timed-out call surfaces as ErrRequestTimeout and is not
	// retried.
	DefaultRequestTimeout = 10 * time.Second
)

// Config holds the settings for a multi-scope authorization code login
// flow.  ClientID, ClientSecret and ReplyURL are required; everything else
// has a documented default.  It is validated eagerly by NewConfig, never
// lazily at request time.
type Config struct {
	// ClientID is the relying party id.
	ClientID string

	// ClientSecret is the relying party secret.
	ClientSecret ClientSecret

	// ReplyURL is the redirect endpoint registered with the provider, to
	// which login returns are delivered.
	ReplyURL string

	// Tenant and Policy identify the provider tenant used to derive the
	// discovery endpoint when DiscoveryURL is empty.
	Tenant string
	Policy string

	// DiscoveryURL overrides the derived discovery endpoint entirely.
	DiscoveryURL string

	// APIScopes are the api scopes to negotiate access tokens for, in
	// order.  Scopes are processed strictly in this order; an empty list
	// performs an identity-only login.
	APIScopes []string

	// RequestRefreshTokens adds offline_access to every authorization
	// request so the provider issues refresh tokens.
	RequestRefreshTokens bool

	// ResponseMode is how the provider delivers the login return, either
	// ResponseModeFormPost (the default) or ResponseModeQuery.
	ResponseMode string

	// LogoutRedirectURL is the provider's centralized logout endpoint.
	// When empty, the metadata's end_session_endpoint is used.
	LogoutRedirectURL string

	// MetadataTTL is how long resolved provider metadata is cached.  Zero
	// disables caching and every resolve re-fetches.
	MetadataTTL time.Duration

	// RequestTimeout bounds every outbound request to the provider.
	RequestTimeout time.Duration

	// ProviderCA is an optional CA cert to use when sending requests to
	// the provider.
	ProviderCA string

	// Logger is an optional logger.
	Logger hclog.Logger
}

// NewConfig composes an eagerly validated config.  Supported options:
// WithTenant, WithDiscoveryURL, WithAPIScopes, WithoutRefreshTokens,
// WithResponseMode, WithLogoutRedirectURL, WithMetadataTTL,
// WithRequestTimeout, WithProviderCA, WithLogger.
func NewConfig(clientID string, clientSecret ClientSecret, replyURL string, opt ...Option) (*Config, error) {
	const op = "oidc.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		ReplyURL:             replyURL,
		Tenant:               opts.withTenant,
		Policy:               opts.withPolicy,
		DiscoveryURL:         opts.withDiscoveryURL,
		APIScopes:            opts.withAPIScopes,
		RequestRefreshTokens: !opts.withoutRefreshTokens,
		ResponseMode:         opts.withResponseMode,
		LogoutRedirectURL:    opts.withLogoutRedirectURL,
		MetadataTTL:          opts.withMetadataTTL,
		RequestTimeout:       opts.withRequestTimeout,
		ProviderCA:           opts.withProviderCA,
		Logger:               opts.withLogger,
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid configuration: %w", op, err)
	}
	return c, nil
}

// Validate the configuration.  Every problem found is reported, not just
// the first.
func (c *Config) Validate() error {
	const op = "oidc.Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if c.ClientSecret == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client secret is empty: %w", op, ErrInvalidParameter))
	}
	if c.ReplyURL == "" {
		result = multierror.Append(result, fmt.Errorf("%s: reply URL is empty: %w", op, ErrInvalidParameter))
	} else if _, err := url.Parse(c.ReplyURL); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: reply URL %q is invalid: %w", op, c.ReplyURL, err))
	}
	switch c.ResponseMode {
	case ResponseModeFormPost, ResponseModeQuery:
	default:
		result = multierror.Append(result, fmt.Errorf("%s: unsupported response mode %q: %w", op, c.ResponseMode, ErrInvalidParameter))
	}
	for _, s := range c.APIScopes {
		if s == "" {
			result = multierror.Append(result, fmt.Errorf("%s: api scope is empty: %w", op, ErrInvalidParameter))
		}
	}
	if c.DiscoveryURL == "" && (c.Tenant == "" || c.Policy == "") {
		result = multierror.Append(result, fmt.Errorf("%s: either a discovery URL or a tenant and policy are required: %w", op, ErrInvalidParameter))
	}
	if c.DiscoveryURL != "" {
		if _, err := url.Parse(c.DiscoveryURL); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: discovery URL %q is invalid: %w", op, c.DiscoveryURL, err))
		}
	}
	if c.RequestTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("%s: request timeout not greater than zero: %w", op, ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// DiscoveryEndpoint returns the provider's discovery document URL: either
// the configured override or one derived from the authority, tenant and
// policy.
func (c *Config) DiscoveryEndpoint() string {
	if c.DiscoveryURL != "" {
		return c.DiscoveryURL
	}
	return fmt.Sprintf("%s/%s/v2.0/.well-known/openid-configuration?p=%s",
		DefaultAuthority, url.PathEscape(c.Tenant), url.QueryEscape(c.Policy))
}

// HTTPClient creates a new http client for the configured provider, using
// the optional CA certificate PEM if provided, otherwise the installed
// system CA chain.  Every request through it is bounded by the configured
// timeout.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "oidc.Config.HTTPClient"
	tr := cleanhttp.DefaultPooledTransport()

	if c.ProviderCA != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(c.ProviderCA)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs: certPool,
		}
	}

	return &http.Client{
		Transport: tr,
		Timeout:   c.RequestTimeout,
	}, nil
}

// configOptions is the set of available options for Config.
type configOptions struct {
	withTenant            string
	withPolicy            string
	withDiscoveryURL      string
	withAPIScopes         []string
	withoutRefreshTokens  bool
	withResponseMode      string
	withLogoutRedirectURL string
	withMetadataTTL       time.Duration
	withRequestTimeout    time.Duration
	withProviderCA        string
	withLogger            hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func configDefaults() configOptions {
	return configOptions{
		withTenant:         DefaultTenant,
		withPolicy:         DefaultPolicy,
		withResponseMode:   ResponseModeFormPost,
		withRequestTimeout: DefaultRequestTimeout,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithTenant provides the tenant and policy used to derive the discovery
// endpoint.
func WithTenant(tenant, policy string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withTenant = tenant
			o.withPolicy = policy
		}
	}
}

// WithDiscoveryURL overrides the derived discovery endpoint.
func WithDiscoveryURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withDiscoveryURL = u
		}
	}
}

// WithAPIScopes provides the ordered list of api scopes to negotiate
// access tokens for.
func WithAPIScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withAPIScopes = scopes
		}
	}
}

// WithoutRefreshTokens disables requesting the offline_access scope, so no
// refresh tokens are issued.
func WithoutRefreshTokens() Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withoutRefreshTokens = true
		}
	}
}

// WithResponseMode selects how the provider delivers the login return.
func WithResponseMode(mode string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withResponseMode = mode
		}
	}
}

// WithLogoutRedirectURL provides the provider's centralized logout
// endpoint.
func WithLogoutRedirectURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withLogoutRedirectURL = u
		}
	}
}

// WithMetadataTTL enables caching of resolved provider metadata for the
// given duration.
func WithMetadataTTL(ttl time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withMetadataTTL = ttl
		}
	}
}

// WithRequestTimeout overrides the default timeout on outbound requests to
// the provider.
func WithRequestTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRequestTimeout = d
		}
	}
}

// WithProviderCA provides an optional CA cert for requests to the
// provider.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

package oidc

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default
// options and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithNow provides an optional func for determining the current time, which
// makes TTL and expiry checks testable.  Valid for: Resolver, Flow.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *resolverOptions:
			v.withNowFunc = now
		case *flowOptions:
			v.withNowFunc = now
		}
	}
}

// WithLogger provides an optional hclog.Logger.  Valid for: Config, Flow.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withLogger = l
		case *flowOptions:
			v.withLogger = l
		}
	}
}

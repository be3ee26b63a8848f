package opensslwasm

import "github.com/rs/zerolog"

// Option configures Open.
type Option func(*options)

type options struct {
	logger zerolog.Logger
}

func newOptions(opts []Option) options {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger for load, bind and release diagnostics. Key
// material and payloads are never logged.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// KeyOption configures an operation that writes or reads a private key.
type KeyOption func(*keyOptions)

type keyOptions struct {
	passphrase string
}

func newKeyOptions(opts []KeyOption) keyOptions {
	var o keyOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPassphrase encrypts a generated private key, or decrypts a loaded one,
// with passphrase. An empty passphrase means the key is not encrypted.
func WithPassphrase(passphrase string) KeyOption {
	return func(o *keyOptions) {
		o.passphrase = passphrase
	}
}

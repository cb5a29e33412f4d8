package mailbox

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

// Connection failures map onto three categories the caller can act on:
// bad credentials are fatal, certificate problems are fatal unless the
// self-signed override is set, and network failures are transient.
var (
	ErrAuth    = errors.New("authentication failed")
	ErrTLS     = errors.New("tls certificate verification failed")
	ErrNetwork = errors.New("network error")
	ErrClosed  = errors.New("session closed")
)

// classifyDial wraps a dial/handshake error as ErrTLS or ErrNetwork
func classifyDial(err error) error {
	if isCertError(err) {
		return fmt.Errorf("%w: %v", ErrTLS, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// isCertError reports whether err is a certificate validation failure
// rather than a plain connectivity problem.
func isCertError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownCA   x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &verifyErr),
		errors.As(err, &recordErr),
		errors.As(err, &unknownCA),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidErr):
		return true
	}
	return errors.Is(err, ErrTLS)
}

package report

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"syscall"

	"github.com/JakeFAU/spidercrawl/internal/crawler"
	"github.com/JakeFAU/spidercrawl/internal/resolve"
)

// DescribeError maps a job failure to a short, stable description suitable
// for the error column of reports.
func DescribeError(err error) string {
	if err == nil {
		return ""
	}
	var (
		dnsErr    *net.DNSError
		netErr    net.Error
		unknownCA x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		certErr   x509.CertificateInvalidError
		verifyErr *tls.CertificateVerificationError
		recordErr tls.RecordHeaderError
	)
	switch {
	case errors.Is(err, resolve.ErrRedirectLoop):
		return "redirect-loop"
	case errors.Is(err, resolve.ErrTooManyRedirects):
		return "too-many-redirects"
	case errors.Is(err, crawler.ErrUnknownSpider):
		return "unknown-spider"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns-error"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection-refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection-reset"
	case errors.As(err, &verifyErr), errors.As(err, &unknownCA), errors.As(err, &hostErr),
		errors.As(err, &certErr), errors.As(err, &recordErr):
		return "ssl-error"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case crawler.IsExtractError(err):
		return "extract-error"
	case crawler.IsFetchError(err):
		return "fetch-error"
	default:
		return "unknown-error"
	}
}

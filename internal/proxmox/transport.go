package proxmox

import (
	"crypto/tls"
	"net/http"
)

// insecureTransport returns an http.RoundTripper that skips TLS
// certificate verification, for Proxmox hosts serving a self-signed
// certificate.
func insecureTransport() http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return base
}

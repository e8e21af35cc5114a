// Package rest provides the HTTP fetch helper used by list sources and the
// image downloader.
package rest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
)

// basicAuthPassword is the fixed password half of the (token, "x-oauth-basic")
// basic-auth convention HEPiX endorsers use for token-gated list endpoints.
const basicAuthPassword = "x-oauth-basic"

// Get issues a GET request against url, optionally with HTTP Basic auth
// (token, "x-oauth-basic"), and returns the body bytes. Only a 200 response
// is accepted; anything else is reported via the returned status code so
// the caller can build an ImageListDownloadFailed/ImageDownloadFailed error.
func Get(ctx context.Context, client *http.Client, url, token string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating the GET request: %w", err)
	}
	if token != "" {
		req.SetBasicAuth(token, basicAuthPassword)
	}

	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("error sending the GET request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("error reading the response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}
	return body, resp.StatusCode, nil
}

// ClientWithCABundle returns an *http.Client whose transport trusts exactly
// the certificates in extraCAs, or the system default CA pool when extraCAs
// is nil. Passing trust.CABundlePool's result, which already holds the
// system pool plus the grid CAs, lets image downloads from grid endpoints
// whose CA isn't in the OS trust store succeed.
func ClientWithCABundle(extraCAs *x509.CertPool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		RootCAs: extraCAs,
	}
	return &http.Client{Transport: transport}
}

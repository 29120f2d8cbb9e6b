// Package upload sends the encounter export to a pre-signed URL.
package upload

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/XC-/proximity/encounter"
)

var log = logrus.WithField("component", "upload")

// ErrRejected is returned when the endpoint answers with a non-2xx status.
var ErrRejected = errors.New("upload: rejected")

// A Client PUTs export bodies.
type Client struct {
	http *http.Client
}

// An Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP/2 client built by NewClient.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Client) { u.http = c }
}

// NewClient returns a Client over an HTTP/2 capable transport.
func NewClient(opts ...Option) (*Client, error) {
	u := &Client{}
	for _, opt := range opts {
		opt(u)
	}
	if u.http == nil {
		c, err := BuildHTTP2Client()
		if err != nil {
			return nil, err
		}
		u.http = c
	}
	return u, nil
}

// BuildHTTP2Client returns an http.Client that negotiates HTTP/2 over
// TLS 1.2 or later.
func BuildHTTP2Client() (*http.Client, error) {
	t := &http.Transport{
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("configuring http2 transport: %w", err)
	}
	return &http.Client{Transport: t, Timeout: time.Minute}, nil
}

// Put sends body to url with the bearer token.
func (u *Client) Put(ctx context.Context, url, token string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, bytes.TrimSpace(msg))
	}
	log.WithFields(logrus.Fields{"bytes": len(body), "proto": resp.Proto}).Info("export uploaded")
	return nil
}

// PutStore exports every record in s and sends it to url.
func (u *Client) PutStore(ctx context.Context, s encounter.Store, url, token string) error {
	body, err := encounter.ExportStore(ctx, s)
	if err != nil {
		return fmt.Errorf("upload: export: %w", err)
	}
	return u.Put(ctx, url, token, body)
}

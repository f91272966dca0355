// Package deviceapi queries a storage device's own HTTP endpoints.
package deviceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"homereach/models"
)

// DefaultScheme is used when Client.Scheme is empty.
const DefaultScheme = "https"

const maxBodyBytes = 64 << 10

// ErrBadResponse covers non-2xx statuses and undecodable bodies.
var ErrBadResponse = errors.New("deviceapi: bad response")

type statusResponse struct {
	State string `json:"state"`
	OOBE  struct {
		Done bool `json:"done"`
	} `json:"OOBE"`
}

type aboutResponse struct {
	Hostname              string `json:"hostname"`
	CertificateCommonName string `json:"certificate_common_name"`
}

// Client calls /status and /about on a device endpoint.
type Client struct {
	HTTPClient *http.Client
	Scheme     string
}

// New returns a Client using httpClient, or a 5s default client when nil.
func New(httpClient *http.Client, scheme string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{HTTPClient: httpClient, Scheme: scheme}
}

// Status fetches GET /status from hostPort.
func (c *Client) Status(ctx context.Context, hostPort string) (models.DeviceStatus, error) {
	var raw statusResponse
	if err := c.get(ctx, hostPort, "/status", &raw); err != nil {
		return models.DeviceStatus{}, err
	}
	return models.DeviceStatus{
		State:    models.ParseDeviceState(raw.State),
		OOBEDone: raw.OOBE.Done,
	}, nil
}

// About fetches GET /about from hostPort.
func (c *Client) About(ctx context.Context, hostPort string) (models.DeviceAbout, error) {
	var raw aboutResponse
	if err := c.get(ctx, hostPort, "/about", &raw); err != nil {
		return models.DeviceAbout{}, err
	}
	return models.DeviceAbout{
		Hostname:              strings.TrimSpace(raw.Hostname),
		CertificateCommonName: strings.TrimSpace(raw.CertificateCommonName),
	}, nil
}

// Identify runs Status and About concurrently and fails if either fails.
func (c *Client) Identify(ctx context.Context, hostPort string) (models.DeviceStatus, models.DeviceAbout, error) {
	var (
		status models.DeviceStatus
		about  models.DeviceAbout
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		status, err = c.Status(gctx, hostPort)
		return err
	})
	g.Go(func() error {
		var err error
		about, err = c.About(gctx, hostPort)
		return err
	})
	if err := g.Wait(); err != nil {
		return models.DeviceStatus{}, models.DeviceAbout{}, err
	}
	return status, about, nil
}

func (c *Client) get(ctx context.Context, hostPort, path string, out any) error {
	scheme := c.Scheme
	if scheme == "" {
		scheme = DefaultScheme
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+hostPort+path, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", hostPort, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return fmt.Errorf("%s %s: status %d: %w", hostPort, path, resp.StatusCode, ErrBadResponse)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %v: %w", hostPort, path, err, ErrBadResponse)
	}
	return nil
}

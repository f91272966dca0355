// Package remote is the client for the remote access device directory:
// email-code login, token refresh, device listing and per-device paths.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"homereach/logging"
	"homereach/metrics"
	"homereach/models"
)

const (
	defaultTokenLifetime   = time.Hour
	defaultMaxRetries      = 2
	defaultRetryInterval   = 200 * time.Millisecond
	defaultPathConcurrency = 4
	maxErrorBody           = 512
)

// TokenStore persists token bundles per user email.
type TokenStore interface {
	SaveTokens(email string, bundle models.TokenBundle) error
	LoadTokens(email string) (models.TokenBundle, error)
	ClearTokens(email string) error
}

// Options configures a Client.
type Options struct {
	BaseURL            string
	ClientID           string
	ClientFriendlyName string
	HTTPClient         *http.Client
	Tokens             TokenStore
	Logger             *zap.Logger
	Now                func() time.Time

	// MaxRetries bounds retries of idempotent GETs on transient failures.
	MaxRetries    uint64
	RetryInterval time.Duration
}

// Client talks to the directory API.
type Client struct {
	baseURL            string
	clientID           string
	clientFriendlyName string
	httpClient         *http.Client
	tokens             TokenStore
	logger             *zap.Logger
	now                func() time.Time
	maxRetries         uint64
	retryInterval      time.Duration

	refreshGroup singleflight.Group

	refMu      sync.Mutex
	references map[string]string
}

// New creates a directory client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("remote: base URL is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("remote: token store is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}

	return &Client{
		baseURL:            strings.TrimRight(opts.BaseURL, "/"),
		clientID:           opts.ClientID,
		clientFriendlyName: opts.ClientFriendlyName,
		httpClient:         opts.HTTPClient,
		tokens:             opts.Tokens,
		logger:             logging.OrNop(opts.Logger),
		now:                opts.Now,
		maxRetries:         opts.MaxRetries,
		retryInterval:      opts.RetryInterval,
		references:         make(map[string]string),
	}, nil
}

type initiateRequest struct {
	Email              string `json:"email"`
	ClientID           string `json:"clientId"`
	ClientFriendlyName string `json:"clientFriendlyName"`
}

type initiateResponse struct {
	Reference string `json:"reference"`
}

type validateRequest struct {
	Code      string `json:"code"`
	Reference string `json:"reference"`
}

type tokenResponse struct {
	AccessToken           string `json:"access_token"`
	AccessTokenExpiresIn  int64  `json:"access_token_expires_in"`
	RefreshToken          string `json:"refresh_token"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

type devicesResponse struct {
	Devices []models.RemoteDeviceSummary `json:"devices"`
}

type wirePath struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type devicePathsResponse struct {
	Paths []wirePath `json:"paths"`
}

// SendEmailCode starts email verification and returns the server reference.
func (c *Client) SendEmailCode(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", errors.New("remote: email is required")
	}

	body, err := json.Marshal(initiateRequest{
		Email:              email,
		ClientID:           c.clientID,
		ClientFriendlyName: c.clientFriendlyName,
	})
	if err != nil {
		return "", fmt.Errorf("marshal initiate request: %w", err)
	}

	resp, err := c.send(ctx, "initiate", http.MethodPost, "/auth/initiate?type=email", bytes.NewReader(body), "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return "", statusError("send email code", resp, ErrServer)
	}

	var out initiateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Reference == "" {
		return "", fmt.Errorf("send email code: malformed response: %w", ErrServer)
	}

	c.refMu.Lock()
	c.references[out.Reference] = email
	c.refMu.Unlock()

	c.logger.Info("verification code requested", zap.String("email", email))
	return out.Reference, nil
}

// ValidateEmailCode exchanges a verification code for tokens.
func (c *Client) ValidateEmailCode(ctx context.Context, code, reference string) (models.TokenBundle, error) {
	body, err := json.Marshal(validateRequest{Code: strings.TrimSpace(code), Reference: reference})
	if err != nil {
		return models.TokenBundle{}, fmt.Errorf("marshal validate request: %w", err)
	}

	resp, err := c.send(ctx, "token", http.MethodPost, "/auth/token?type=email", bytes.NewReader(body), "")
	if err != nil {
		return models.TokenBundle{}, err
	}
	defer resp.Body.Close()

	switch {
	case isSuccess(resp.StatusCode):
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusGone,
		resp.StatusCode == 498:
		return models.TokenBundle{}, statusError("validate email code", resp, ErrCodeExpired)
	case resp.StatusCode >= 500:
		return models.TokenBundle{}, statusError("validate email code", resp, ErrServer)
	default:
		return models.TokenBundle{}, statusError("validate email code", resp, ErrAuthenticationFailed)
	}

	return c.decodeTokens("validate email code", resp.Body)
}

// Authenticate validates a code for a reference returned by SendEmailCode
// and persists the resulting tokens under the originating email.
func (c *Client) Authenticate(ctx context.Context, code, reference string) (string, models.TokenBundle, error) {
	c.refMu.Lock()
	email, ok := c.references[reference]
	c.refMu.Unlock()
	if !ok {
		return "", models.TokenBundle{}, ErrNoIdentityForReference
	}

	bundle, err := c.ValidateEmailCode(ctx, code, reference)
	if err != nil {
		return "", models.TokenBundle{}, err
	}

	c.refMu.Lock()
	delete(c.references, reference)
	c.refMu.Unlock()

	if err := c.tokens.SaveTokens(email, bundle); err != nil {
		c.logger.Warn("persist tokens failed", zap.String("email", email), zap.Error(err))
	}
	return email, bundle, nil
}

// RefreshAccessToken exchanges a refresh token for a new bundle.
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (models.TokenBundle, error) {
	path := "/auth/refresh?refresh_token=" + url.QueryEscape(refreshToken)
	resp, err := c.send(ctx, "refresh", http.MethodGet, path, nil, "")
	if err != nil {
		metrics.RecordTokenRefresh(false)
		return models.TokenBundle{}, err
	}
	defer resp.Body.Close()

	switch {
	case isSuccess(resp.StatusCode):
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusGone:
		metrics.RecordTokenRefresh(false)
		return models.TokenBundle{}, statusError("refresh access token", resp, ErrUnauthorized)
	default:
		metrics.RecordTokenRefresh(false)
		return models.TokenBundle{}, statusError("refresh access token", resp, ErrServer)
	}

	bundle, err := c.decodeTokens("refresh access token", resp.Body)
	metrics.RecordTokenRefresh(err == nil)
	return bundle, err
}

// Logout forgets the stored tokens for email.
func (c *Client) Logout(email string) error {
	c.refMu.Lock()
	for ref, owner := range c.references {
		if strings.EqualFold(owner, email) {
			delete(c.references, ref)
		}
	}
	c.refMu.Unlock()
	return c.tokens.ClearTokens(email)
}

// ListDevices returns the devices registered to the user.
func (c *Client) ListDevices(ctx context.Context, email string) ([]models.RemoteDeviceSummary, error) {
	var out devicesResponse
	if err := c.getJSON(ctx, email, "devices", "/devices", &out); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out.Devices, nil
}

// GetDevicePaths returns the candidate paths for one device, ordered.
func (c *Client) GetDevicePaths(ctx context.Context, email, deviceID string) ([]models.RemotePath, error) {
	var out devicePathsResponse
	if err := c.getJSON(ctx, email, "device", "/devices/"+url.PathEscape(deviceID), &out); err != nil {
		return nil, fmt.Errorf("get device paths %q: %w", deviceID, err)
	}

	paths := make([]models.RemotePath, 0, len(out.Paths))
	for _, wp := range out.Paths {
		kind, err := models.ParsePathKind(wp.Type)
		if err != nil || strings.TrimSpace(wp.Address) == "" {
			c.logger.Debug("skipping path", zap.String("device_id", deviceID), zap.String("type", wp.Type))
			continue
		}
		paths = append(paths, models.NewRemotePath(kind, strings.TrimSpace(wp.Address), wp.Port))
	}
	return models.OrderPaths(paths), nil
}

// FetchDevices lists the user's devices and resolves each one's paths.
// Unauthorized aborts the fetch; other per-device failures leave that
// device without paths.
func (c *Client) FetchDevices(ctx context.Context, email string) ([]models.RemoteDevice, error) {
	summaries, err := c.ListDevices(ctx, email)
	if err != nil {
		return nil, err
	}

	devices := make([]models.RemoteDevice, len(summaries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultPathConcurrency)
	for i, s := range summaries {
		devices[i] = models.RemoteDevice{
			DeviceID:              s.DeviceID,
			FriendlyName:          s.FriendlyName,
			Hostname:              s.Hostname,
			CertificateCommonName: s.CertificateCommonName,
		}
		g.Go(func() error {
			paths, err := c.GetDevicePaths(gctx, email, s.DeviceID)
			if err != nil {
				if errors.Is(err, ErrUnauthorized) || gctx.Err() != nil {
					return err
				}
				c.logger.Warn("device paths unavailable", zap.String("device_id", s.DeviceID), zap.Error(err))
				return nil
			}
			devices[i].Paths = paths
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return devices, nil
}

// accessToken returns a usable access token, refreshing it at most once.
func (c *Client) accessToken(ctx context.Context, email string) (string, error) {
	bundle, err := c.tokens.LoadTokens(email)
	if err != nil {
		return "", fmt.Errorf("load tokens: %v: %w", err, ErrUnauthorized)
	}
	if !bundle.AccessExpired(c.now()) {
		return bundle.AccessToken, nil
	}

	v, err, _ := c.refreshGroup.Do(strings.ToLower(email), func() (any, error) {
		return c.refreshStored(ctx, email, bundle)
	})
	if err != nil {
		return "", err
	}
	return v.(models.TokenBundle).AccessToken, nil
}

func (c *Client) refreshStored(ctx context.Context, email string, stale models.TokenBundle) (models.TokenBundle, error) {
	// Another caller may have refreshed while we waited to get here.
	if current, err := c.tokens.LoadTokens(email); err == nil && !current.AccessExpired(c.now()) {
		return current, nil
	}

	if stale.RefreshExpired(c.now()) {
		c.clearTokens(email)
		return models.TokenBundle{}, fmt.Errorf("refresh token expired: %w", ErrUnauthorized)
	}

	fresh, err := c.RefreshAccessToken(ctx, stale.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			c.clearTokens(email)
		}
		return models.TokenBundle{}, err
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stale.RefreshToken
		fresh.RefreshTokenExpiry = stale.RefreshTokenExpiry
	}

	if err := c.tokens.SaveTokens(email, fresh); err != nil {
		c.logger.Warn("persist refreshed tokens failed", zap.String("email", email), zap.Error(err))
	}
	c.logger.Debug("access token refreshed", zap.String("email", email))
	return fresh, nil
}

func (c *Client) clearTokens(email string) {
	if err := c.tokens.ClearTokens(email); err != nil {
		c.logger.Warn("clear tokens failed", zap.String("email", email), zap.Error(err))
	}
}

func (c *Client) getJSON(ctx context.Context, email, endpoint, path string, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx)

	operation := func() error {
		token, err := c.accessToken(ctx, email)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.send(ctx, endpoint, http.MethodGet, path, nil, token)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case isSuccess(resp.StatusCode):
		case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(statusError(endpoint, resp, ErrUnauthorized))
		case resp.StatusCode >= 500:
			return statusError(endpoint, resp, ErrServer)
		default:
			return backoff.Permanent(statusError(endpoint, resp, ErrServer))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%s: malformed response: %v: %w", endpoint, err, ErrServer))
		}
		return nil
	}

	return backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		c.logger.Debug("retrying directory request",
			zap.String("endpoint", endpoint),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (c *Client) send(ctx context.Context, endpoint, method, path string, body io.Reader, bearer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordDirectoryRequest(endpoint, 0, time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s request: %v: %w", endpoint, err, ErrServerUnreachable)
	}
	metrics.RecordDirectoryRequest(endpoint, resp.StatusCode, time.Since(start))
	return resp, nil
}

func (c *Client) decodeTokens(op string, body io.Reader) (models.TokenBundle, error) {
	var tr tokenResponse
	if err := json.NewDecoder(body).Decode(&tr); err != nil || tr.AccessToken == "" {
		return models.TokenBundle{}, fmt.Errorf("%s: malformed token response: %w", op, ErrServer)
	}

	now := c.now()
	lifetime := time.Duration(tr.AccessTokenExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	bundle := models.TokenBundle{
		AccessToken:       tr.AccessToken,
		AccessTokenExpiry: now.Add(lifetime),
		RefreshToken:      tr.RefreshToken,
	}
	if tr.RefreshTokenExpiresIn > 0 {
		bundle.RefreshTokenExpiry = now.Add(time.Duration(tr.RefreshTokenExpiresIn) * time.Second)
	}
	return bundle, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func statusError(op string, resp *http.Response, kind error) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(raw)),
		Err:        kind,
	}
}

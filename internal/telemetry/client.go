package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jkaberg/socest/internal/netutil"
	"github.com/sirupsen/logrus"
)

// ErrInvalidSoC is returned when the service answers with a value that is
// not a percentage.
var ErrInvalidSoC = errors.New("telemetry service returned invalid SoC")

// Credentials identify the vehicle account linked to a charge point.
type Credentials struct {
	ChargePoint  int
	Username     string
	Password     string
	ClientID     string
	ClientSecret string
}

// Fetcher returns the current SoC percentage of the vehicle behind creds.
type Fetcher interface {
	FetchSoC(ctx context.Context, creds Credentials) (float64, error)
}

// Client talks to the vehicle-telemetry service: an OAuth2 password grant
// followed by a bearer-authenticated SoC request. A fresh token is obtained
// on every fetch since fetches are tens of minutes apart.
type Client struct {
	http      *resty.Client
	tokenPath string
	socPath   string
	logger    *logrus.Logger
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type socResponse struct {
	SoC *float64 `json:"soc"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, tokenPath, socPath string, timeout time.Duration, logger *logrus.Logger) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetTransport(netutil.NewTransport(logger)).
		SetHeader("Accept", "application/json")

	return &Client{
		http:      rc,
		tokenPath: tokenPath,
		socPath:   socPath,
		logger:    logger,
	}
}

// FetchSoC logs in with creds and returns the reported SoC.
func (c *Client) FetchSoC(ctx context.Context, creds Credentials) (float64, error) {
	token, err := c.login(ctx, creds)
	if err != nil {
		return 0, fmt.Errorf("login failed: %w", err)
	}

	var body socResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&body).
		SetError(&apiErr).
		Get(c.socPath)
	if err != nil {
		return 0, fmt.Errorf("SoC request failed: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("SoC request returned status %d: %s", resp.StatusCode(), describe(apiErr, resp))
	}
	if body.SoC == nil || *body.SoC < 0 || *body.SoC > 100 {
		return 0, ErrInvalidSoC
	}

	c.logger.WithFields(logrus.Fields{
		"charge_point": creds.ChargePoint,
		"soc":          *body.SoC,
		"duration":     resp.Time(),
	}).Debug("Fetched SoC from telemetry service")

	return *body.SoC, nil
}

func (c *Client) login(ctx context.Context, creds Credentials) (string, error) {
	var tok tokenResponse
	var apiErr errorResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "password",
			"username":      creds.Username,
			"password":      creds.Password,
			"client_id":     creds.ClientID,
			"client_secret": creds.ClientSecret,
		}).
		SetResult(&tok).
		SetError(&apiErr).
		Post(c.tokenPath)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode(), describe(apiErr, resp))
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access token")
	}
	return tok.AccessToken, nil
}

func describe(e errorResponse, resp *resty.Response) string {
	switch {
	case e.Description != "":
		return e.Description
	case e.Error != "":
		return e.Error
	case resp.StatusCode() == http.StatusUnauthorized:
		return "unauthorized"
	default:
		return resp.Status()
	}
}

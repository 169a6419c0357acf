// Package refresh exchanges refresh tokens for new access tokens, with
// retry, backoff, and closed error classification. The engine has no
// persistence side effects: the caller owns write-back.
package refresh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/aseleznov/connectord/internal/errs"
)

// Refresh methods recorded on the Result for observability.
const (
	MethodBroker = "broker"
	MethodDirect = "direct"
)

// Request carries everything needed to attempt a refresh.
type Request struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// Result is a successful exchange. RefreshToken is non-empty only when the
// provider rotated it.
type Result struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Method       string
}

// Options configures an Engine.
type Options struct {
	// BrokerURL enables the broker path when non-empty.
	BrokerURL    string
	BrokerSecret string

	MaxAttempts int
	BaseBackoff time.Duration
	Timeout     time.Duration

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Engine performs token refreshes: broker first, direct provider call on
// broker unavailability.
type Engine struct {
	broker      *brokerClient
	http        *http.Client
	maxAttempts int
	baseBackoff time.Duration
	timeout     time.Duration
	logger      *zap.Logger
}

// NewEngine constructs an Engine, applying defaults for zero options.
func NewEngine(opts Options) *Engine {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		http:        httpClient,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		timeout:     opts.Timeout,
		logger:      logger,
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	if e.baseBackoff <= 0 {
		e.baseBackoff = time.Second
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	if opts.BrokerURL != "" {
		e.broker = &brokerClient{
			url:    opts.BrokerURL,
			secret: []byte(opts.BrokerSecret),
			http:   httpClient,
			now:    time.Now,
		}
	}
	return e
}

// Refresh exchanges a refresh token for a new access token. Transient
// failures are retried with exponential backoff up to the attempt cap;
// failures requiring re-auth propagate immediately.
func (e *Engine) Refresh(ctx context.Context, req Request) (*Result, error) {
	var res *Result

	backoff := retry.WithMaxRetries(uint64(e.maxAttempts-1), retry.NewExponential(e.baseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := e.attempt(ctx, req)
		if err != nil {
			var re *errs.RefreshError
			if errors.As(err, &re) && re.ShouldRetry() {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debug("token refreshed",
		zap.String("method", res.Method),
		zap.Time("expires_at", res.ExpiresAt),
	)
	return res, nil
}

// attempt tries the broker first and falls back to the direct provider call
// when the broker itself is unreachable or failing. Provider verdicts passed
// through the broker (invalid_grant and friends) do not trigger a fallback.
func (e *Engine) attempt(ctx context.Context, req Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.broker != nil {
		res, err := e.broker.refresh(ctx, req)
		if err == nil {
			return res, nil
		}
		var re *errs.RefreshError
		if errors.As(err, &re) && (re.Kind == errs.ServiceUnavailable || re.Kind == errs.NetworkError) {
			e.logger.Warn("broker unavailable, falling back to direct refresh",
				zap.String("kind", string(re.Kind)),
				zap.Error(err),
			)
		} else {
			return nil, err
		}
	}

	return e.direct(ctx, req)
}

func (e *Engine) direct(ctx context.Context, req Request) (*Result, error) {
	cfg := &oauth2.Config{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: req.TokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.http)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: req.RefreshToken})

	tok, err := ts.Token()
	if err != nil {
		return nil, classifyOAuthErr(err)
	}

	res := &Result{
		AccessToken: tok.AccessToken,
		ExpiresAt:   tok.Expiry,
		Method:      MethodDirect,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		res.Scope = scope
	}
	// Report rotation only.
	if tok.RefreshToken != "" && tok.RefreshToken != req.RefreshToken {
		res.RefreshToken = tok.RefreshToken
	}
	return res, nil
}

package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// clientAssertionType is the RFC 7523 JWT bearer assertion type.
const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// brokerClient talks to the shared OAuth broker: a provider-agnostic refresh
// endpoint authenticated with an HS256 client assertion (client_secret_jwt).
type brokerClient struct {
	url    string
	secret []byte
	http   *http.Client
	now    func() time.Time
}

type brokerResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`

	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b *brokerClient) assertion(clientID string) (string, error) {
	jti, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	now := b.now()
	claims := jwt.MapClaims{
		"iss": clientID,
		"sub": clientID,
		"aud": b.url,
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"jti": jti.String(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
}

// refresh exchanges the refresh token via the broker. Failures are returned
// already classified.
func (b *brokerClient) refresh(ctx context.Context, req Request) (*Result, error) {
	assertion, err := b.assertion(req.ClientID)
	if err != nil {
		return nil, fmt.Errorf("sign client assertion: %w", err)
	}

	form := url.Values{
		"grant_type":            {"refresh_token"},
		"refresh_token":         {req.RefreshToken},
		"client_id":             {req.ClientID},
		"token_url":             {req.TokenURL},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.http.Do(httpReq)
	if err != nil {
		return nil, Classify(0, "", "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, Classify(0, "", "", err)
	}

	var out brokerResponse
	if jsonErr := json.Unmarshal(body, &out); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return nil, Classify(0, "", "", fmt.Errorf("decode broker response: %w", jsonErr))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, Classify(resp.StatusCode, out.ErrorCode, out.ErrorDescription,
			fmt.Errorf("broker status %d", resp.StatusCode))
	}

	return &Result{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		ExpiresAt:    b.now().Add(time.Duration(out.ExpiresIn) * time.Second),
		Scope:        out.Scope,
		Method:       MethodBroker,
	}, nil
}

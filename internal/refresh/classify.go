package refresh

import (
	"errors"
	"strings"

	"golang.org/x/oauth2"

	"github.com/aseleznov/connectord/internal/errs"
)

// Classify maps a token-endpoint outcome onto the closed RefreshError kind
// set. It is the single classification point for both refresh paths, so the
// retry/reauth decision stays exhaustive and testable without an HTTP client.
func Classify(status int, oauthCode, description string, transportErr error) *errs.RefreshError {
	// No HTTP status at all means the request never completed: timeouts,
	// refused connections, DNS failures.
	if transportErr != nil && status == 0 {
		return &errs.RefreshError{Kind: errs.NetworkError, Err: transportErr}
	}

	switch {
	case status == 429:
		return &errs.RefreshError{Kind: errs.RateLimited, Err: transportErr}
	case status >= 500:
		return &errs.RefreshError{Kind: errs.ServiceUnavailable, Err: transportErr}
	}

	switch oauthCode {
	case "invalid_grant":
		// Providers report a dead refresh token as invalid_grant with a
		// telltale description; other invalid_grant causes still require
		// re-auth but keep the distinct kind for observability.
		desc := strings.ToLower(description)
		if strings.Contains(desc, "expired") || strings.Contains(desc, "revoked") ||
			strings.Contains(desc, "refresh token") {
			return &errs.RefreshError{Kind: errs.InvalidRefreshToken, Err: transportErr}
		}
		return &errs.RefreshError{Kind: errs.InvalidGrant, Err: transportErr}
	case "invalid_client", "unauthorized_client":
		return &errs.RefreshError{Kind: errs.InvalidClient, Err: transportErr}
	}

	return &errs.RefreshError{Kind: errs.UnknownRefresh, Err: transportErr}
}

// classifyOAuthErr funnels an x/oauth2 error through Classify.
func classifyOAuthErr(err error) *errs.RefreshError {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return Classify(status, re.ErrorCode, re.ErrorDescription, err)
	}
	return Classify(0, "", "", err)
}

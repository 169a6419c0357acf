package errs

import "fmt"

// AuthCode identifies a user-visible lifecycle failure.
type AuthCode string

// Closed set of user-visible codes.
const (
	NoPlan             AuthCode = "NO_PLAN"
	PlanExpired        AuthCode = "PLAN_EXPIRED"
	ActiveLimitReached AuthCode = "ACTIVE_LIMIT_REACHED"
	InstanceNotFound   AuthCode = "INSTANCE_NOT_FOUND"
	InstanceExpired    AuthCode = "INSTANCE_EXPIRED"
	InstanceNotExpired AuthCode = "INSTANCE_NOT_EXPIRED"
)

// AuthError is surfaced to callers for actionable user messaging.
// Count/Max are populated only for ActiveLimitReached.
type AuthError struct {
	Code  AuthCode
	Count int
	Max   int
}

func (e *AuthError) Error() string {
	if e.Code == ActiveLimitReached {
		return fmt.Sprintf("%s: %d active of %d allowed", e.Code, e.Count, e.Max)
	}
	return string(e.Code)
}

// Auth constructs an AuthError for the given code.
func Auth(code AuthCode) *AuthError { return &AuthError{Code: code} }

// LimitReached constructs an ActiveLimitReached error carrying the tally.
func LimitReached(count, max int) *AuthError {
	return &AuthError{Code: ActiveLimitReached, Count: count, Max: max}
}

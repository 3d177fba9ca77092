package session

import (
	"strings"

	"github.com/pkg/errors"
)

type AuthErrorKind int

const (
	InvalidCredentials AuthErrorKind = iota + 1
	AccountNotFound
	UsernameTaken
	EmailTaken
	LoginFailed
	RegistrationFailed
	UpdateFailed
	NotAuthenticated
)

var kindNames = map[AuthErrorKind]string{
	InvalidCredentials: "invalid_credentials",
	AccountNotFound:    "account_not_found",
	UsernameTaken:      "username_taken",
	EmailTaken:         "email_taken",
	LoginFailed:        "login_failed",
	RegistrationFailed: "registration_failed",
	UpdateFailed:       "update_failed",
	NotAuthenticated:   "not_authenticated",
}

func (k AuthErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

var userMessages = map[AuthErrorKind]string{
	InvalidCredentials: "Incorrect email or password.",
	AccountNotFound:    "No account found with that email.",
	UsernameTaken:      "That username is already taken.",
	EmailTaken:         "An account with that email already exists.",
	LoginFailed:        "Login failed. Please try again.",
	RegistrationFailed: "Registration failed. Please try again.",
	UpdateFailed:       "Could not save your changes. Please try again.",
	NotAuthenticated:   "You are not logged in.",
}

// AuthError is the only error type returned across the session boundary.
// Error() is a message fit for the user; the collaborator's error is kept
// as the cause.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string { return userMessages[e.Kind] }

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError of the same kind, so errors.Is(err, ErrAccountNotFound) works.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidCredentials = &AuthError{Kind: InvalidCredentials}
	ErrAccountNotFound    = &AuthError{Kind: AccountNotFound}
	ErrUsernameTaken      = &AuthError{Kind: UsernameTaken}
	ErrEmailTaken         = &AuthError{Kind: EmailTaken}
	ErrLoginFailed        = &AuthError{Kind: LoginFailed}
	ErrRegistrationFailed = &AuthError{Kind: RegistrationFailed}
	ErrUpdateFailed       = &AuthError{Kind: UpdateFailed}
	ErrNotAuthenticated   = &AuthError{Kind: NotAuthenticated}
)

func newAuthError(kind AuthErrorKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

func mapLoginError(err error) *AuthError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return newAuthError(AccountNotFound, err)
	case strings.Contains(msg, "incorrect"):
		return newAuthError(InvalidCredentials, err)
	default:
		return newAuthError(LoginFailed, err)
	}
}

// mapRegisterError only reports a conflict when the server says the value is
// in use; validation errors that mention a field get the fallback kind.
func mapRegisterError(err error, fallback AuthErrorKind) *AuthError {
	msg := strings.ToLower(err.Error())
	if !conflict(msg) {
		return newAuthError(fallback, err)
	}
	switch {
	case strings.Contains(msg, "username"):
		return newAuthError(UsernameTaken, err)
	case strings.Contains(msg, "email"):
		return newAuthError(EmailTaken, err)
	default:
		return newAuthError(fallback, err)
	}
}

func conflict(msg string) bool {
	for _, word := range []string{"taken", "already", "exists"} {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// statusCoder is implemented by collaborator errors that carry an HTTP status.
type statusCoder interface {
	StatusCode() int
}

// rejected reports whether the identity service refused the token itself.
func rejected(err error) bool {
	var sc statusCoder
	return errors.As(err, &sc) && sc.StatusCode() == 401
}

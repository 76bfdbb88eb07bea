package auth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Backend error codes the client maps to user-facing messages. Anything
// else falls through to a generic retry prompt.
const (
	CodeEmailNotFound      = "EMAIL_NOT_FOUND"
	CodeInvalidPassword    = "INVALID_PASSWORD"
	CodeInvalidCredentials = "INVALID_LOGIN_CREDENTIALS"
	CodeInvalidEmail       = "INVALID_EMAIL"
	CodeEmailExists        = "EMAIL_EXISTS"
	CodeWeakPassword       = "WEAK_PASSWORD"
	CodeUserDisabled       = "USER_DISABLED"
	CodeTooManyAttempts    = "TOO_MANY_ATTEMPTS_TRY_LATER"
)

var userMessages = map[string]string{
	CodeEmailNotFound:      "No account found with this email.",
	CodeInvalidPassword:    "Incorrect password. Please try again.",
	CodeInvalidCredentials: "Incorrect email or password. Please try again.",
	CodeInvalidEmail:       "Please enter a valid email address.",
	CodeEmailExists:        "This email is already registered.",
	CodeWeakPassword:       "Password should be at least 6 characters.",
	CodeUserDisabled:       "This account has been disabled.",
	CodeTooManyAttempts:    "Too many attempts. Please try again later.",
}

const genericUserMessage = "Something went wrong. Please try again."

// Error is a rejected identity request. Code is the backend's error code,
// e.g. EMAIL_NOT_FOUND.
type Error struct {
	Code       string
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s (status %d)", e.Code, e.HTTPStatus)
}

// UserMessage returns the message shown to the user for this error.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	return genericUserMessage
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseError(httpStatus int, body []byte) error {
	var resp errorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error.Message == "" {
		return &Error{Code: fmt.Sprintf("HTTP_%d", httpStatus), HTTPStatus: httpStatus}
	}
	// Codes may carry a detail suffix, e.g. "WEAK_PASSWORD : Password
	// should be at least 6 characters".
	code := resp.Error.Message
	if idx := strings.Index(code, " "); idx > 0 {
		code = code[:idx]
	}
	return &Error{Code: code, HTTPStatus: httpStatus}
}

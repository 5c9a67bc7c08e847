package errors

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Relay-specific error constructors

// WebSocketError creates an error for WebSocket-related issues
func WebSocketError(operation string, cause error) *AppError {
	var code string
	var severity ErrorSeverity
	var userMessage string

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
		userMessage = "Connection closed normally."
	} else if websocket.IsCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		code = "WS_ABNORMAL_CLOSURE"
		severity = SeverityMedium
		userMessage = "Connection lost unexpectedly."
	} else {
		code = "WS_ERROR"
		severity = SeverityMedium
		userMessage = "WebSocket connection error occurred."
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("WebSocket %s failed", operation)).
		WithSeverity(severity).
		WithUserMessage(userMessage)
}

// MessageValidationError creates an error for message validation failures
func MessageValidationError(messageID, reason string) *AppError {
	return New(ErrorTypeValidation, "MESSAGE_VALIDATION_FAILED", fmt.Sprintf("Message validation failed: %s", reason)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("Message ID: %s", messageID)).
		WithUserMessage("The submitted message is invalid. Please check the message fields and try again.")
}

// TokenRegistrationError creates an error for push-token registration failures
func TokenRegistrationError(reason string) *AppError {
	return New(ErrorTypeValidation, "TOKEN_REGISTRATION_FAILED", fmt.Sprintf("Token registration failed: %s", reason)).
		WithSeverity(SeverityLow).
		WithUserMessage("The push token registration request is invalid.")
}

// ConnectionLimitError creates an error when connection limits are exceeded
func ConnectionLimitError(currentCount, maxCount int) *AppError {
	return New(ErrorTypeRateLimit, "CONNECTION_LIMIT_EXCEEDED",
		fmt.Sprintf("Connection limit exceeded: %d/%d", currentCount, maxCount)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Too many active connections. Please try again later.")
}

// ClientBannedError creates an error for banned clients
func ClientBannedError(reason string, duration string) *AppError {
	return New(ErrorTypeRateLimit, "CLIENT_BANNED", fmt.Sprintf("Client banned: %s", reason)).
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("Ban duration: %s", duration)).
		WithUserMessage("Your client has been temporarily banned due to policy violations.")
}

// PushProviderError creates an error for push-provider failures
func PushProviderError(classification string, cause error) *AppError {
	return Wrap(cause, ErrorTypeExternal, "PUSH_PROVIDER_ERROR",
		fmt.Sprintf("Push provider call failed: %s", classification)).
		WithSeverity(SeverityLow).
		WithUserMessage("Push notification could not be delivered.")
}

// TokenStoreError creates an error for persistent token store failures
func TokenStoreError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "TOKEN_STORE_ERROR",
		fmt.Sprintf("Token store %s failed", operation)).
		WithSeverity(SeverityMedium).
		WithUserMessage("Push token could not be persisted. It remains active for this session.")
}

// DatabaseConnectionError creates an error for database connection issues
func DatabaseConnectionError(cause error) *AppError {
	return Wrap(cause, ErrorTypeDatabase, "DB_CONNECTION_ERROR", "Database connection failed").
		WithSeverity(SeverityCritical).
		WithUserMessage("Database is temporarily unavailable. Please try again later.")
}

// ConfigurationError creates an error for configuration issues
func ConfigurationError(field, reason string) *AppError {
	return New(ErrorTypeInternal, "CONFIGURATION_ERROR", fmt.Sprintf("Configuration error in %s: %s", field, reason)).
		WithSeverity(SeverityCritical).
		WithUserMessage("Service is misconfigured. Please contact system administrator.")
}

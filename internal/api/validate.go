package api

import (
	"strconv"
	"unicode/utf8"
)

// maxParams is the maximum number of call parameters per request.
const maxParams = 32

// maxParamKeyLen is the maximum length for a call parameter name.
const maxParamKeyLen = 64

// maxParamValueLen is the maximum length for a call parameter value.
const maxParamValueLen = 1000

// maxTokenLen is the maximum length for a capability token.
const maxTokenLen = 8192

// maxDigitsLen is the maximum number of DTMF digits per request.
const maxDigitsLen = 64

// validateStringLen checks that a string does not exceed maxLen runes.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateParams checks call parameters forwarded to the signaling server
// as SIP headers, so names and values must be printable.
func validateParams(params map[string]string) string {
	if len(params) > maxParams {
		return "params may contain at most " + strconv.Itoa(maxParams) + " entries"
	}
	for k, v := range params {
		if msg := validateRequiredStringLen("param name", k, maxParamKeyLen); msg != "" {
			return msg
		}
		if containsControlChars(k) || containsControlChars(v) {
			return "param " + strconv.Quote(k) + " contains invalid characters"
		}
		if msg := validateStringLen("param "+strconv.Quote(k), v, maxParamValueLen); msg != "" {
			return msg
		}
	}
	return ""
}

// containsControlChars checks whether a string has control characters,
// including CR and LF which would break header framing.
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 || r == 127 {
			return true
		}
	}
	return false
}

// validateNoControlChars rejects strings with control characters.
func validateNoControlChars(field, value string) string {
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

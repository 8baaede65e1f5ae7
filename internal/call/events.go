package call

import (
	"strings"

	"github.com/tidwall/gjson"
)

var errorMessagePaths = []string{"message", "error.message", "error", "reason"}

// errorMessage pulls a readable message out of a call.error payload.
func errorMessage(payload []byte) string {
	if !gjson.ValidBytes(payload) {
		if msg := strings.TrimSpace(string(payload)); msg != "" {
			return msg
		}
		return "unknown error"
	}
	for _, path := range errorMessagePaths {
		if v := gjson.GetBytes(payload, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return "unknown error"
}

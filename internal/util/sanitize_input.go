package util

import (
	"html"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

var suspiciousMarkers = []string{"<", ">", "${", "{{", "}}", "script", "onerror", "onload", "\x00"}

// ContainsSuspicious reports script or template injection markers in s.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range suspiciousMarkers {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// ContainsTraversal reports parent-directory segments in a resource path.
func ContainsTraversal(path string) bool {
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

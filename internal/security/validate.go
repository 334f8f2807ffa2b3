package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
)

// DocumentIDPattern validates document IDs
var DocumentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// Validation errors
var (
	ErrEmptyDocumentID   = errors.New("document id is empty")
	ErrDocumentIDTooLong = errors.New("document id too long")
	ErrDocumentIDChars   = errors.New("document id contains invalid characters")
)

// ValidateDocumentID checks the id format and length
func ValidateDocumentID(docID string, maxLen int) error {
	if docID == "" {
		return ErrEmptyDocumentID
	}
	if maxLen > 0 && len(docID) > maxLen {
		return fmt.Errorf("%w (max %d characters)", ErrDocumentIDTooLong, maxLen)
	}
	if !DocumentIDPattern.MatchString(docID) {
		return ErrDocumentIDChars
	}
	return nil
}

// ClientIP returns the caller address, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

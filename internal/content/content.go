package content

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"parley/internal/models"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	policy       = bluemonday.UGCPolicy()
	markdown     = goldmark.New(goldmark.WithExtensions(extension.Strikethrough, extension.Linkify), goldmark.WithRendererOptions(html.WithHardWraps()))
	identifierRe = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)
)

// Sanitize removes unsafe HTML from the input string using the UGC policy.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// Render converts markdown message content into sanitized HTML.
func Render(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return string(policy.SanitizeBytes(buf.Bytes())), nil
}

// PrepareMessage trims and validates message content. A message needs either
// text or at least one attachment; text is limited to maxLength runes.
func PrepareMessage(content string, attachments []models.Attachment, maxLength int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return "", fmt.Errorf("message is empty: %w", models.ErrValidation)
	}
	if err := checkLength(content, maxLength); err != nil {
		return "", err
	}
	return content, nil
}

// PrepareEdit trims and validates edited content, which can never be empty.
func PrepareEdit(content string, maxLength int) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("content cannot be empty: %w", models.ErrValidation)
	}
	if err := checkLength(content, maxLength); err != nil {
		return "", err
	}
	return content, nil
}

func checkLength(content string, maxLength int) error {
	if maxLength <= 0 {
		maxLength = models.MaxContentLength
	}
	if n := utf8.RuneCountInString(content); n > maxLength {
		return fmt.Errorf("content has %d characters, limit is %d: %w", n, maxLength, models.ErrValidation)
	}
	return nil
}

// ValidateIdentifier checks user and conversation identifiers issued through
// the admin API (alphanumeric, dot, dash, underscore, colon).
func ValidateIdentifier(id string) error {
	if id == "" {
		return errors.New("identifier cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("identifier is longer than 128 characters")
	}
	if !identifierRe.MatchString(id) {
		return errors.New("identifier contains invalid characters (allowed: alphanumeric, dot, dash, underscore, colon)")
	}
	return nil
}

// Package validate holds the pure input-validation and sanitation rules for
// usernames, room names and message content.
package validate

import (
	"errors"
	"regexp"
	"strings"
)

const (
	MinUsernameLen = 2
	MaxUsernameLen = 30
	MinRoomNameLen = 3
	MaxRoomNameLen = 50

	// MaxContentLength caps message content after sanitation.
	MaxContentLength = 4096
)

var (
	usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	roomNameRe = regexp.MustCompile(`^[A-Za-z0-9_\- ]+$`)

	ErrEmptyContent    = errors.New("content is empty")
	ErrContentTooLong  = errors.New("content exceeds maximum length")
	ErrSQLShape        = errors.New("content matches SQL injection shape")
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidRoomName = errors.New("invalid room name")
)

// Username checks length and charset for a username.
func Username(name string) error {
	if len(name) < MinUsernameLen || len(name) > MaxUsernameLen || !usernameRe.MatchString(name) {
		return ErrInvalidUsername
	}
	return nil
}

// RoomName checks length and charset for a room name.
func RoomName(name string) error {
	if len(name) < MinRoomNameLen || len(name) > MaxRoomNameLen || !roomNameRe.MatchString(name) {
		return ErrInvalidRoomName
	}
	return nil
}

// Content checks that raw message content is non-empty and within the cap.
func Content(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// sqlDenylist contains lowercase substrings that mark SQL-shaped input.
// Matching input is rejected outright rather than repaired.
var sqlDenylist = []string{
	"union select",
	"select * from",
	"insert into",
	"delete from",
	"drop table",
	"drop database",
	"truncate table",
	"' or '1'='1",
	"\" or \"1\"=\"1",
	"1=1--",
	"; --",
	"--",
	"/*",
	"*/",
	"xp_",
	"exec(",
	"execute(",
}

// xssDenylist contains lowercase sequences removed before escaping. Paired
// tags have their whole element removed; the rest are deleted in place.
var xssDenylist = []string{
	"javascript:",
	"vbscript:",
	"<object",
	"<embed",
	"</object>",
	"</embed>",
}

// pairedTags have their body stripped together with the tags themselves.
var pairedTags = []string{"script", "iframe"}

// eventAttrRe matches inline event handler attributes (onclick=, onload=, ...).
var eventAttrRe = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)

// Sanitize normalizes message content for storage and display. The pass is
// deterministic and idempotent: sanitizing already-sanitized content is a
// no-op. SQL-shaped input is rejected with ErrSQLShape.
func Sanitize(content string) (string, error) {
	s := stripControlBytes(content)

	lower := strings.ToLower(s)
	for _, deny := range sqlDenylist {
		if strings.Contains(lower, deny) {
			return "", ErrSQLShape
		}
	}

	for _, tag := range pairedTags {
		s = stripPairedTag(s, tag)
	}
	lower = strings.ToLower(s)
	for _, deny := range xssDenylist {
		for {
			i := strings.Index(lower, deny)
			if i < 0 {
				break
			}
			s = s[:i] + s[i+len(deny):]
			lower = lower[:i] + lower[i+len(deny):]
		}
	}
	s = eventAttrRe.ReplaceAllString(s, "")

	s = escapeEntities(s)
	s = collapseWhitespace(s)

	if len(s) > MaxContentLength {
		return "", ErrContentTooLong
	}
	return s, nil
}

// stripControlBytes removes 0x00-0x08, 0x0B, 0x0C, 0x0E-0x1F and 0x7F.
// Tab, LF and CR survive; whitespace collapse handles them later.
func stripControlBytes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 0x00 && r <= 0x08,
			r == 0x0B, r == 0x0C,
			r >= 0x0E && r <= 0x1F,
			r == 0x7F:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripPairedTag removes <tag ...> ... </tag> elements, case-insensitively.
// An unclosed opening tag is removed to the end of the string.
func stripPairedTag(s, tag string) string {
	open := "<" + tag
	close := "</" + tag + ">"
	for {
		lower := strings.ToLower(s)
		start := strings.Index(lower, open)
		if start < 0 {
			return s
		}
		end := strings.Index(lower[start:], close)
		if end < 0 {
			return s[:start]
		}
		s = s[:start] + s[start+end+len(close):]
	}
}

// knownEntities are the escapes this sanitizer produces. An ampersand that
// already starts one of these passes through so the pass stays idempotent.
var knownEntities = []string{"&lt;", "&gt;", "&quot;", "&#x27;", "&#x2F;", "&amp;"}

func escapeEntities(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/4)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '"':
			b.WriteString("&quot;")
		case '\'':
			b.WriteString("&#x27;")
		case '/':
			b.WriteString("&#x2F;")
		case '&':
			if startsKnownEntity(s[i:]) {
				b.WriteByte(c)
			} else {
				b.WriteString("&amp;")
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func startsKnownEntity(s string) bool {
	for _, e := range knownEntities {
		if strings.HasPrefix(s, e) {
			return true
		}
	}
	return false
}

// collapseWhitespace replaces any run of three or more whitespace characters
// with a single space.
func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	run := 0
	var pending []byte
	flush := func() {
		if run >= 3 {
			b.WriteByte(' ')
		} else {
			b.Write(pending)
		}
		run = 0
		pending = pending[:0]
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			run++
			pending = append(pending, c)
			continue
		}
		if run > 0 {
			flush()
		}
		b.WriteByte(c)
	}
	if run > 0 {
		flush()
	}
	return b.String()
}

// Package format turns contact submissions into provider-ready message text.
package format

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DimaBagZ/portfol-bagz-sub000/internal/domain"
)

// MaxMessageLength is the provider's limit for a single text message, in characters.
const MaxMessageLength = 4096

// TimestampLayout renders as DD.MM.YYYY, HH:MM.
const TimestampLayout = "02.01.2006, 15:04"

// escapeSet lists markup-control characters. '.' and '!' are deliberately absent.
const escapeSet = "*_[]()~`>#+-=|{}"

var escaper = newEscaper()

func newEscaper() *strings.Replacer {
	pairs := make([]string, 0, len(escapeSet)*2)
	for _, r := range escapeSet {
		pairs = append(pairs, string(r), `\`+string(r))
	}
	return strings.NewReplacer(pairs...)
}

// Escape prefixes every markup-control character with a backslash.
func Escape(text string) string {
	return escaper.Replace(text)
}

// Formatter renders submissions using a fixed template.
type Formatter struct {
	Location *time.Location
}

func NewFormatter(loc *time.Location) Formatter {
	if loc == nil {
		loc = time.Local
	}
	return Formatter{Location: loc}
}

// Format escapes each user-supplied field and interpolates it with the timestamp.
func (f Formatter) Format(sub domain.Submission, at time.Time) string {
	loc := f.Location
	if loc == nil {
		loc = time.Local
	}

	var b strings.Builder
	b.WriteString("📬 *New message from the portfolio site*\n\n")
	b.WriteString("👤 *Name:* ")
	b.WriteString(Escape(sub.Name))
	b.WriteString("\n📧 *Email:* ")
	b.WriteString(Escape(sub.Email))
	b.WriteString("\n📝 *Subject:* ")
	b.WriteString(Escape(sub.Subject))
	b.WriteString("\n\n💬 *Message:*\n")
	b.WriteString(Escape(sub.Message))
	b.WriteString("\n\n🕐 *Sent:* ")
	b.WriteString(at.In(loc).Format(TimestampLayout))
	return b.String()
}

// SplitIfTooLong greedily packs whole lines into chunks of at most maxLength
// characters. A line longer than maxLength becomes its own oversized chunk.
func SplitIfTooLong(text string, maxLength int) []string {
	if maxLength <= 0 {
		maxLength = MaxMessageLength
	}
	if utf8.RuneCountInString(text) <= maxLength {
		return []string{text}
	}

	var (
		chunks  []string
		current strings.Builder
		curLen  int
	)
	flush := func() {
		chunks = append(chunks, current.String())
		current.Reset()
		curLen = 0
	}

	started := false
	for _, line := range strings.Split(text, "\n") {
		lineLen := utf8.RuneCountInString(line)
		switch {
		case !started:
			started = true
		case curLen+1+lineLen > maxLength:
			flush()
		default:
			current.WriteByte('\n')
			curLen++
		}
		current.WriteString(line)
		curLen += lineLen
	}
	flush()

	return chunks
}

// Package announce turns raw announce lines from the monitored channel into
// the noisy title and genre pair the reconciler works on.
package announce

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// mIRC colour codes: \x03 followed by up to two digits.
	colorCodes = regexp.MustCompile(`\x03\d{0,2}`)

	// (GENRE) (<title>) (<genre>), the genre group may still carry a colour prefix.
	genrePattern = regexp.MustCompile(`\(GENRE\)\s+\(([^)]+)\)\s+\((?:\x03\d{0,2})?([^)]+)\)`)
)

// Event is one inbound channel message from the announcer.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Sender    string    `json:"sender"`
	RawText   string    `json:"raw_text"`
	EmittedAt time.Time `json:"emitted_at"`
}

// NewEvent stamps a raw message with a correlation id and receive time.
func NewEvent(sender, text string) Event {
	return Event{
		ID:        uuid.New(),
		Sender:    sender,
		RawText:   text,
		EmittedAt: time.Now().UTC(),
	}
}

// Parsed is the semantic content of a genre announce.
type Parsed struct {
	NoisyTitle      string `json:"noisy_title"`
	GenreRaw        string `json:"genre_raw"`
	GenreNormalized string `json:"genre"`
}

// StripColors removes mIRC colour codes. Text without codes is returned unchanged.
func StripColors(s string) string {
	if !strings.Contains(s, "\x03") {
		return s
	}
	return colorCodes.ReplaceAllString(s, "")
}

// NormalizeGenre replaces every '/' with '_'; the catalog rejects path-like genres.
func NormalizeGenre(genre string) string {
	return strings.ReplaceAll(genre, "/", "_")
}

// Parse extracts the noisy title and genre from an announce line. It reports
// false for anything that is not a genre announce; that is expected chatter,
// not an error.
func Parse(raw string) (Parsed, bool) {
	m := genrePattern.FindStringSubmatch(StripColors(raw))
	if m == nil {
		return Parsed{}, false
	}
	title, genre := m[1], m[2]
	if title == "" || genre == "" {
		return Parsed{}, false
	}
	return Parsed{
		NoisyTitle:      title,
		GenreRaw:        genre,
		GenreNormalized: NormalizeGenre(genre),
	}, true
}

package reconcile

import (
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/genrebot/internal/announce"
	"github.com/MikeSquared-Agency/genrebot/internal/matcher"
)

// mIRC colour codes used in status lines.
const (
	colorGreen  = "\x0303"
	colorRed    = "\x0304"
	colorOrange = "\x0307"
	colorEnd    = "\x03"
)

func green(s string) string  { return colorGreen + s + colorEnd }
func red(s string) string    { return colorRed + s + colorEnd }
func orange(s string) string { return colorOrange + s + colorEnd }

func foundLine(p announce.Parsed) string {
	return fmt.Sprintf("[%s] %s: %s", green("+"), green("Found"), p.NoisyTitle)
}

func genreLine(p announce.Parsed) string {
	return fmt.Sprintf("    %s: %s -> %s", green("Genre"), red(p.GenreRaw), green(p.GenreNormalized))
}

func matchLine(c matcher.Candidate) string {
	return fmt.Sprintf("    %s: %s (score %.2f)", green("Match"), c.Title, c.Score)
}

func updatedLine(title, genre string) string {
	return fmt.Sprintf("%s %s -> %s", green("[DB] Updated genre for:"), title, green(genre))
}

func retryLine(noisy string, a Attempt, max int, wait time.Duration) string {
	best := "none"
	if a.BestCandidate != "" {
		best = fmt.Sprintf("%.2f", a.BestScore)
	}
	return fmt.Sprintf("[%s] Retry %d/%d for %s: best %s, waiting %s", orange("~"), a.Number, max, noisy, best, wait)
}

func gaveUpLine(noisy string, a Attempt) string {
	detail := "no candidates"
	if a.BestCandidate != "" {
		detail = fmt.Sprintf("best: %s %.2f", a.BestCandidate, a.BestScore)
	}
	return fmt.Sprintf("[%s] Gave up on %s after %d retries (%s)", red("-"), red(noisy), a.Number, detail)
}

func dbErrorLine(subject string, err error) string {
	return fmt.Sprintf("%s %s: %v", red("[DB ERROR]"), subject, err)
}

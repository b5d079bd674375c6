package irc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"gopkg.in/irc.v4"
)

type recordingWriter struct {
	lines []string
	err   error
}

func (w *recordingWriter) Write(line string) error {
	if w.err != nil {
		return w.err
	}
	w.lines = append(w.lines, line)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParse(t *testing.T, line string) *irc.Message {
	t.Helper()
	m, err := irc.ParseMessage(line)
	require.NoError(t, err)
	return m
}

func testConfig() Config {
	return Config{
		Server:           "irc.example.net",
		Port:             6697,
		Nick:             "genrebot",
		NickServPassword: "hunter2",
		Channels:         []string{"#announce", "#genrebot-log"},
	}
}

func TestWelcome_IdentifiesAndJoins(t *testing.T) {
	c := NewClient(testConfig(), nil, discardLogger())
	w := &recordingWriter{}

	assert.False(t, c.Connected())
	c.dispatch(w, mustParse(t, ":server 001 genrebot :Welcome"))

	assert.Equal(t, []string{
		"PRIVMSG NickServ :IDENTIFY hunter2",
		"JOIN #announce",
		"JOIN #genrebot-log",
	}, w.lines)
	assert.True(t, c.Connected())
}

func TestWelcome_NoPassword(t *testing.T) {
	cfg := testConfig()
	cfg.NickServPassword = ""
	c := NewClient(cfg, nil, discardLogger())
	w := &recordingWriter{}

	c.dispatch(w, mustParse(t, ":server 001 genrebot :Welcome"))
	assert.Equal(t, []string{"JOIN #announce", "JOIN #genrebot-log"}, w.lines)
}

func TestPrivmsg_Dispatches(t *testing.T) {
	var sender, target, text string
	c := NewClient(testConfig(), func(s, tg, tx string) {
		sender, target, text = s, tg, tx
	}, discardLogger())

	c.dispatch(&recordingWriter{}, mustParse(t, ":Announcer!bot@host PRIVMSG #announce :(GENRE) (Artist-Album) (Rock)"))

	assert.Equal(t, "Announcer", sender)
	assert.Equal(t, "#announce", target)
	assert.Equal(t, "(GENRE) (Artist-Album) (Rock)", text)
}

func TestKick_Rejoins(t *testing.T) {
	c := NewClient(testConfig(), nil, discardLogger())
	w := &recordingWriter{}

	c.dispatch(w, mustParse(t, ":op!o@h KICK #announce genrebot :bye"))
	c.dispatch(w, mustParse(t, ":op!o@h KICK #announce someoneelse :bye"))

	assert.Equal(t, []string{"JOIN #announce"}, w.lines)
}

func TestSend(t *testing.T) {
	c := NewClient(testConfig(), nil, discardLogger())
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	ctx := context.Background()

	assert.ErrorIs(t, c.Send(ctx, "#log", "hello"), ErrNotConnected)

	w := &recordingWriter{}
	c.setConn(w)
	require.NoError(t, c.Send(ctx, "#log", "first\r\n\nsecond"))
	assert.Equal(t, []string{"PRIVMSG #log :first", "PRIVMSG #log :second"}, w.lines)

	w.err = errors.New("broken pipe")
	assert.ErrorContains(t, c.Send(ctx, "#log", "x"), "broken pipe")
}

func TestSend_RespectsContext(t *testing.T) {
	c := NewClient(testConfig(), nil, discardLogger())
	c.limiter = rate.NewLimiter(rate.Every(1e12), 0)
	c.setConn(&recordingWriter{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, c.Send(ctx, "#log", "hello"))
}

func TestNotifier(t *testing.T) {
	c := NewClient(testConfig(), nil, discardLogger())
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	w := &recordingWriter{}
	c.setConn(w)

	Notifier{Client: c, Channel: "#genrebot-log", Logger: discardLogger()}.Notify(context.Background(), "[+] Found: X")
	Notifier{Client: c, Logger: discardLogger()}.Notify(context.Background(), "dropped")

	assert.Equal(t, []string{"PRIVMSG #genrebot-log :[+] Found: X"}, w.lines)
}

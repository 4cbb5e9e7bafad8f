package elm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFramerFragmented(t *testing.T) {
	var f Framer
	assert.Empty(t, f.Feed([]byte("41 0C")))
	assert.Empty(t, f.Feed([]byte(" 1A ")))
	assert.Equal(t, []string{"41 0C 1A F8"}, f.Feed([]byte("F8\r\r>")))
	assert.Empty(t, f.pending())
}

func TestFramerCoalescedPrompts(t *testing.T) {
	var f Framer
	got := f.Feed([]byte("OK\r\r>ELM327 v1.5\r\r>41"))
	assert.Equal(t, []string{"OK", "ELM327 v1.5"}, got)
	assert.Equal(t, "41", f.pending())

	assert.Equal(t, []string{"410D3C"}, f.Feed([]byte("0D3C>")))
}

func TestFramerPromptOnly(t *testing.T) {
	var f Framer
	assert.Equal(t, []string{""}, f.Feed([]byte(">")))
	assert.Equal(t, []string{"", ""}, f.Feed([]byte("\r>>")))
}

func TestFramerTrimsNulAndWhitespace(t *testing.T) {
	var f Framer
	assert.Equal(t, []string{"44"}, f.Feed([]byte("\x00\r\n 44 \r\n\x00>")))
}

func TestFramerPartialSurvivesUntilReset(t *testing.T) {
	var f Framer
	f.Feed([]byte("SEARCH"))
	assert.Equal(t, "SEARCH", f.pending())
	assert.Equal(t, []string{"SEARCHING...\r4100BE3EB813"}, f.Feed([]byte("ING...\r4100BE3EB813\r>")))

	f.Feed([]byte("junk"))
	f.Reset()
	assert.Empty(t, f.pending())
}

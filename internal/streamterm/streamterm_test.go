package streamterm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainTextPassesThrough(t *testing.T) {
	term := New()
	out := term.Feed("hello world")
	assert.Equal(t, "hello world", out)
}

func TestNewlineAdvancesLine(t *testing.T) {
	term := New()
	out := term.Feed("line1\nline2")
	assert.Equal(t, "line1\nline2", out)
}

func TestCarriageReturnCollapsesProgressBar(t *testing.T) {
	term := New()
	term.Feed("progress: 1%")
	out := term.Feed("\rprogress: 100%")
	assert.Equal(t, "progress: 100%", out)
}

func TestCarriageReturnOverwritesShorterWithLonger(t *testing.T) {
	term := New()
	term.Feed("abcdef")
	out := term.Feed("\rXY")
	// "XY" overwrites the first two cells; "cdef" remains from the first write.
	assert.Equal(t, "XYcdef", out)
}

func TestBackspaceMovesCursorLeft(t *testing.T) {
	term := New()
	out := term.Feed("ab\bc")
	assert.Equal(t, "ac", out)
}

func TestSGRSequencePreservedInOutput(t *testing.T) {
	term := New()
	out := term.Feed("\x1b[31mred\x1b[0m plain")
	assert.True(t, strings.Contains(out, "\x1b[31m"))
	assert.True(t, strings.Contains(out, "red"))
	assert.True(t, strings.Contains(out, "\x1b[0m"))
	assert.True(t, strings.HasSuffix(out, "plain"))
}

func TestCursorMovementSequencesAreConsumedNotPrinted(t *testing.T) {
	term := New()
	out := term.Feed("abc\x1b[2Dx")
	assert.Equal(t, "axc", out)
}

func TestEraseLineFromCursor(t *testing.T) {
	term := New()
	term.Feed("abcdef")
	out := term.Feed("\r\x1b[3C\x1b[K")
	assert.Equal(t, "abc", out)
}

func TestClearScreenResetsOutput(t *testing.T) {
	term := New()
	term.Feed("some text")
	out := term.Feed("\x1b[2J")
	assert.Equal(t, "", out)
}

func TestLineWrapAtColumnBoundary(t *testing.T) {
	term := New()
	out := term.Feed(strings.Repeat("a", Columns) + "b")
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 2)
	assert.Equal(t, Columns, len(lines[0]))
	assert.Equal(t, "b", lines[1])
}

func TestScrollWhenExceedingLineCount(t *testing.T) {
	term := New()
	var b strings.Builder
	for i := 0; i < Lines+5; i++ {
		b.WriteString("x\n")
	}
	out := term.Feed(b.String())
	lines := strings.Split(out, "\n")
	assert.LessOrEqual(t, len(lines), Lines)
}

func TestManagerFeedCreatesPerStreamTerminal(t *testing.T) {
	m := NewManager()
	out1 := m.Feed("cell-1", "stdout", "hello")
	out2 := m.Feed("cell-1", "stderr", "oops")
	assert.Equal(t, "hello", out1)
	assert.Equal(t, "oops", out2)
}

func TestManagerClearRemovesBothStreamsForCell(t *testing.T) {
	m := NewManager()
	m.Feed("cell-1", "stdout", "hello")
	m.SetOutputIndex("cell-1", "stdout", 2)
	m.Clear("cell-1")

	_, ok := m.OutputIndex("cell-1", "stdout")
	assert.False(t, ok)

	out := m.Feed("cell-1", "stdout", "fresh")
	assert.Equal(t, "fresh", out)
}

func TestManagerOutputIndexRoundTrip(t *testing.T) {
	m := NewManager()
	_, ok := m.OutputIndex("cell-1", "stdout")
	assert.False(t, ok)

	m.SetOutputIndex("cell-1", "stdout", 3)
	idx, ok := m.OutputIndex("cell-1", "stdout")
	assert.True(t, ok)
	assert.Equal(t, 3, idx)
}

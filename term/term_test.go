package term_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/vmcore/term"
	"github.com/stretchr/testify/assert"
	xterm "golang.org/x/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	assert.Equal(t, xterm.IsTerminal(int(os.Stdin.Fd())), term.IsTerminal())
}

func TestSetRawModeWithoutTerminal(t *testing.T) {
	t.Parallel()

	if term.IsTerminal() {
		t.Skip("stdin is a terminal")
	}

	restore, err := term.SetRawMode()
	assert.Error(t, err)
	assert.NotPanics(t, restore)
}

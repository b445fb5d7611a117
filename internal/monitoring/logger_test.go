package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// captureLogs redirects Logf into the returned slice for the duration of
// the test.
func captureLogs(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() { Logf = original })
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := captureLogs(t)
	Logf("value %d", 3)
	assert.Equal(t, []string{"value 3"}, *lines)

	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("muted") })
	assert.Len(t, *lines, 1)
}

func TestComponent(t *testing.T) {
	log := Component("Sync")
	lines := captureLogs(t)

	log("reset %s", "done")
	assert.Equal(t, []string{"[Sync] reset done"}, *lines)
}

package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMerge_Precedence(t *testing.T) {
	e := WithBase([]string{"PATH=/usr/bin", "LANG=C", "broken"})
	e.SetPairs([]string{"LANG=en_US.UTF-8", "PGTZ=UTC", "=skip"})
	out := e.Merge([]string{"PGTZ=Europe/Rome", "LC_ALL=${LANG}"})
	assert.Equal(t, []string{
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"PATH=/usr/bin",
		"PGTZ=Europe/Rome",
	}, out)
}

func TestMerge_UnknownReferenceKept(t *testing.T) {
	e := WithBase(nil)
	out := e.Merge([]string{"A=${NOPE}/x", "B=$HOME"})
	assert.Equal(t, []string{"A=${NOPE}/x", "B=$HOME"}, out)
}

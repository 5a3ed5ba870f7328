package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitIsStable(t *testing.T) {
	c := Commit()
	assert.NotEmpty(t, c)
	assert.Equal(t, c, Commit())
	assert.LessOrEqual(t, len(strings.TrimSuffix(c, "-dirty")), 12)
}

func TestFullCarriesCommitAndRelease(t *testing.T) {
	assert.True(t, strings.HasPrefix(Full(), "graphsmith"))
	assert.Contains(t, Full(), "("+Commit()+")")

	prev := release
	release = "v1.2.3"
	defer func() { release = prev }()
	assert.Contains(t, Full(), "v1.2.3")
}

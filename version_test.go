package mccloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCompatibleRequiresExactTriple(t *testing.T) {
	a := Version{Major: 1, Minor: 2, Patch: 3}
	b := Version{Major: 1, Minor: 2, Patch: 3, Target: "linux", Commit: "deadbeef"}
	assert.True(t, a.Compatible(b))

	c := Version{Major: 1, Minor: 2, Patch: 4}
	assert.False(t, a.Compatible(c))
}

func TestVersionStringIncludesInformationalFields(t *testing.T) {
	v := Version{Major: 1, Minor: 0, Patch: 0, Target: "linux/amd64", Branch: "main", Commit: "abc123"}
	s := v.String()
	assert.Contains(t, s, "1.0.0")
	assert.Contains(t, s, "linux/amd64")
	assert.Contains(t, s, "main")
	assert.Contains(t, s, "abc123")
}

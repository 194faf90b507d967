package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrent(t *testing.T) {
	prevVersion, prevCommit := Version, GitCommit
	t.Cleanup(func() { Version, GitCommit = prevVersion, prevCommit })

	Version, GitCommit = "1.4.0", "abc1234"
	b := Current()
	assert.Equal(t, "1.4.0", b.Version)
	assert.Equal(t, "abc1234", b.GitCommit)
	assert.Equal(t, runtime.Version(), b.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, b.Platform)
	assert.Contains(t, b.String(), "tiermem 1.4.0 (commit abc1234")

	GitCommit = "unknown"
	assert.NotEmpty(t, Current().GitCommit)
}

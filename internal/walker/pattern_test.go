package walker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchPath_DoubleStarMatchesRootLevel(t *testing.T) {
	assert.True(t, MatchPath("**/*.md", "README.md"), "**/*.md must match a root-level README.md")
	assert.True(t, MatchPath("**/*.md", "docs/guide.md"))
}

func TestMatchPath_DoubleStarNodeModulesAnyDepth(t *testing.T) {
	assert.True(t, MatchPath("**/node_modules", "node_modules"))
	assert.True(t, MatchPath("**/node_modules", "node_modules/pkg/index.js"))
	assert.True(t, MatchPath("**/node_modules", "a/b/node_modules"))
	assert.True(t, MatchPath("**/node_modules", "a/b/node_modules/pkg/index.js"))
}

func TestMatchPath_SingleStarDoesNotCrossSlash(t *testing.T) {
	assert.True(t, MatchPath("*.py", "main.py"))
	assert.False(t, MatchPath("*.py", "pkg/main.py"), "*.py must not cross / unless wrapped in **")
	assert.True(t, MatchPath("**/*.py", "pkg/main.py"))
}

func TestMatchPath_CharacterClass(t *testing.T) {
	assert.True(t, MatchPath("file[0-9].txt", "file1.txt"))
	assert.False(t, MatchPath("file[0-9].txt", "fileA.txt"))
}

func TestMatchPath_TrailingDoubleStarMatchesEverythingUnder(t *testing.T) {
	assert.True(t, MatchPath("vendor/**", "vendor/a/b.go"))
	assert.True(t, MatchPath("vendor/**", "vendor"))
}

func TestMatchAny_EmptyPatternListNeverMatches(t *testing.T) {
	assert.False(t, MatchAny(nil, "anything.go"))
}

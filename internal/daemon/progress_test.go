package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapProgress_NilCallbackIsNoop(t *testing.T) {
	fn := WrapProgress(nil)
	assert.NotPanics(t, func() { fn(1, 10, "file.go", "") })
}

func TestWrapProgress_ForwardsArguments(t *testing.T) {
	var gotCurrent, gotTotal int
	var gotPath, gotInfo string

	fn := WrapProgress(func(current, total int, filePath, info string) {
		gotCurrent, gotTotal, gotPath, gotInfo = current, total, filePath, info
	})

	fn(3, 10, "internal/foo.go", "5.3 commits/s")

	assert.Equal(t, 3, gotCurrent)
	assert.Equal(t, 10, gotTotal)
	assert.Equal(t, "internal/foo.go", gotPath)
	assert.Equal(t, "5.3 commits/s", gotInfo)
}

func TestWrapProgress_RecoversFromPanic(t *testing.T) {
	fn := WrapProgress(func(_, _ int, _, _ string) {
		panic("client callback exploded")
	})

	assert.NotPanics(t, func() { fn(1, 1, "file.go", "") })
}

func TestWrapProgress_PanicDoesNotAffectLaterCalls(t *testing.T) {
	calls := 0
	fn := WrapProgress(func(current, _ int, _, _ string) {
		calls++
		if current == 1 {
			panic("boom")
		}
	})

	fn(1, 2, "a.go", "")
	fn(2, 2, "b.go", "")

	assert.Equal(t, 2, calls)
}

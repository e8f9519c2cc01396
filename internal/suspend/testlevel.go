package suspend

import (
	"fmt"

	"github.com/somnus/sleepd/internal/errors"
)

// TestLevel selects a debug checkpoint in the descent. When the
// controller reaches the armed checkpoint it logs, holds for the
// configured delay, and unwinds without going deeper. TestNone disables
// checkpointing and is the production setting.
type TestLevel int

const (
	TestNone TestLevel = iota
	TestCore
	TestProcessors
	TestPlatform
	TestDevices
	TestFreezer
)

var testLevelLabels = map[TestLevel]string{
	TestNone:       "none",
	TestCore:       "core",
	TestProcessors: "processors",
	TestPlatform:   "platform",
	TestDevices:    "devices",
	TestFreezer:    "freezer",
}

// String returns the level's label, which is also the wire and CLI form.
func (l TestLevel) String() string {
	if label, ok := testLevelLabels[l]; ok {
		return label
	}
	return fmt.Sprintf("testlevel(%d)", int(l))
}

// ParseTestLevel maps a label to a TestLevel.
func ParseTestLevel(label string) (TestLevel, error) {
	for level, name := range testLevelLabels {
		if name == label {
			return level, nil
		}
	}
	return TestNone, errors.InvalidTestLevel(label)
}

// allowsFreeze reports whether a freeze transition makes sense with
// this checkpoint armed. The core and processors checkpoints sit below
// the point where freeze parks, so they can never fire on that path.
func (l TestLevel) allowsFreeze() bool {
	switch l {
	case TestNone, TestFreezer, TestDevices, TestPlatform:
		return true
	default:
		return false
	}
}

// TestLevels returns all levels in checkpoint-depth order.
func TestLevels() []TestLevel {
	return []TestLevel{TestNone, TestCore, TestProcessors, TestPlatform, TestDevices, TestFreezer}
}

// Package guard flips binaries into test mode when imported from a test.
package guard

import (
	"os"
	"sync"
)

const testModeEnv = "COLLABHUB_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(testModeEnv) == "" {
			_ = os.Setenv(testModeEnv, "1")
		}
	})
}

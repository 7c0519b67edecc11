package scheduler

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/kilnci/kiln/internal/semaphore"
)

// TestMain doubles as the semaphore helper: acquiring a semaphore-gated
// task re-executes the current binary with a "semaphore" argv, which in
// tests is this test binary. Dispatching here lets scheduler tests run
// tasks with real semaphore endpoints.
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "semaphore" {
		os.Exit(helperMain(os.Args[2:]))
	}
	os.Exit(m.Run())
}

func helperMain(args []string) int {
	var filename, selfDescription string
	readOnly := false
	for _, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--self-description="):
			selfDescription = strings.TrimPrefix(arg, "--self-description=")
		case arg == "--read":
			readOnly = true
		default:
			filename = arg
		}
	}
	if filename == "" {
		fmt.Fprintln(os.Stderr, "missing queue file")
		return 2
	}
	if err := semaphore.RunHelper(filename, selfDescription, readOnly, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

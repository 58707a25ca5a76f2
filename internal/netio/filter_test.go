package netio

import "testing"

func TestActionFrameFilterAssembles(t *testing.T) {
	t.Parallel()

	prog, err := actionFrameFilter()
	if err != nil {
		t.Fatalf("actionFrameFilter() error: %v", err)
	}
	if len(prog) == 0 {
		t.Fatal("actionFrameFilter() returned an empty program")
	}
}

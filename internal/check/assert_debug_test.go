//go:build debug

package check

import "testing"

func TestNotEmptyPanicsOnEmpty(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		value     string
		wantPanic bool
	}{
		{name: "empty", value: "", wantPanic: true},
		{name: "set", value: "/nix/store/aaa-system"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if r := recover(); (r != nil) != tc.wantPanic {
					t.Fatalf("NotEmpty(%q) panic = %v, want panic %v", tc.value, r, tc.wantPanic)
				}
			}()
			NotEmpty(tc.value, "build toplevel")
		})
	}
}

package main

import "testing"

func TestRunCLI(t *testing.T) {
	cases := []struct {
		args []string
		want bool
	}{
		{nil, false},
		{[]string{}, false},
		{[]string{"version"}, true},
		{[]string{"bogus"}, false},
	}
	for _, tc := range cases {
		if got := RunCLI(tc.args); got != tc.want {
			t.Errorf("RunCLI(%v) = %v, want %v", tc.args, got, tc.want)
		}
	}
}

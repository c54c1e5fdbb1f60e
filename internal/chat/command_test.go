package chat

import "testing"

func TestIsCommand(t *testing.T) {
	cases := []struct {
		line string
		want bool
	}{
		{"/rooms", true},
		{"/anything at all", true},
		{"hello", false},
		{"", false},
		{" /rooms", false},
	}
	for _, tc := range cases {
		if got := IsCommand(tc.line); got != tc.want {
			t.Errorf("IsCommand(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		name string
		line string
		ok   bool
		cmd  Command
	}{
		{"rooms", "/rooms", true, Command{Kind: CmdRooms}},
		{"quit", "/quit", true, Command{Kind: CmdQuit}},
		{"join", "/join red", true, Command{Kind: CmdJoin, Room: "red"}},
		{"join extra words ignored", "/join red blue", true, Command{Kind: CmdJoin, Room: "red"}},
		{"join missing argument", "/join", false, Command{}},
		{"unknown command", "/dance", false, Command{}},
		{"case sensitive", "/ROOMS", false, Command{}},
		{"rooms with trailing junk still rooms", "/rooms now", true, Command{Kind: CmdRooms}},
		{"empty", "", false, Command{}},
		{"bare slash", "/", false, Command{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cmd, ok := ParseCommand(tc.line)
			if ok != tc.ok {
				t.Fatalf("ParseCommand(%q) ok = %v, want %v", tc.line, ok, tc.ok)
			}
			if ok && cmd != tc.cmd {
				t.Fatalf("ParseCommand(%q) = %#v, want %#v", tc.line, cmd, tc.cmd)
			}
		})
	}
}

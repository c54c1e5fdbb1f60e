package chat

import "strings"

// CommandKind enumerates the recognized slash commands.
type CommandKind int

const (
	CmdRooms CommandKind = iota
	CmdJoin
	CmdQuit
)

// Command is one parsed control message.
type Command struct {
	Kind CommandKind
	Room string // destination for CmdJoin
}

// IsCommand reports whether a terminator-stripped line is a control message.
func IsCommand(line string) bool {
	return strings.HasPrefix(line, "/")
}

// ParseCommand recognizes /rooms, /join <name>, and /quit, matched
// case-sensitively on the first whitespace-delimited word. Any other
// /-prefixed line, including /join without an argument, is unrecognized and
// returns ok=false.
func ParseCommand(line string) (Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false
	}

	switch fields[0] {
	case "/rooms":
		return Command{Kind: CmdRooms}, true
	case "/quit":
		return Command{Kind: CmdQuit}, true
	case "/join":
		if len(fields) < 2 {
			return Command{}, false
		}
		return Command{Kind: CmdJoin, Room: fields[1]}, true
	default:
		return Command{}, false
	}
}

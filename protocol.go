package main

// Wire-protocol limits. The protocol is line-oriented UTF-8; the terminator
// is a single \n (0x0A) and bare \r is ordinary content.
const (
	// MaxLineBytes caps the per-connection read buffer. A line that grows
	// past this without a terminator is discarded and reported as a failed
	// read on that connection.
	MaxLineBytes = 64 * 1024

	// MaxIOFailures is the number of consecutive failed reads or writes
	// after which a connection is closed. The counter resets on any
	// success in that direction, so flaky sockets can recover.
	MaxIOFailures = 3
)

// Server-originated lines. Exact text matters: clients match on it.
const (
	msgGreeting    = "Server: Select a username:\n"
	msgAuthorized  = "Server: you have been successfully authorized\n"
	msgNameTaken   = "Server: That username is taken, please try another\n"
	msgInvalidUTF8 = "Server: Invalid utf8, message was discarded.\n"
	msgNotACommand = "Not a valid command\n"
)

// broadcastTimeLayout is the timestamp prefix on every relayed chat line,
// rendered in the server's local time.
const broadcastTimeLayout = "2006:01:02 15:04:05"

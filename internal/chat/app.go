// Package chat holds the in-memory authoritative chat model: users, rooms,
// and the username index, keyed by connection token.
package chat

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// DefaultRoom exists from startup and is never removed. Every freshly
// registered user starts there.
const DefaultRoom = "default"

var (
	// ErrNameTaken is returned when a username is already claimed by
	// another connection.
	ErrNameTaken = errors.New("username already registered")

	// ErrTokenRegistered is returned when a token already has a user.
	// The server never registers the same token twice, so seeing this
	// error indicates a caller bug.
	ErrTokenRegistered = errors.New("token already has a registered user")
)

// Token identifies one connection for the lifetime of that connection.
type Token int

type user struct {
	token Token
	name  string
	room  string
}

// App is the registry of users and rooms. The reactor goroutine is the only
// writer; the mutex exists so the admin API can take read snapshots without
// touching reactor state.
type App struct {
	mu    sync.RWMutex
	users map[Token]*user
	rooms map[string]map[Token]struct{}
	names map[string]Token
}

// NewApp returns an empty registry containing only the default room.
func NewApp() *App {
	return &App{
		users: make(map[Token]*user),
		rooms: map[string]map[Token]struct{}{DefaultRoom: {}},
		names: make(map[string]Token),
	}
}

// RegisterUser claims name for token and places the new user in the default
// room. A connection is not a member of any room until this succeeds.
func (a *App) RegisterUser(token Token, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.users[token]; ok {
		return ErrTokenRegistered
	}
	if _, ok := a.names[name]; ok {
		slog.Debug("username collision", "token", int(token), "name", name)
		return ErrNameTaken
	}

	a.users[token] = &user{token: token, name: name, room: DefaultRoom}
	a.rooms[DefaultRoom][token] = struct{}{}
	a.names[name] = token

	slog.Info("user registered", "token", int(token), "name", name, "total_users", len(a.users))
	return nil
}

// Username returns the name claimed by token, if any.
func (a *App) Username(token Token) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	u, ok := a.users[token]
	if !ok {
		return "", false
	}
	return u.name, true
}

// RoomList returns a snapshot of all room names in unspecified order.
func (a *App) RoomList() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]string, 0, len(a.rooms))
	for name := range a.rooms {
		out = append(out, name)
	}
	return out
}

// MoveRooms moves a registered user to dest, creating the room on first join.
// Moving to the current room leaves the state unchanged. Returns false if
// token has no registered user.
func (a *App) MoveRooms(token Token, dest string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.users[token]
	if !ok {
		slog.Warn("move for unregistered token", "token", int(token), "dest", dest)
		return false
	}

	if _, ok := a.rooms[dest]; !ok {
		a.rooms[dest] = make(map[Token]struct{})
		slog.Info("room created", "room", dest, "total_rooms", len(a.rooms))
	}

	delete(a.rooms[u.room], token)
	u.room = dest
	a.rooms[dest][token] = struct{}{}

	slog.Debug("user moved", "token", int(token), "name", u.name, "room", dest)
	return true
}

// MessageRecipients returns every member of the sender's current room except
// the sender, in unspecified order. Unregistered senders have no recipients.
func (a *App) MessageRecipients(sender Token) []Token {
	a.mu.RLock()
	defer a.mu.RUnlock()

	u, ok := a.users[sender]
	if !ok {
		return nil
	}

	members := a.rooms[u.room]
	out := make([]Token, 0, len(members))
	for t := range members {
		if t == sender {
			continue
		}
		out = append(out, t)
	}
	return out
}

// RemoveUser drops the user owned by token along with its room membership and
// name index entry. No-op for unregistered tokens. Rooms are never deleted,
// even when empty.
func (a *App) RemoveUser(token Token) {
	a.mu.Lock()
	defer a.mu.Unlock()

	u, ok := a.users[token]
	if !ok {
		return
	}

	delete(a.rooms[u.room], token)
	delete(a.names, u.name)
	delete(a.users, token)

	slog.Info("user removed", "token", int(token), "name", u.name, "remaining_users", len(a.users))
}

// UserCount returns the number of registered users.
func (a *App) UserCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.users)
}

// RoomInfo is one room in an Overview snapshot.
type RoomInfo struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// Overview is a stable ordered snapshot of the whole registry.
type Overview struct {
	Users int        `json:"users"`
	Rooms []RoomInfo `json:"rooms"`
}

// Snapshot returns the full registry state with rooms and member names in
// sorted order.
func (a *App) Snapshot() Overview {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := Overview{Users: len(a.users), Rooms: make([]RoomInfo, 0, len(a.rooms))}
	for name, members := range a.rooms {
		info := RoomInfo{Name: name, Members: make([]string, 0, len(members))}
		for t := range members {
			if u, ok := a.users[t]; ok {
				info.Members = append(info.Members, u.name)
			}
		}
		sort.Strings(info.Members)
		out.Rooms = append(out.Rooms, info)
	}
	sort.Slice(out.Rooms, func(i, j int) bool { return out.Rooms[i].Name < out.Rooms[j].Name })
	return out
}

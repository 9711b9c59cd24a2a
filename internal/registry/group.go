package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// Scope is the namespace of a group key.
type Scope string

const (
	ScopeChat    Scope = "chat"
	ScopeMailbox Scope = "mailbox"
	ScopeInbox   Scope = "inbox"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopeChat, ScopeMailbox, ScopeInbox:
		return true
	}
	return false
}

// Group is a broadcast key of the form <scope>:<id>.
type Group string

func ChatGroup(chatID int64) Group    { return groupKey(ScopeChat, chatID) }
func MailboxGroup(userID int64) Group { return groupKey(ScopeMailbox, userID) }
func InboxGroup(userID int64) Group   { return groupKey(ScopeInbox, userID) }

// GroupFor builds the group of scope for id.
func GroupFor(scope Scope, id int64) Group { return groupKey(scope, id) }

func groupKey(scope Scope, id int64) Group {
	return Group(string(scope) + ":" + strconv.FormatInt(id, 10))
}

// ParseGroup splits a group key into its scope and id.
func ParseGroup(key string) (Scope, int64, error) {
	prefix, raw, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, fmt.Errorf("group %q: missing scope", key)
	}
	scope := Scope(prefix)
	if !scope.Valid() {
		return "", 0, fmt.Errorf("group %q: unknown scope", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("group %q: invalid id", key)
	}
	return scope, id, nil
}

func (g Group) String() string { return string(g) }

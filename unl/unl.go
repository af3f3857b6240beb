// Package unl implements the Unique Node List authority: the static
// whitelist of peer public keys a node is willing to hold a session with.
package unl

// Authority answers whether a given node id (PEM public key) is a member
// of the UNL. It is consulted at handshake time by the server, on both
// the accept and the dial paths.
type Authority interface {
	IsUNL(id string) bool
}

// StaticList is a fixed, in-memory UNL built from a list of member ids.
// This is the only Authority implementation the subsystem needs: the UNL
// is a static whitelist, not a discovered peer set.
type StaticList struct {
	members map[string]struct{}
}

// NewStaticList builds a StaticList from the given member ids.
func NewStaticList(ids ...string) *StaticList {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return &StaticList{members: m}
}

// IsUNL reports whether id is a UNL member.
func (l *StaticList) IsUNL(id string) bool {
	_, ok := l.members[id]
	return ok
}

// Members returns a snapshot slice of the current UNL membership.
func (l *StaticList) Members() []string {
	out := make([]string, 0, len(l.members))
	for id := range l.members {
		out = append(out, id)
	}
	return out
}

package server

import (
	"sort"
	"sync"
)

// GroupRegistry manages named messaging groups and their members.
type GroupRegistry struct {
	mu     sync.RWMutex
	groups map[string]map[string]bool // group name -> set of usernames
}

// NewGroupRegistry creates an empty group registry.
func NewGroupRegistry() *GroupRegistry {
	return &GroupRegistry{
		groups: make(map[string]map[string]bool),
	}
}

// CreateOrJoin inserts user into the group's member set, creating the
// group on first reference. Joining twice is a no-op. Returns whether the
// group was created by this call.
func (g *GroupRegistry) CreateOrJoin(group, user string) (created bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[group]
	if !ok {
		members = make(map[string]bool)
		g.groups[group] = members
		created = true
	}
	members[user] = true
	return created
}

// Exists reports whether the group has been created.
func (g *GroupRegistry) Exists(group string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.groups[group]
	return ok
}

// Members returns a sorted snapshot of the group's member set, and
// whether the group exists.
func (g *GroupRegistry) Members(group string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members, ok := g.groups[group]
	if !ok {
		return nil, false
	}
	result := make([]string, 0, len(members))
	for name := range members {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, true
}

// IsMember reports whether user belongs to group.
func (g *GroupRegistry) IsMember(group, user string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groups[group][user]
}

// Names returns all group names, sorted.
func (g *GroupRegistry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.groups))
	for name := range g.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of groups.
func (g *GroupRegistry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.groups)
}

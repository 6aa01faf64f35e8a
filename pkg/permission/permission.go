// Package permission defines the closed set of capabilities a plugin may be granted.
package permission

import (
	"slices"
	"sort"
	"sync"
)

// Capability is a named right a plugin can request in its manifest.
type Capability string

// Domain groups capabilities by the host surface they touch.
type Domain string

const (
	DomainDocument Domain = "document"
	DomainStorage  Domain = "storage"
	DomainNetwork  Domain = "network"
	DomainUI       Domain = "ui"
	DomainSystem   Domain = "system"
	DomainPlugin   Domain = "plugin"
	DomainUser     Domain = "user"
)

const (
	DocumentRead        Capability = "document:read"
	DocumentWrite       Capability = "document:write"
	StorageRead         Capability = "storage:read"
	StorageWrite        Capability = "storage:write"
	NetworkFetch        Capability = "network:fetch"
	NetworkWebSocket    Capability = "network:websocket"
	UINotification      Capability = "ui:notification"
	UIMenu              Capability = "ui:menu"
	UIModal             Capability = "ui:modal"
	UISidebar           Capability = "ui:sidebar"
	SystemClipboard     Capability = "system:clipboard"
	SystemFilesystem    Capability = "system:filesystem"
	SystemNotifications Capability = "system:notifications"
	PluginCommunicate   Capability = "plugin:communicate"
	PluginHooks         Capability = "plugin:hooks"
	UserRead            Capability = "user:read"
	UserEmail           Capability = "user:email"
)

// Descriptor is the static metadata shown to users when a capability is requested.
// Dangerous capabilities are never granted by the runtime broker.
type Descriptor struct {
	Capability  Capability
	Domain      Domain
	Description string
	Dangerous   bool
	Icon        string
}

var descriptors = map[Capability]Descriptor{
	DocumentRead:        {Domain: DomainDocument, Description: "Read the content of open documents", Icon: "file-text"},
	DocumentWrite:       {Domain: DomainDocument, Description: "Modify the content of open documents", Icon: "edit"},
	StorageRead:         {Domain: DomainStorage, Description: "Read data the plugin stored earlier", Icon: "database"},
	StorageWrite:        {Domain: DomainStorage, Description: "Store plugin data on this workspace", Icon: "save"},
	NetworkFetch:        {Domain: DomainNetwork, Description: "Send HTTP requests to trusted hosts", Dangerous: true, Icon: "globe"},
	NetworkWebSocket:    {Domain: DomainNetwork, Description: "Open persistent network connections", Dangerous: true, Icon: "radio"},
	UINotification:      {Domain: DomainUI, Description: "Show toast notifications", Icon: "bell"},
	UIMenu:              {Domain: DomainUI, Description: "Add entries to editor menus", Icon: "menu"},
	UIModal:             {Domain: DomainUI, Description: "Open modal dialogs", Icon: "square"},
	UISidebar:           {Domain: DomainUI, Description: "Render a sidebar panel", Icon: "sidebar"},
	SystemClipboard:     {Domain: DomainSystem, Description: "Read and write the clipboard", Dangerous: true, Icon: "clipboard"},
	SystemFilesystem:    {Domain: DomainSystem, Description: "Read files from allowed directories", Dangerous: true, Icon: "folder"},
	SystemNotifications: {Domain: DomainSystem, Description: "Send operating system notifications", Icon: "bell-ring"},
	PluginCommunicate:   {Domain: DomainPlugin, Description: "Exchange messages and events with other plugins", Icon: "share"},
	PluginHooks:         {Domain: DomainPlugin, Description: "Register callbacks on host extension points", Icon: "anchor"},
	UserRead:            {Domain: DomainUser, Description: "Read the current user's profile", Icon: "user"},
	UserEmail:           {Domain: DomainUser, Description: "Read the current user's email address", Icon: "mail"},
}

func init() {
	for c, d := range descriptors {
		d.Capability = c
		descriptors[c] = d
	}
}

// Describe returns the descriptor of a capability.
func Describe(c Capability) (Descriptor, bool) {
	d, ok := descriptors[c]
	return d, ok
}

// IsKnown reports whether c belongs to the closed capability set.
func IsKnown(c Capability) bool {
	_, ok := descriptors[c]
	return ok
}

// IsDangerous reports whether c is flagged dangerous. Unknown capabilities are treated as dangerous.
func IsDangerous(c Capability) bool {
	d, ok := descriptors[c]
	return !ok || d.Dangerous
}

// All returns every capability in lexical order.
func All() []Capability {
	out := make([]Capability, 0, len(descriptors))
	for c := range descriptors {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// ByDomain groups all capabilities by domain.
func ByDomain() map[Domain][]Descriptor {
	grouped := make(map[Domain][]Descriptor)
	for _, c := range All() {
		d := descriptors[c]
		grouped[d.Domain] = append(grouped[d.Domain], d)
	}
	return grouped
}

// Unknown returns the entries of caps that are not part of the closed set.
func Unknown(caps []Capability) []Capability {
	var out []Capability
	for _, c := range caps {
		if !IsKnown(c) {
			out = append(out, c)
		}
	}
	return out
}

// Set is a concurrency-safe capability set.
type Set struct {
	mu   sync.RWMutex
	caps map[Capability]struct{}
}

// NewSet returns a set seeded with caps.
func NewSet(caps ...Capability) *Set {
	s := &Set{caps: make(map[Capability]struct{}, len(caps))}
	for _, c := range caps {
		s.caps[c] = struct{}{}
	}
	return s
}

// Has reports whether c is in the set. A nil set grants nothing.
func (s *Set) Has(c Capability) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.caps[c]
	return ok
}

// Add inserts c.
func (s *Set) Add(c Capability) {
	s.mu.Lock()
	s.caps[c] = struct{}{}
	s.mu.Unlock()
}

// Remove deletes c.
func (s *Set) Remove(c Capability) {
	s.mu.Lock()
	delete(s.caps, c)
	s.mu.Unlock()
}

// Len returns the number of capabilities.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.caps)
}

// Slice returns the members in lexical order.
func (s *Set) Slice() []Capability {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]Capability, 0, len(s.caps))
	for c := range s.caps {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clone returns an independent copy.
func (s *Set) Clone() *Set {
	return NewSet(s.Slice()...)
}

package waf

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

type ipSetData struct {
	exact    map[string]struct{}
	prefixes []netip.Prefix
}

// IPSet holds exact identifiers and CIDR prefixes. Reads are lock-free;
// writers copy the set and swap it in.
type IPSet struct {
	mu   sync.Mutex // serialises writers
	data atomic.Pointer[ipSetData]
}

// NewIPSet builds a set from entries. Unparseable entries are kept as exact strings.
func NewIPSet(entries ...string) *IPSet {
	s := &IPSet{}
	d := &ipSetData{exact: make(map[string]struct{})}
	for _, e := range entries {
		d.add(e)
	}
	s.data.Store(d)
	return s
}

// normalize returns the canonical form of an address, prefix or plain identifier.
func normalize(entry string) (key string, prefix netip.Prefix, isPrefix bool) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		if p, err := netip.ParsePrefix(entry); err == nil {
			p = p.Masked()
			return p.String(), p, true
		}
	}
	if a, err := netip.ParseAddr(entry); err == nil {
		return a.Unmap().String(), netip.Prefix{}, false
	}
	return entry, netip.Prefix{}, false
}

// ValidEntry reports whether entry is an IP address or a CIDR prefix.
func ValidEntry(entry string) error {
	entry = strings.TrimSpace(entry)
	if _, err := netip.ParseAddr(entry); err == nil {
		return nil
	}
	if _, err := netip.ParsePrefix(entry); err == nil {
		return nil
	}
	return fmt.Errorf("%q is not an IP address or CIDR prefix", entry)
}

func (d *ipSetData) add(entry string) bool {
	key, p, isPrefix := normalize(entry)
	if key == "" {
		return false
	}
	if isPrefix {
		for _, existing := range d.prefixes {
			if existing == p {
				return false
			}
		}
		d.prefixes = append(d.prefixes, p)
		return true
	}
	if _, ok := d.exact[key]; ok {
		return false
	}
	d.exact[key] = struct{}{}
	return true
}

func (d *ipSetData) clone() *ipSetData {
	c := &ipSetData{
		exact:    make(map[string]struct{}, len(d.exact)+1),
		prefixes: append([]netip.Prefix(nil), d.prefixes...),
	}
	for k := range d.exact {
		c.exact[k] = struct{}{}
	}
	return c
}

// Contains reports whether id matches an exact entry or falls in a prefix.
func (s *IPSet) Contains(id string) bool {
	d := s.data.Load()
	key, _, _ := normalize(id)
	if _, ok := d.exact[key]; ok {
		return true
	}
	if len(d.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(key)
	if err != nil {
		return false
	}
	for _, p := range d.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Add inserts entry and reports whether it was new.
func (s *IPSet) Add(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.data.Load().clone()
	if !d.add(entry) {
		return false
	}
	s.data.Store(d)
	return true
}

// Remove deletes entry and reports whether it was present.
func (s *IPSet) Remove(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, p, isPrefix := normalize(entry)
	d := s.data.Load().clone()
	if isPrefix {
		for i, existing := range d.prefixes {
			if existing == p {
				d.prefixes = append(d.prefixes[:i], d.prefixes[i+1:]...)
				s.data.Store(d)
				return true
			}
		}
		return false
	}
	if _, ok := d.exact[key]; !ok {
		return false
	}
	delete(d.exact, key)
	s.data.Store(d)
	return true
}

// Replace swaps the whole content.
func (s *IPSet) Replace(entries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &ipSetData{exact: make(map[string]struct{})}
	for _, e := range entries {
		d.add(e)
	}
	s.data.Store(d)
}

// Len is the number of entries.
func (s *IPSet) Len() int {
	d := s.data.Load()
	return len(d.exact) + len(d.prefixes)
}

// List returns the entries sorted.
func (s *IPSet) List() []string {
	d := s.data.Load()
	out := make([]string, 0, len(d.exact)+len(d.prefixes))
	for k := range d.exact {
		out = append(out, k)
	}
	for _, p := range d.prefixes {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

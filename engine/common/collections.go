package common

import "sort"

// StringSet is a set of strings
type StringSet map[string]struct{}

// Contains checks if Stringset contains the string
func (ss StringSet) Contains(elem string) bool {
	_, ok := ss[elem]
	return ok
}

// Add adds the string to StringSet
func (ss StringSet) Add(elem string) {
	ss[elem] = struct{}{}
}

// Remove removes the string from StringList
func (ss StringSet) Remove(elem string) {
	delete(ss, elem)
}

// ToList convert StringSet to string slice
func (ss StringSet) ToList() []string {
	keys := make([]string, 0, len(ss))
	for s := range ss {
		keys = append(keys, s)
	}
	return keys
}

// AddrSet is a set of peer addresses
type AddrSet map[Addr]struct{}

// Add adds the addr to AddrSet
func (as AddrSet) Add(addr Addr) {
	as[addr] = struct{}{}
}

// Remove removes the addr from AddrSet
func (as AddrSet) Remove(addr Addr) {
	delete(as, addr)
}

// Contains checks if AddrSet contains the addr
func (as AddrSet) Contains(addr Addr) bool {
	_, ok := as[addr]
	return ok
}

// Sorted returns addresses in ascending order
func (as AddrSet) Sorted() []Addr {
	list := make([]Addr, 0, len(as))
	for addr := range as {
		list = append(list, addr)
	}
	SortAddrs(list)
	return list
}

// SortAddrs sorts addresses in place
func SortAddrs(addrs []Addr) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i] < addrs[j]
	})
}

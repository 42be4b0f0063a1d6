package device

import (
	"fmt"
	"strconv"
	"strings"
)

// ReadSpec describes one contiguous block of holding registers to fetch:
// a start address and a register count (count >= 1).
type ReadSpec struct {
	Address uint16
	Count   uint16
}

// Descriptor identifies one field controller and the register ranges polled
// from it each sweep. Descriptors are immutable after configuration load.
// Name is the correlation key carried in telemetry; it is not required to be
// globally unique. An empty Reads list is legal and simply produces no
// telemetry for the device.
type Descriptor struct {
	Name  string
	Host  string
	Port  uint16
	Reads []ReadSpec
}

// Addr returns the host:port dial address for the device.
func (d Descriptor) Addr() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Store holds the ordered, read-only set of device descriptors for the
// process lifetime. Iteration order is the configuration order.
type Store struct {
	descriptors []Descriptor
}

// NewStore copies the given descriptors into a new store.
func NewStore(descriptors []Descriptor) *Store {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	return &Store{descriptors: out}
}

// Descriptors returns the descriptors in configuration order.
// Callers must not mutate the returned slice.
func (s *Store) Descriptors() []Descriptor {
	return s.descriptors
}

// Len returns the number of configured devices.
func (s *Store) Len() int {
	return len(s.descriptors)
}

// ParseQueries parses a semicolon-separated "address,count;address,count"
// list into read specs. Entries that do not parse as two uint16 values, or
// whose count is zero, are dropped and reported in the second return value
// so the caller can log them.
func ParseQueries(raw string) ([]ReadSpec, []string) {
	var specs []ReadSpec
	var dropped []string
	for _, q := range strings.Split(raw, ";") {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		parts := strings.Split(q, ",")
		if len(parts) != 2 {
			dropped = append(dropped, q)
			continue
		}
		addr, err1 := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
		count, err2 := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
		if err1 != nil || err2 != nil || count == 0 {
			dropped = append(dropped, q)
			continue
		}
		specs = append(specs, ReadSpec{Address: uint16(addr), Count: uint16(count)})
	}
	return specs, dropped
}

// FormatQueries is the inverse of ParseQueries.
func FormatQueries(specs []ReadSpec) string {
	parts := make([]string, 0, len(specs))
	for _, s := range specs {
		parts = append(parts, fmt.Sprintf("%d,%d", s.Address, s.Count))
	}
	return strings.Join(parts, ";")
}

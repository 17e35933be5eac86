package metadata

import (
	"net/http"
	"sort"
	"strings"
)

// Metadata represents the transport headers attached to a request, either the
// outbound headers of a broker call or the client headers stamped into
// payload.headers.
type Metadata map[string]string

const (
	// HeaderType selects the broker channel mode (worker, get, async).
	HeaderType = "type"
	// HeaderOption carries broker delivery options.
	HeaderOption = "Option"
	// OptionIfPresent asks the broker to answer empty when no worker exists.
	OptionIfPresent = "if present"

	TypeWorker = "worker"
	TypeGet    = "get"
	TypeAsync  = "async"
)

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Get looks a key up case-insensitively.
func (m Metadata) Get(key string) string {
	if v, ok := m[key]; ok {
		return v
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// Apply copies every entry onto an outgoing HTTP header set.
func (m Metadata) Apply(h http.Header) {
	for k, v := range m {
		h.Set(k, v)
	}
}

// ToPayload converts the map into the loosely typed form stored under
// payload.headers.
func (m Metadata) ToPayload() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Keys returns the sorted header names.
func (m Metadata) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromHTTP flattens request headers into lower-cased keys, joining repeated
// values with ", ".
func FromHTTP(h http.Header) Metadata {
	md := make(Metadata, len(h))
	for k, values := range h {
		md[strings.ToLower(k)] = strings.Join(values, ", ")
	}
	return md
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

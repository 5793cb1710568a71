package message

import (
	"fmt"
	"sort"
)

// OptionID is a registered option number.
type OptionID uint16

// Option numbers from RFC 7252 Section 12.2, RFC 7641, RFC 7959 and RFC 7967.
const (
	IfMatch       OptionID = 1
	URIHost       OptionID = 3
	ETag          OptionID = 4
	IfNoneMatch   OptionID = 5
	Observe       OptionID = 6
	URIPort       OptionID = 7
	LocationPath  OptionID = 8
	URIPath       OptionID = 11
	ContentFormat OptionID = 12
	MaxAge        OptionID = 14
	URIQuery      OptionID = 15
	Accept        OptionID = 17
	LocationQuery OptionID = 20
	Block2        OptionID = 23
	Block1        OptionID = 27
	Size2         OptionID = 28
	ProxyURI      OptionID = 35
	ProxyScheme   OptionID = 39
	Size1         OptionID = 60
	NoResponse    OptionID = 258
)

var optionNames = map[OptionID]string{
	IfMatch:       "If-Match",
	URIHost:       "Uri-Host",
	ETag:          "ETag",
	IfNoneMatch:   "If-None-Match",
	Observe:       "Observe",
	URIPort:       "Uri-Port",
	LocationPath:  "Location-Path",
	URIPath:       "Uri-Path",
	ContentFormat: "Content-Format",
	MaxAge:        "Max-Age",
	URIQuery:      "Uri-Query",
	Accept:        "Accept",
	LocationQuery: "Location-Query",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "Proxy-Uri",
	ProxyScheme:   "Proxy-Scheme",
	Size1:         "Size1",
	NoResponse:    "No-Response",
}

// String returns the registered name, or "Option(n)" for unknown numbers.
func (id OptionID) String() string {
	if name, ok := optionNames[id]; ok {
		return name
	}
	return fmt.Sprintf("Option(%d)", uint16(id))
}

// Critical reports whether an unrecognized option must cause rejection.
func (id OptionID) Critical() bool {
	return id&0x01 != 0
}

// Unsafe reports whether a proxy must understand the option to forward it.
func (id OptionID) Unsafe() bool {
	return id&0x02 != 0
}

// NoCacheKey reports whether the option is excluded from the cache key.
func (id OptionID) NoCacheKey() bool {
	return id&0x1e == 0x1c
}

// Option is a single option instance.
type Option struct {
	ID    OptionID
	Value []byte
}

// Options is an option set ordered by option number. Repeated options keep
// the order in which they were added.
type Options []Option

// Add appends an option, keeping the set ordered.
func (o Options) Add(id OptionID, value []byte) Options {
	i := sort.Search(len(o), func(i int) bool { return o[i].ID > id })
	o = append(o, Option{})
	copy(o[i+1:], o[i:])
	o[i] = Option{ID: id, Value: value}
	return o
}

// Set replaces all instances of id with a single value.
func (o Options) Set(id OptionID, value []byte) Options {
	return o.Remove(id).Add(id, value)
}

// Remove drops every instance of id.
func (o Options) Remove(id OptionID) Options {
	out := o[:0]
	for _, opt := range o {
		if opt.ID != id {
			out = append(out, opt)
		}
	}
	return out
}

// Get returns the first value for id.
func (o Options) Get(id OptionID) ([]byte, bool) {
	for _, opt := range o {
		if opt.ID == id {
			return opt.Value, true
		}
	}
	return nil, false
}

// GetAll returns every value for id in order.
func (o Options) GetAll(id OptionID) [][]byte {
	var values [][]byte
	for _, opt := range o {
		if opt.ID == id {
			values = append(values, opt.Value)
		}
	}
	return values
}

// Has reports whether id is present.
func (o Options) Has(id OptionID) bool {
	_, ok := o.Get(id)
	return ok
}

// Uint decodes the first value for id as a big-endian unsigned integer.
func (o Options) Uint(id OptionID) (uint32, bool) {
	v, ok := o.Get(id)
	if !ok {
		return 0, false
	}
	if len(v) > 4 {
		return 0, false
	}
	return decodeUint(v), true
}

// SetUint sets id to the minimal big-endian encoding of v.
func (o Options) SetUint(id OptionID, v uint32) Options {
	return o.Set(id, encodeUint(v))
}

// Strings returns every value for id as strings.
func (o Options) Strings(id OptionID) []string {
	var values []string
	for _, opt := range o {
		if opt.ID == id {
			values = append(values, string(opt.Value))
		}
	}
	return values
}

// Clone returns a deep copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for i, opt := range o {
		out[i] = Option{ID: opt.ID, Value: append([]byte(nil), opt.Value...)}
	}
	return out
}

func encodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return []byte{}
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func decodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}

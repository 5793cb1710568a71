package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// TXT record keys. Resource type and interface follow the CoRE Link
// Format attribute names.
const (
	txtKeyVersion       = "txtvers"
	txtKeyResourceTypes = "rt"
	txtKeyInterfaces    = "if"
	txtKeyMaxSize       = "sz"
	txtKeyPath          = "path"
)

// TXTVersion is the version written to the txtvers key.
const TXTVersion = 1

// MaxTXTRecordLength is the longest single TXT string (RFC 6763 Section 6.1).
const MaxTXTRecordLength = 255

// ServiceTXT is the metadata published with a CoAP service.
type ServiceTXT struct {
	// ResourceTypes lists the rt values of the hosted resources.
	ResourceTypes []string

	// Interfaces lists the if values of the hosted resources.
	Interfaces []string

	// MaxSize is the largest payload accepted without blockwise transfer.
	// Zero omits the key.
	MaxSize int

	// Path is the base path of the resources, such as "/sensors".
	Path string
}

// Encode returns the TXT strings in a stable order.
func (t *ServiceTXT) Encode() []string {
	txt := []string{fmt.Sprintf("%s=%d", txtKeyVersion, TXTVersion)}
	if len(t.ResourceTypes) > 0 {
		txt = append(txt, txtKeyResourceTypes+"="+strings.Join(t.ResourceTypes, " "))
	}
	if len(t.Interfaces) > 0 {
		txt = append(txt, txtKeyInterfaces+"="+strings.Join(t.Interfaces, " "))
	}
	if t.MaxSize > 0 {
		txt = append(txt, fmt.Sprintf("%s=%d", txtKeyMaxSize, t.MaxSize))
	}
	if t.Path != "" {
		txt = append(txt, txtKeyPath+"="+t.Path)
	}
	return txt
}

// Validate checks that every encoded string fits a TXT record.
func (t *ServiceTXT) Validate() error {
	if t.MaxSize < 0 {
		return fmt.Errorf("%w: negative max size", ErrInvalidTXTRecord)
	}
	for _, s := range t.Encode() {
		if len(s) > MaxTXTRecordLength {
			return fmt.Errorf("%w: %q exceeds %d bytes", ErrInvalidTXTRecord, s[:16]+"...", MaxTXTRecordLength)
		}
	}
	for _, v := range append(append([]string{}, t.ResourceTypes...), t.Interfaces...) {
		if v == "" || strings.ContainsAny(v, " =") {
			return fmt.Errorf("%w: value %q", ErrInvalidTXTRecord, v)
		}
	}
	return nil
}

// ParseTXT parses raw TXT record strings into a map. Strings without "="
// are boolean attributes and map to "".
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string)
	for _, record := range records {
		if idx := strings.IndexByte(record, '='); idx > 0 {
			key := strings.ToLower(record[:idx])
			// The first occurrence of a key wins (RFC 6763 Section 6.4).
			if _, ok := result[key]; !ok {
				result[key] = record[idx+1:]
			}
		} else if record != "" {
			result[strings.ToLower(record)] = ""
		}
	}
	return result
}

// ParseServiceTXT parses raw TXT records into a ServiceTXT.
func ParseServiceTXT(records []string) (*ServiceTXT, error) {
	m := ParseTXT(records)
	txt := &ServiceTXT{
		ResourceTypes: strings.Fields(m[txtKeyResourceTypes]),
		Interfaces:    strings.Fields(m[txtKeyInterfaces]),
		Path:          m[txtKeyPath],
	}
	if v, ok := m[txtKeyVersion]; ok && v != strconv.Itoa(TXTVersion) {
		return nil, fmt.Errorf("%w: unsupported txtvers %q", ErrInvalidTXTRecord, v)
	}
	if v, ok := m[txtKeyMaxSize]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: sz=%q", ErrInvalidTXTRecord, v)
		}
		txt.MaxSize = n
	}
	return txt, nil
}

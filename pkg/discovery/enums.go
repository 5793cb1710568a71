// Package discovery advertises and resolves CoAP endpoints with DNS-SD.
//
// This package provides:
//   - Service advertising for _coap._udp and _coaps._udp
//   - Service resolution to find other CoAP endpoints on the link
//   - TXT record encoding/decoding for resource metadata
package discovery

import "github.com/backkem/coap/pkg/transport"

// ServiceType identifies the type of DNS-SD service.
type ServiceType int

// ServiceType constants.
const (
	// ServiceTypeUnknown represents an unknown or invalid service type.
	ServiceTypeUnknown ServiceType = iota

	// ServiceTypeCoAP is plain CoAP over UDP.
	// Service type: _coap._udp
	ServiceTypeCoAP

	// ServiceTypeCoAPS is CoAP over DTLS. It is only advertised; this
	// module does not implement DTLS.
	// Service type: _coaps._udp
	ServiceTypeCoAPS
)

// DNS-SD service type strings.
const (
	// ServiceCoAP is the DNS-SD service type for CoAP over UDP.
	ServiceCoAP = "_coap._udp"

	// ServiceCoAPS is the DNS-SD service type for CoAP over DTLS.
	ServiceCoAPS = "_coaps._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// String returns a human-readable string for the service type.
func (s ServiceType) String() string {
	switch s {
	case ServiceTypeCoAP:
		return "CoAP"
	case ServiceTypeCoAPS:
		return "CoAPS"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the service type is valid.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeCoAP || s == ServiceTypeCoAPS
}

// ServiceString returns the DNS-SD service type string.
func (s ServiceType) ServiceString() string {
	switch s {
	case ServiceTypeCoAP:
		return ServiceCoAP
	case ServiceTypeCoAPS:
		return ServiceCoAPS
	default:
		return ""
	}
}

// DefaultPort returns the IANA port of the service type.
func (s ServiceType) DefaultPort() int {
	if s == ServiceTypeCoAPS {
		return transport.DefaultSecurePort
	}
	return transport.DefaultPort
}

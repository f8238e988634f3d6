package inspector

import "fmt"

// ProtocolVersion identifies an MCP authorization protocol revision.
type ProtocolVersion string

// Supported MCP protocol versions.
const (
	Version20250326 ProtocolVersion = "2025-03-26"
	Version20250618 ProtocolVersion = "2025-06-18"
	Version20251125 ProtocolVersion = "2025-11-25"
)

// RegistrationStrategy identifies how the flow obtains a client identity.
type RegistrationStrategy string

// Supported client registration strategies.
const (
	// StrategyDCR registers the client at runtime via RFC 7591 Dynamic
	// Client Registration.
	StrategyDCR RegistrationStrategy = "dcr"

	// StrategyCIMD presents an HTTPS URL as the client_id; the
	// authorization server fetches the Client ID Metadata Document itself.
	StrategyCIMD RegistrationStrategy = "cimd"

	// StrategyPreregistered uses a statically supplied (or synthetic)
	// client id and optional secret.
	StrategyPreregistered RegistrationStrategy = "preregistered"
)

// ProtocolProfile parameterizes the step dispatcher with everything that
// differs between protocol versions, so a single state machine serves all
// revisions.
type ProtocolProfile struct {
	// Version is the MCP protocol revision this profile implements
	Version ProtocolVersion

	// AllowedStrategies lists the registration strategies this revision permits
	AllowedStrategies []RegistrationStrategy

	// DefaultStrategy is used when the caller does not request one
	DefaultStrategy RegistrationStrategy

	// RequirePKCE makes a missing S256 advertisement a hard validation
	// failure instead of a logged warning
	RequirePKCE bool

	// RequireResourceParam makes the RFC 8707 resource parameter mandatory
	// on authorization and token requests
	RequireResourceParam bool

	// RootDiscoveryFallback appends root well-known URLs to the AS metadata
	// candidate list for issuers with path components
	RootDiscoveryFallback bool
}

// profiles holds the three supported revisions. 2025-03-26 and 2025-06-18
// share behavior; 2025-11-25 mandates PKCE and the resource parameter,
// introduces CIMD, and drops the root discovery fallback.
var profiles = map[ProtocolVersion]ProtocolProfile{
	Version20250326: {
		Version:               Version20250326,
		AllowedStrategies:     []RegistrationStrategy{StrategyDCR, StrategyPreregistered},
		DefaultStrategy:       StrategyDCR,
		RequirePKCE:           false,
		RequireResourceParam:  false,
		RootDiscoveryFallback: true,
	},
	Version20250618: {
		Version:               Version20250618,
		AllowedStrategies:     []RegistrationStrategy{StrategyDCR, StrategyPreregistered},
		DefaultStrategy:       StrategyDCR,
		RequirePKCE:           false,
		RequireResourceParam:  false,
		RootDiscoveryFallback: true,
	},
	Version20251125: {
		Version:               Version20251125,
		AllowedStrategies:     []RegistrationStrategy{StrategyCIMD, StrategyDCR, StrategyPreregistered},
		DefaultStrategy:       StrategyCIMD,
		RequirePKCE:           true,
		RequireResourceParam:  true,
		RootDiscoveryFallback: false,
	},
}

// SupportedVersions returns the protocol versions this build understands,
// oldest first.
func SupportedVersions() []ProtocolVersion {
	return []ProtocolVersion{Version20250326, Version20250618, Version20251125}
}

// ProfileFor returns the protocol profile for a version.
func ProfileFor(version ProtocolVersion) (ProtocolProfile, error) {
	profile, ok := profiles[version]
	if !ok {
		return ProtocolProfile{}, fmt.Errorf("unsupported protocol version %q (supported: %v)", version, SupportedVersions())
	}
	return profile, nil
}

// SupportsStrategy reports whether this revision permits the strategy.
func (p ProtocolProfile) SupportsStrategy(strategy RegistrationStrategy) bool {
	for _, s := range p.AllowedStrategies {
		if s == strategy {
			return true
		}
	}
	return false
}

// ResolveStrategy validates a requested registration strategy against the
// profile, substituting the profile default when the request is empty.
// Unsupported combinations fail here, at construction time, rather than
// surfacing as a confusing runtime failure mid-flow.
func (p ProtocolProfile) ResolveStrategy(requested RegistrationStrategy) (RegistrationStrategy, error) {
	if requested == "" {
		return p.DefaultStrategy, nil
	}
	if !p.SupportsStrategy(requested) {
		return "", fmt.Errorf("registration strategy %q is not supported by protocol version %s (allowed: %v)", requested, p.Version, p.AllowedStrategies)
	}
	return requested, nil
}

package wire

import "fmt"

// ProtocolVersion identifies a wire protocol revision.
type ProtocolVersion struct {
	Major uint32 `cbor:"major"`
	Minor uint32 `cbor:"minor"`
}

// CurrentVersion is the only protocol revision this module speaks.
var CurrentVersion = ProtocolVersion{Major: 3, Minor: 0}

// Compare returns -1, 0 or 1 ordering versions by major then minor.
func (v ProtocolVersion) Compare(o ProtocolVersion) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// SupportedVersions is an inclusive version range advertised by a peer.
type SupportedVersions struct {
	Min ProtocolVersion `cbor:"min"`
	Max ProtocolVersion `cbor:"max"`
}

// CurrentSupportedVersions returns the range containing only CurrentVersion.
func CurrentSupportedVersions() SupportedVersions {
	return SupportedVersions{Min: CurrentVersion, Max: CurrentVersion}
}

// Supports reports whether v lies inside the range.
func (s SupportedVersions) Supports(v ProtocolVersion) bool {
	return s.Min.Compare(v) <= 0 && v.Compare(s.Max) <= 0
}

// ChooseCommon returns the highest version both ranges contain.
func (s SupportedVersions) ChooseCommon(o SupportedVersions) (ProtocolVersion, bool) {
	lo := s.Min
	if o.Min.Compare(lo) > 0 {
		lo = o.Min
	}
	hi := s.Max
	if o.Max.Compare(hi) < 0 {
		hi = o.Max
	}
	if lo.Compare(hi) > 0 {
		return ProtocolVersion{}, false
	}
	return hi, true
}

func (s SupportedVersions) String() string {
	return fmt.Sprintf("%s..=%s", s.Min, s.Max)
}

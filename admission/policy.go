// Package admission decides which workers a router lets in once the
// handshake's structural checks have passed.
package admission

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/machinefabric/shardrpc-go/wire"
)

//go:embed policy.schema.json
var policySchema []byte

// ShardPolicy configures a single shard.
type ShardPolicy struct {
	ShardID uint32 `json:"shard_id"`
	// AuthToken, when set, must match the worker's hello token exactly.
	AuthToken *string `json:"auth_token,omitempty"`
	// MaxWorkers caps concurrently admitted workers; zero means no cap.
	MaxWorkers int `json:"max_workers,omitempty"`
}

// Version is the JSON form of a protocol version.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

// Protocol converts v to its wire form
func (v Version) Protocol() wire.ProtocolVersion {
	return wire.ProtocolVersion{Major: v.Major, Minor: v.Minor}
}

// Policy is the admission configuration a router loads at startup.
type Policy struct {
	Shards             []ShardPolicy `json:"shards"`
	AllowUnknownShards bool          `json:"allow_unknown_shards"`
	MinVersion         *Version      `json:"min_version,omitempty"`
	RequireCachedIndex bool          `json:"require_cached_index"`
}

// OpenPolicy admits every shard without further checks.
func OpenPolicy() *Policy {
	return &Policy{AllowUnknownShards: true}
}

// Shard returns the policy for shardID, if one is configured.
func (p *Policy) Shard(shardID uint32) (ShardPolicy, bool) {
	for _, s := range p.Shards {
		if s.ShardID == shardID {
			return s, true
		}
	}
	return ShardPolicy{}, false
}

// ValidationError lists every reason a policy document was refused.
type ValidationError struct {
	Source  string
	Details []string
}

func (e *ValidationError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("invalid admission policy %s: %s", e.Source, strings.Join(e.Details, "; "))
	}
	return fmt.Sprintf("invalid admission policy: %s", strings.Join(e.Details, "; "))
}

// LoadPolicy reads and validates a policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read admission policy: %w", err)
	}
	p, err := ParsePolicy(data)
	if verr, ok := err.(*ValidationError); ok {
		verr.Source = path
	}
	return p, err
}

// ParsePolicy validates data against the policy schema and decodes it.
func ParsePolicy(data []byte) (*Policy, error) {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(policySchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, &ValidationError{Details: []string{err.Error()}}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, &ValidationError{Details: details}
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ValidationError{Details: []string{err.Error()}}
	}

	seen := make(map[uint32]bool, len(p.Shards))
	var details []string
	for _, s := range p.Shards {
		if seen[s.ShardID] {
			details = append(details, fmt.Sprintf("shards: shard %d is listed more than once", s.ShardID))
		}
		seen[s.ShardID] = true
	}
	if len(details) > 0 {
		return nil, &ValidationError{Details: details}
	}
	return &p, nil
}

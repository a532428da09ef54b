// Package replconfig turns per-collection replication settings into one uniform
// configuration, and translates between the checkpoint conventions of the two
// backends. Everything here is pure and never fails: malformed input degrades
// to empty results.
package replconfig

import (
	"strings"
	"time"
	"unicode"

	"github.com/kioskworks/kiosksync/pkg/constants"
	"github.com/kioskworks/kiosksync/pkg/models"
)

// Modifier transforms a document on its way in or out of the local store.
type Modifier func(models.Document) models.Document

// Defaults are shared by every collection unless overridden.
type Defaults struct {
	BatchSize         int
	RetryInterval     time.Duration
	Live              bool
	WaitForLeadership bool
}

// DefaultDefaults returns the module wide replication defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		BatchSize:     constants.DefaultBatchSize,
		RetryInterval: constants.DefaultRetryInterval,
		Live:          true,
	}
}

// CollectionSpec describes what differs between collections.
// Empty names are derived from Name.
type CollectionSpec struct {
	Name string

	QueryName  string
	StreamName string
	PushName   string

	CheckpointInputType string
	PushRowType         string

	// Fields are the document fields requested from the backend, besides id,
	// the tombstone flag and the checkpoint field.
	Fields []string

	// PullQueryTemplate optionally replaces the generated pull query.
	// Its checkpoint selection is retargeted per endpoint.
	PullQueryTemplate string

	BatchSize     int
	RetryInterval time.Duration

	PullModifier Modifier
	PushModifier Modifier
}

// CollectionConfig is the uniform configuration a replication session runs with.
type CollectionConfig struct {
	Name string

	QueryName  string
	StreamName string
	PushName   string

	CheckpointInputType string
	PushRowType         string

	Fields            []string
	PullQueryTemplate string

	BatchSize         int
	RetryInterval     time.Duration
	Live              bool
	WaitForLeadership bool

	PullModifier Modifier
	PushModifier Modifier
}

// Build merges a CollectionSpec with defaults.
func Build(cs CollectionSpec, d Defaults) CollectionConfig {
	suffix := exportedName(cs.Name)

	cfg := CollectionConfig{
		Name:                cs.Name,
		QueryName:           firstNonEmpty(cs.QueryName, "pull"+suffix),
		StreamName:          firstNonEmpty(cs.StreamName, "stream"+suffix),
		PushName:            firstNonEmpty(cs.PushName, "push"+suffix),
		CheckpointInputType: firstNonEmpty(cs.CheckpointInputType, "Checkpoint"+suffix+"Input"),
		PushRowType:         firstNonEmpty(cs.PushRowType, suffix+"InputPushRow"),
		Fields:              append([]string(nil), cs.Fields...),
		PullQueryTemplate:   cs.PullQueryTemplate,
		BatchSize:           d.BatchSize,
		RetryInterval:       d.RetryInterval,
		Live:                d.Live,
		WaitForLeadership:   d.WaitForLeadership,
		PullModifier:        cs.PullModifier,
		PushModifier:        cs.PushModifier,
	}
	if cs.BatchSize > 0 {
		cfg.BatchSize = cs.BatchSize
	}
	if cs.RetryInterval > 0 {
		cfg.RetryInterval = cs.RetryInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = constants.DefaultBatchSize
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = constants.DefaultRetryInterval
	}
	return cfg
}

// ResponseKeys lists the top-level keys a pull payload may be nested under.
func (c CollectionConfig) ResponseKeys() []string {
	return []string{c.QueryName, c.StreamName}
}

// CheckpointFieldFor returns the timestamp field ep expects.
func CheckpointFieldFor(ep models.BackendEndpoint) string {
	if ep.CheckpointField != "" {
		return ep.CheckpointField
	}
	if ep.Name == constants.EndpointSecondary {
		return constants.FieldCloudUpdatedAt
	}
	return constants.FieldServerUpdatedAt
}

// OtherCheckpointField returns the field used by the other backend.
func OtherCheckpointField(field string) string {
	if field == constants.FieldCloudUpdatedAt {
		return constants.FieldServerUpdatedAt
	}
	return constants.FieldCloudUpdatedAt
}

// BuildCheckpoint returns the checkpoint payload for ep, holding only ep's field.
func BuildCheckpoint(ep models.BackendEndpoint, id, updatedAt string) map[string]any {
	return models.Checkpoint{ID: id, Field: CheckpointFieldFor(ep), UpdatedAt: updatedAt}.Map()
}

// PullVariables returns the variables of a pull request starting after cp.
// A zero checkpoint requests from the beginning.
func PullVariables(c CollectionConfig, cp models.Checkpoint) map[string]any {
	vars := map[string]any{"limit": c.BatchSize}
	if cp.IsZero() {
		vars["checkpoint"] = nil
	} else {
		vars["checkpoint"] = cp.Map()
	}
	return vars
}

func exportedName(name string) string {
	var sb strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' || r == '-' || r == ' ' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

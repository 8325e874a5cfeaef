// Package vmspecs reconciles the three SKU naming conventions in play: the
// upstream pricing feed ("D4s v3"), the hand-curated spec file
// ("Standard_D4s_v3") and the externally scraped vm_types table (sometimes
// bare "D4s_v3"). Canonicalize and Lookup are the single reconciliation
// point; nothing else in the codebase compares SKU names directly.
package vmspecs

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"azure-cost/db"
)

//go:embed vm_specs.json
var staticSpecsJSON []byte

var whitespaceRun = regexp.MustCompile(`\s+`)

// Canonicalize converts a raw SKU label to the Standard_* form.
//
//	"A0"              -> "Standard_A0"
//	"D4s v3"          -> "Standard_D4s_v3"
//	"Standard_D4s_v3" -> unchanged
func Canonicalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return s
	}
	if len(s) >= len("Standard_") && strings.EqualFold(s[:len("Standard_")], "Standard_") {
		return s
	}
	return "Standard_" + whitespaceRun.ReplaceAllString(s, "_")
}

// Catalog holds hardware specs keyed by lowercase canonical SKU name.
type Catalog struct {
	mu    sync.RWMutex
	specs map[string]db.HardwareSpec
}

type staticSpec struct {
	Family       string  `json:"family"`
	VCPUs        int     `json:"vCpus"`
	MemoryGiB    float64 `json:"memoryGib"`
	CombinedIOPS int64   `json:"combinedIops"`
	GPUs         int     `json:"gpus"`
	GPUType      string  `json:"gpuType"`
}

// NewCatalog loads the embedded hand-curated spec set.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{specs: make(map[string]db.HardwareSpec)}

	var raw map[string]staticSpec
	if err := json.Unmarshal(staticSpecsJSON, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse embedded VM specs: %w", err)
	}
	for name, s := range raw {
		c.specs[strings.ToLower(name)] = db.HardwareSpec{
			Name:         name,
			Family:       s.Family,
			VCPUs:        s.VCPUs,
			MemoryGiB:    s.MemoryGiB,
			CombinedIOPS: s.CombinedIOPS,
			GPUs:         s.GPUs,
			GPUType:      s.GPUType,
		}
	}
	return c, nil
}

// MergeHardware folds vm_types rows into the catalog. A scraped row wins over
// the static entry, but zero-valued fields keep the static values so a sparse
// export does not blank out curated data.
func (c *Catalog) MergeHardware(rows []db.HardwareSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, row := range rows {
		if row.Name == "" {
			continue
		}
		key := strings.ToLower(Canonicalize(row.Name))
		if existing, ok := c.specs[key]; ok {
			if row.Family == "" {
				row.Family = existing.Family
			}
			if row.VCPUs == 0 {
				row.VCPUs = existing.VCPUs
			}
			if row.MemoryGiB == 0 {
				row.MemoryGiB = existing.MemoryGiB
			}
			if row.CombinedIOPS == 0 {
				row.CombinedIOPS = existing.CombinedIOPS
			}
			if row.GPUs == 0 {
				row.GPUs = existing.GPUs
			}
			if row.GPUType == "" {
				row.GPUType = existing.GPUType
			}
		}
		c.specs[key] = row
	}
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}

// Lookup finds the spec for a SKU label, trying in order:
//
//  1. exact match, case-insensitive
//  2. the canonicalized form
//  3. a scan with any Standard_ prefix stripped from both sides
//
// Returns nil when nothing matches; callers render price-only results.
func (c *Catalog) Lookup(raw string) *db.HardwareSpec {
	if raw == "" {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	lower := strings.ToLower(strings.TrimSpace(raw))
	if spec, ok := c.specs[lower]; ok {
		return &spec
	}

	if spec, ok := c.specs[strings.ToLower(Canonicalize(raw))]; ok {
		return &spec
	}

	bare := strings.TrimPrefix(lower, "standard_")
	for key, spec := range c.specs {
		if strings.TrimPrefix(key, "standard_") == bare {
			s := spec
			return &s
		}
	}
	return nil
}

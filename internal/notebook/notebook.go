// Package notebook is the document CRUD collaborator: a thin wrapper over
// nbformat 4.x JSON files. It reads ordered cells, writes execution results
// back in place, and computes the executed-cell fingerprint the sync
// protocol compares against kernel state.
//
// The wrapper deliberately round-trips cells as generic maps so fields it
// does not understand survive a write.
package notebook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Cell is the typed view of one notebook cell.
type Cell struct {
	ID             string
	Index          int
	Type           string // "code", "markdown", "raw"
	Source         string
	ExecutionCount *int
}

// Output is one nbformat output entry written back into a cell.
type Output struct {
	// OutputType is "stream", "execute_result", "display_data" or "error".
	OutputType string
	StreamName string            // for stream outputs
	Text       string            // for stream outputs
	Data       map[string]string // mime -> payload, for result/display
	Ename      string
	Evalue     string
	Traceback  []string
}

// CellPrint is one element of the executed-cell fingerprint: a cell identity
// paired with a content hash, in document order.
type CellPrint struct {
	CellID string `json:"cell_id"`
	Hash   string `json:"hash"`
}

type rawNotebook struct {
	Cells         []map[string]json.RawMessage `json:"cells"`
	Metadata      json.RawMessage              `json:"metadata,omitempty"`
	NBFormat      int                          `json:"nbformat"`
	NBFormatMinor int                          `json:"nbformat_minor"`
}

// Files accesses notebooks on the local filesystem.
type Files struct{}

// NewFiles returns a filesystem-backed notebook accessor.
func NewFiles() *Files { return &Files{} }

func load(path string) (*rawNotebook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var nb rawNotebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", filepath.Base(path), err)
	}
	return &nb, nil
}

func save(path string, nb *rawNotebook) error {
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	// Write-then-rename so a concurrent reader never sees a half-written file.
	tmp := path + ".nbpilot.tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadCells returns the notebook's cells in document order.
func (f *Files) ReadCells(path string) ([]Cell, error) {
	nb, err := load(path)
	if err != nil {
		return nil, err
	}
	cells := make([]Cell, 0, len(nb.Cells))
	for i, raw := range nb.Cells {
		cells = append(cells, decodeCell(raw, i))
	}
	return cells, nil
}

func decodeCell(raw map[string]json.RawMessage, index int) Cell {
	c := Cell{Index: index, Type: "code"}
	if v, ok := raw["cell_type"]; ok {
		_ = json.Unmarshal(v, &c.Type)
	}
	if v, ok := raw["id"]; ok {
		_ = json.Unmarshal(v, &c.ID)
	}
	if c.ID == "" {
		// nbformat < 4.5 has no cell ids; fall back to a positional identity.
		c.ID = fmt.Sprintf("cell-%d", index)
	}
	if v, ok := raw["source"]; ok {
		c.Source = decodeSource(v)
	}
	if v, ok := raw["execution_count"]; ok && string(v) != "null" {
		var n int
		if json.Unmarshal(v, &n) == nil {
			c.ExecutionCount = &n
		}
	}
	return c
}

// decodeSource handles both source encodings nbformat allows: a single
// string or a list of line strings.
func decodeSource(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var lines []string
	if json.Unmarshal(raw, &lines) == nil {
		return strings.Join(lines, "")
	}
	return ""
}

// FindCell resolves a cell reference. A reference is either a cell id or a
// zero-based index rendered in decimal.
func (f *Files) FindCell(path, ref string) (Cell, error) {
	cells, err := f.ReadCells(path)
	if err != nil {
		return Cell{}, err
	}
	for _, c := range cells {
		if c.ID == ref {
			return c, nil
		}
	}
	var idx int
	if _, err := fmt.Sscanf(ref, "%d", &idx); err == nil && idx >= 0 && idx < len(cells) {
		return cells[idx], nil
	}
	return Cell{}, fmt.Errorf("cell %q not found in %s", ref, filepath.Base(path))
}

// WriteExecutionResult replaces the outputs and execution count of one cell.
// Unknown cell fields are preserved.
func (f *Files) WriteExecutionResult(path, cellID string, outputs []Output, execCount int) error {
	nb, err := load(path)
	if err != nil {
		return err
	}
	for i, raw := range nb.Cells {
		c := decodeCell(raw, i)
		if c.ID != cellID {
			continue
		}
		countJSON, _ := json.Marshal(execCount)
		raw["execution_count"] = countJSON
		outJSON, err := json.Marshal(encodeOutputs(outputs, execCount))
		if err != nil {
			return err
		}
		raw["outputs"] = outJSON
		return save(path, nb)
	}
	return fmt.Errorf("cell %q not found in %s", cellID, filepath.Base(path))
}

func encodeOutputs(outputs []Output, execCount int) []map[string]any {
	encoded := make([]map[string]any, 0, len(outputs))
	for _, o := range outputs {
		switch o.OutputType {
		case "stream":
			encoded = append(encoded, map[string]any{
				"output_type": "stream",
				"name":        o.StreamName,
				"text":        o.Text,
			})
		case "execute_result":
			encoded = append(encoded, map[string]any{
				"output_type":     "execute_result",
				"execution_count": execCount,
				"data":            dataOrPlain(o),
				"metadata":        map[string]any{},
			})
		case "display_data":
			encoded = append(encoded, map[string]any{
				"output_type": "display_data",
				"data":        dataOrPlain(o),
				"metadata":    map[string]any{},
			})
		case "error":
			encoded = append(encoded, map[string]any{
				"output_type": "error",
				"ename":       o.Ename,
				"evalue":      o.Evalue,
				"traceback":   o.Traceback,
			})
		}
	}
	return encoded
}

func dataOrPlain(o Output) map[string]string {
	if len(o.Data) > 0 {
		return o.Data
	}
	return map[string]string{"text/plain": o.Text}
}

// Fingerprint returns the ordered (cell id, content hash) list of code cells
// that carry an execution count. This is the disk side of the sync
// comparison; it is content-based, never timestamp-based.
func (f *Files) Fingerprint(path string) ([]CellPrint, error) {
	cells, err := f.ReadCells(path)
	if err != nil {
		return nil, err
	}
	var fp []CellPrint
	for _, c := range cells {
		if c.Type != "code" || c.ExecutionCount == nil {
			continue
		}
		fp = append(fp, CellPrint{CellID: c.ID, Hash: HashSource(c.Source)})
	}
	return fp, nil
}

// HashSource hashes cell source for fingerprint comparison.
func HashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

var assetRefPattern = regexp.MustCompile(`asset://[0-9a-f]+/([0-9a-f-]+)`)

// AssetRefs scans the raw notebook bytes for asset references. Liveness is
// reconstructed by scanning, not tracked transactionally, so garbage
// collection always works from the current on-disk document.
func (f *Files) AssetRefs(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	refs := make(map[string]bool)
	for _, m := range assetRefPattern.FindAllSubmatch(data, -1) {
		refs[string(m[1])] = true
	}
	return refs, nil
}

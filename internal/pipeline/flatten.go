package pipeline

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/Guliveer/vitalis/telemetry/internal/models"
)

// Flatten turns a snapshot into dotted path -> value pairs using the JSON
// field names: "cpu.usage", "cores.0.idle", "stability.pressure.io.some.avg10".
// Lists of named records (interfaces, disks, batteries) are keyed by name
// instead of index so paths stay stable when entries come and go.
func Flatten(snap *models.MetricsSnapshot) map[string]any {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil
	}
	out := make(map[string]any)
	walk("", tree, out)
	return out
}

// FlattenStrings is Flatten with every value formatted as a string.
func FlattenStrings(snap *models.MetricsSnapshot) map[string]string {
	flat := Flatten(snap)
	out := make(map[string]string, len(flat))
	for k, v := range flat {
		out[k] = formatValue(v)
	}
	return out
}

// NumericSample is one numeric leaf of a flattened snapshot.
type NumericSample struct {
	Name  string
	Value float64
}

// Numeric returns the numeric leaves of a snapshot sorted by name.
func Numeric(snap *models.MetricsSnapshot) []NumericSample {
	flat := Flatten(snap)
	out := make([]NumericSample, 0, len(flat))
	for k, v := range flat {
		if f, ok := v.(float64); ok {
			out = append(out, NumericSample{Name: k, Value: f})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func walk(prefix string, v any, out map[string]any) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			walk(join(prefix, k), child, out)
		}
	case []any:
		for i, child := range node {
			walk(join(prefix, elementKey(i, child)), child, out)
		}
	default:
		if prefix != "" {
			out[prefix] = node
		}
	}
}

// elementKey names a list element by its "name" or "device" field when it
// has one, else by index.
func elementKey(i int, v any) string {
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"name", "device"} {
			if s, ok := m[key].(string); ok && s != "" {
				if _, hasPID := m["pid"]; !hasPID {
					return s
				}
			}
		}
	}
	return strconv.Itoa(i)
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, _ := json.Marshal(x)
		return string(b)
	}
}

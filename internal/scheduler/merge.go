package scheduler

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Patch is a partial task update keyed by JSON field name.
// Values under "overrides" and "meta" merge key-by-key; a nil value removes
// the key. Everything else replaces the stored value wholesale.
type Patch map[string]any

// nestedKeys are the task fields merged recursively instead of replaced.
var nestedKeys = map[string]bool{
	"overrides": true,
	"meta":      true,
}

// toDocument converts a task into a plain key/value document.
func toDocument(t Task) (map[string]any, error) {
	return normalize(t)
}

// fromDocument converts a document back into a task.
func fromDocument(doc map[string]any) (Task, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode task document: %w", err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode task document: %w", err)
	}
	return t, nil
}

// normalize round-trips v through JSON so both sides of a comparison share
// one representation (numbers as float64, slices as []any). A cyclic value is
// reported as an error by the encoder.
func normalize(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to normalize value: %w", err)
	}
	return doc, nil
}

// mergeDocument applies patch onto dst in place.
func mergeDocument(dst map[string]any, patch map[string]any) {
	for key, value := range patch {
		if value == nil {
			delete(dst, key)
			continue
		}
		if nestedKeys[key] {
			src, ok := value.(map[string]any)
			cur, curOK := dst[key].(map[string]any)
			if ok && curOK {
				dst[key] = mergeNested(cur, src)
				continue
			}
		}
		dst[key] = value
	}
}

func mergeNested(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		if v == nil {
			delete(out, k)
			continue
		}
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := out[k].(map[string]any); ok {
				out[k] = mergeNested(dv, sv)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// diffDocuments returns the keys whose values differ between before and
// after. Keys present only in before map to nil.
func diffDocuments(before, after map[string]any) Patch {
	diff := Patch{}
	for key, value := range after {
		if old, ok := before[key]; !ok || !reflect.DeepEqual(old, value) {
			diff[key] = value
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			diff[key] = nil
		}
	}
	return diff
}

// cloneValue deep-copies plain key/value structures. A container already on
// the current path is a back-reference and is dropped from the copy.
func cloneValue(v any, path map[uintptr]bool) any {
	if path == nil {
		path = make(map[uintptr]bool)
	}
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		ptr := reflect.ValueOf(val).Pointer()
		if path[ptr] {
			return nil
		}
		path[ptr] = true
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item, path)
		}
		delete(path, ptr)
		return out
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item, path)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return v
	}
}

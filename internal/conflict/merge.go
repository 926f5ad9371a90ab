package conflict

import (
	"encoding/json"
	"strings"

	"clinic-scheduler/internal/model"
)

// Merge combines a local edit with the remote snapshot field by field:
// objects merge recursively, lists are unioned (remote order, then unseen
// local items), and scalars take the local value when local sets one.
// Type rules then pin fields that must not be overridden by a merge.
// Merge(local, Merge(local, remote)) equals Merge(local, remote).
func Merge(typ model.RecordType, local, remote map[string]any) map[string]any {
	out := mergeMaps(local, remote)

	switch typ {
	case model.RecordAppointment:
		if s, _ := remote["status"].(string); model.AppointmentStatus(s) == model.StatusCancelled {
			out["status"] = s
		}
		for _, k := range []string{"start", "duration_mins"} {
			if v, ok := remote[k]; ok {
				out[k] = clone(v)
			} else {
				delete(out, k)
			}
		}
	case model.RecordPrescription:
		if s, _ := remote["status"].(string); terminalPrescription(s) {
			out["status"] = s
		}
	}
	return out
}

func terminalPrescription(status string) bool {
	switch strings.ToLower(status) {
	case "discontinued", "cancelled":
		return true
	}
	return false
}

func mergeMaps(local, remote map[string]any) map[string]any {
	out := make(map[string]any, len(remote)+len(local))
	for k, v := range remote {
		out[k] = clone(v)
	}
	for k, lv := range local {
		rv, ok := remote[k]
		if !ok {
			out[k] = clone(lv)
			continue
		}
		out[k] = mergeValue(lv, rv)
	}
	return out
}

func mergeValue(lv, rv any) any {
	switch l := lv.(type) {
	case nil:
		return clone(rv)
	case map[string]any:
		if r, ok := rv.(map[string]any); ok {
			return mergeMaps(l, r)
		}
	case []any:
		if r, ok := rv.([]any); ok {
			return union(r, l)
		}
	}
	return clone(lv)
}

func union(remote, local []any) []any {
	out := make([]any, 0, len(remote)+len(local))
	seen := make(map[string]bool, len(remote)+len(local))
	for _, v := range remote {
		seen[canonical(v)] = true
		out = append(out, clone(v))
	}
	for _, v := range local {
		key := canonical(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, clone(v))
	}
	return out
}

// canonical relies on encoding/json sorting map keys.
func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = clone(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = clone(x)
		}
		return s
	}
	return v
}

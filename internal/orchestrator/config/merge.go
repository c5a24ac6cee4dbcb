package config

import (
	"encoding/json"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// MergeWorkload merges a variant's overrides onto the base workload and
// returns the resulting workload artefact. The merge is a pure function of
// (base, variant): every field with a default in base is present after
// merge, overrides take precedence, and unknown keys are rejected.
func MergeWorkload(base WorkloadConfig, overrides map[string]interface{}) (WorkloadConfig, error) {
	baseMap, err := toMap(base)
	if err != nil {
		return WorkloadConfig{}, errors.Wrap(err, "encoding base workload")
	}

	merged := shallowMerge(baseMap, overrides)

	var out WorkloadConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		ErrorUnused:      true,
		WeaklyTypedInput: false,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return WorkloadConfig{}, errors.Wrap(err, "building decoder")
	}
	if err := decoder.Decode(merged); err != nil {
		return WorkloadConfig{}, errors.Wrap(err, "decoding merged workload: unknown keys are rejected")
	}
	return out, nil
}

// toMap decodes w into a generic map with mapstructure, so the keys are the
// mapstructure tags already present on WorkloadConfig (which mirror the
// yaml tags).
func toMap(w WorkloadConfig) (map[string]interface{}, error) {
	var generic map[string]interface{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &generic,
	})
	if err != nil {
		return nil, err
	}
	// mapstructure can decode a struct into a map directly.
	if err := decoder.Decode(w); err != nil {
		return nil, err
	}
	return generic, nil
}

// shallowMerge overlays override keys onto base, returning a new map; base
// and override are never mutated, which is what makes MergeWorkload
// idempotent under repeated application.
func shallowMerge(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

// SerialiseStable renders a workload artefact as canonical, deterministic
// JSON: object keys sorted, so repeated application of MergeWorkload
// followed by SerialiseStable yields byte-identical artefacts for the same
// (base, variant) pair.
func SerialiseStable(w WorkloadConfig) ([]byte, error) {
	generic, err := toMap(w)
	if err != nil {
		return nil, err
	}
	return stableJSON(generic)
}

func stableJSON(v interface{}) ([]byte, error) {
	switch typed := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(typed))
		for k := range typed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			valJSON, err := stableJSON(typed[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, valJSON...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range typed {
			if i > 0 {
				buf = append(buf, ',')
			}
			itemJSON, err := stableJSON(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, itemJSON...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}

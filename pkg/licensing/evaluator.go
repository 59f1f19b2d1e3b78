package licensing

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Evaluator answers entitlement questions over a feature list. It has no
// side effects; usage accounting belongs to the caller.
type Evaluator struct {
	features []Feature
}

// NewEvaluator creates an evaluator over features.
func NewEvaluator(features []Feature) *Evaluator {
	return &Evaluator{features: features}
}

// RestrictionCheck describes how one context value compared against a
// stored restriction.
type RestrictionCheck struct {
	Allowed any  `json:"allowed"`
	Actual  any  `json:"actual"`
	Passed  bool `json:"passed"`
}

// FeatureValidation is the result of ValidateFeature.
type FeatureValidation struct {
	Name               string                      `json:"name"`
	IsValid            bool                        `json:"isValid"`
	Feature            *Feature                    `json:"feature,omitempty"`
	Message            string                      `json:"message,omitempty"`
	RestrictionDetails map[string]RestrictionCheck `json:"restrictionDetails,omitempty"`
}

func (e *Evaluator) find(name string) *Feature {
	if e == nil {
		return nil
	}
	for i := range e.features {
		if e.features[i].Name == name {
			return &e.features[i]
		}
	}
	return nil
}

// HasFeature is true only when the feature exists and is enabled.
func (e *Evaluator) HasFeature(name string) bool {
	f := e.find(name)
	return f != nil && f.Enabled
}

// MeetsRestriction checks value against the feature's restriction under
// key. A missing key is unrestricted. A missing feature never passes.
func (e *Evaluator) MeetsRestriction(name, key string, value any) bool {
	f := e.find(name)
	if f == nil {
		return false
	}
	stored, ok := f.Restrictions[key]
	if !ok {
		return true
	}
	return satisfies(stored, value)
}

// ValidateFeature checks that the feature is enabled and that every
// restricted key present in ctx is satisfied.
func (e *Evaluator) ValidateFeature(name string, ctx map[string]any) FeatureValidation {
	result := FeatureValidation{Name: name}

	f := e.find(name)
	if f == nil {
		result.Message = fmt.Sprintf("feature %q is not included in this license", name)
		return result
	}
	feature := Feature{Name: f.Name, Enabled: f.Enabled, Restrictions: f.Restrictions}
	result.Feature = &feature

	if !f.Enabled {
		result.Message = fmt.Sprintf("feature %q is disabled", name)
		return result
	}

	var failed []string
	for key, actual := range ctx {
		stored, restricted := f.Restrictions[key]
		if !restricted {
			continue
		}
		passed := satisfies(stored, actual)
		if result.RestrictionDetails == nil {
			result.RestrictionDetails = make(map[string]RestrictionCheck)
		}
		result.RestrictionDetails[key] = RestrictionCheck{Allowed: stored, Actual: actual, Passed: passed}
		if !passed {
			failed = append(failed, key)
		}
	}

	if len(failed) > 0 {
		sort.Strings(failed)
		result.Message = fmt.Sprintf("feature %q restriction not met: %s", name, strings.Join(failed, ", "))
		return result
	}

	result.IsValid = true
	return result
}

// ValidateFeatures validates each name in order. Failures do not stop
// evaluation of later names.
func (e *Evaluator) ValidateFeatures(names []string, ctx map[string]any) []FeatureValidation {
	results := make([]FeatureValidation, 0, len(names))
	for _, name := range names {
		results = append(results, e.ValidateFeature(name, ctx))
	}
	return results
}

// satisfies compares value against a stored restriction using the stored
// value's type: numbers are ceilings, lists are allowed sets, {min,max}
// maps are inclusive ranges, scalars must be equal.
func satisfies(stored, value any) bool {
	switch s := stored.(type) {
	case []any:
		return memberOf(s, value)
	case []string:
		set := make([]any, len(s))
		for i, v := range s {
			set[i] = v
		}
		return memberOf(set, value)
	case map[string]any:
		return inRange(s, value)
	case bool:
		v, ok := value.(bool)
		return ok && v == s
	case string:
		v, ok := value.(string)
		return ok && v == s
	}

	if ceiling, ok := toFloat(stored); ok {
		v, ok := toFloat(value)
		return ok && v <= ceiling
	}
	return reflect.DeepEqual(stored, value)
}

// memberOf accepts a single value present in set, or a list whose every
// element is present in set.
func memberOf(set []any, value any) bool {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if !contains(set, item) {
				return false
			}
		}
		return true
	case []string:
		for _, item := range v {
			if !contains(set, item) {
				return false
			}
		}
		return true
	default:
		return contains(set, value)
	}
}

func contains(set []any, value any) bool {
	for _, candidate := range set {
		if looselyEqual(candidate, value) {
			return true
		}
	}
	return false
}

func looselyEqual(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func inRange(bounds map[string]any, value any) bool {
	v, ok := toFloat(value)
	if !ok {
		return false
	}
	if raw, ok := bounds["min"]; ok {
		lo, ok := toFloat(raw)
		if !ok || v < lo {
			return false
		}
	}
	if raw, ok := bounds["max"]; ok {
		hi, ok := toFloat(raw)
		if !ok || v > hi {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

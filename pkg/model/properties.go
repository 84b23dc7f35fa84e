package model

// PropertyValue is one property: an arbitrary JSON-serializable value
// plus a label naming where it came from (e.g. "Scheduler", "Force
// Build", a user). The source label is carried through to builds so
// operators can see why a property has the value it does.
type PropertyValue struct {
	Value  any    `json:"value"`
	Source string `json:"source"`
}

// Properties maps property names to values. Merging is last-write-wins:
// later layers override earlier ones on key collision.
type Properties map[string]PropertyValue

// SourceScheduler is the source label for properties injected by a
// scheduler (its base properties and its identity property).
const SourceScheduler = "Scheduler"

// NewProperties builds a property set from plain values, all attributed
// to the given source.
func NewProperties(source string, values map[string]any) Properties {
	p := make(Properties, len(values))
	for name, v := range values {
		p[name] = PropertyValue{Value: v, Source: source}
	}
	return p
}

// Set records a single property.
func (p Properties) Set(name string, value any, source string) {
	p[name] = PropertyValue{Value: value, Source: source}
}

// Copy returns a shallow copy. Values are shared; the map is not.
func (p Properties) Copy() Properties {
	out := make(Properties, len(p))
	for name, v := range p {
		out[name] = v
	}
	return out
}

// MergeProperties flattens the given layers into a new property set.
// Later layers win on key collision. Nil layers are skipped.
func MergeProperties(layers ...Properties) Properties {
	out := Properties{}
	for _, layer := range layers {
		for name, v := range layer {
			out[name] = v
		}
	}
	return out
}

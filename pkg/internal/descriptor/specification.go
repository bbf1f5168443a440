package descriptor

// Specification is a parsed set of descriptors, together with the text it was parsed from.
type Specification struct {
	Raw         string
	Descriptors []*Descriptor
}

// ByClass groups the descriptors by instrumented class, keeping their registration order.
func (s *Specification) ByClass() map[string][]*Descriptor {
	out := map[string][]*Descriptor{}
	if s == nil {
		return out
	}
	for _, d := range s.Descriptors {
		out[d.Method.ClassName] = append(out[d.Method.ClassName], d)
	}
	return out
}

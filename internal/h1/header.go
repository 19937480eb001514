package h1

// Field is one header line. Name keeps the case it was received or set with.
type Field struct {
	Name  string
	Value string
}

// Header is an ordered list of fields with case-insensitive lookup.
type Header struct {
	fields []Field
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Set replaces every field named name with a single one, keeping the
// position of the first.
func (h *Header) Set(name, value string) {
	for i := range h.fields {
		if asciiEqualFold(h.fields[i].Name, name) {
			h.fields[i] = Field{Name: name, Value: value}
			h.delFrom(i+1, name)
			return
		}
	}
	h.Add(name, value)
}

// Get returns the first value for name, or "".
func (h *Header) Get(name string) string {
	for _, f := range h.fields {
		if asciiEqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Values returns every value for name in order.
func (h *Header) Values(name string) []string {
	var out []string
	for _, f := range h.fields {
		if asciiEqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Has reports whether name is present.
func (h *Header) Has(name string) bool {
	for _, f := range h.fields {
		if asciiEqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

// Del removes every field named name.
func (h *Header) Del(name string) { h.delFrom(0, name) }

func (h *Header) delFrom(start int, name string) {
	kept := h.fields[:start]
	for _, f := range h.fields[start:] {
		if !asciiEqualFold(f.Name, name) {
			kept = append(kept, f)
		}
	}
	clear(h.fields[len(kept):])
	h.fields = kept
}

// Len returns the number of fields.
func (h *Header) Len() int { return len(h.fields) }

// Fields returns the fields in order. The slice must not be modified.
func (h *Header) Fields() []Field { return h.fields }

// Reset removes every field, keeping storage.
func (h *Header) Reset() {
	clear(h.fields)
	h.fields = h.fields[:0]
}

// Clone returns an independent copy.
func (h Header) Clone() Header {
	if h.fields == nil {
		return Header{}
	}
	return Header{fields: append([]Field(nil), h.fields...)}
}

// asciiEqualFold reports whether a equals b under ASCII case-insensitive comparison.
func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca |= 0x20
		}
		if 'A' <= cb && cb <= 'Z' {
			cb |= 0x20
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// HeaderCarrier adapts a Header to propagation.TextMapCarrier.
type HeaderCarrier struct {
	Header *Header
}

func (c HeaderCarrier) Get(key string) string { return c.Header.Get(key) }

func (c HeaderCarrier) Set(key, value string) { c.Header.Set(key, value) }

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, c.Header.Len())
	for _, f := range c.Header.Fields() {
		keys = append(keys, f.Name)
	}
	return keys
}

package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Claims is a verified JWT payload.
type Claims map[string]Value

// Parse decodes a JWT payload, which must be a JSON object.
func Parse(data []byte) (Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding claims: %v", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("decoding claims: payload is not an object")
	}
	if dec.More() {
		return nil, fmt.Errorf("decoding claims: trailing data")
	}
	out := make(Claims, len(raw))
	for k, x := range raw {
		v, err := FromInterface(x)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Get returns the named claim.
func (c Claims) Get(name string) (Value, bool) {
	v, ok := c[name]
	return v, ok
}

// Names returns the claim names in sorted order.
func (c Claims) Names() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

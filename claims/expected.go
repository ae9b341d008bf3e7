package claims

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pair is one expected claim.
type Pair struct {
	Name  string
	Value Value
}

// Expected is the ordered claim configuration. Match reports the first
// failing name in this order.
type Expected []Pair

// Names returns the configured claim names in order.
func (e Expected) Names() []string {
	out := make([]string, 0, len(e))
	for _, p := range e {
		out = append(out, p.Name)
	}
	return out
}

// Add appends name=value, rejecting a name that is already configured.
func (e Expected) Add(name string, v Value) (Expected, error) {
	if name == "" {
		return e, fmt.Errorf("claim name must not be empty")
	}
	for _, p := range e {
		if p.Name == name {
			return e, fmt.Errorf("duplicate claim %q", name)
		}
	}
	return append(e, Pair{Name: name, Value: v}), nil
}

// ParseExpected decodes a JSON object of claim name to expected value,
// keeping the members in document order.
func ParseExpected(data []byte) (Expected, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parsing claims: %v", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parsing claims: expected a JSON object")
	}

	out := Expected{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parsing claims: %v", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("parsing claims: expected a claim name")
		}
		var raw interface{}
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parsing claim %q: %v", name, err)
		}
		v, err := FromInterface(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing claim %q: %v", name, err)
		}
		if out, err = out.Add(name, v); err != nil {
			return nil, fmt.Errorf("parsing claims: %v", err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("parsing claims: %v", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parsing claims: trailing data")
	}
	return out, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Expected) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*e = nil
		return nil
	}
	out, err := ParseExpected(data)
	if err != nil {
		return err
	}
	*e = out
	return nil
}

// MarshalJSON implements json.Marshaler, writing members in order.
func (e Expected) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, p := range e {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(p.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := p.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// LoadExpectedFile reads a claims file. Files ending in .yaml or .yml are
// parsed as a YAML mapping; anything else as a JSON object. Order is kept
// in both cases.
func LoadExpectedFile(path string) (Expected, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading claims file: %v", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseExpectedYAML(data)
	default:
		return ParseExpected(data)
	}
}

// ParseExpectedYAML decodes a YAML mapping of claim name to expected value.
func ParseExpectedYAML(data []byte) (Expected, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing claims yaml: %v", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return Expected{}, nil
	}
	root := resolveAlias(doc.Content[0])
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parsing claims yaml: expected a mapping")
	}

	out := Expected{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode, valNode := root.Content[i], root.Content[i+1]
		v, err := yamlValue(valNode)
		if err != nil {
			return nil, fmt.Errorf("parsing claim %q: %v", keyNode.Value, err)
		}
		if out, err = out.Add(keyNode.Value, v); err != nil {
			return nil, fmt.Errorf("parsing claims yaml: %v", err)
		}
	}
	return out, nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n.Kind == yaml.AliasNode && n.Alias != nil {
		n = n.Alias
	}
	return n
}

func yamlValue(n *yaml.Node) (Value, error) {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return Null(), nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return Value{}, err
			}
			return Bool(b), nil
		case "!!int", "!!float":
			var x interface{}
			if err := n.Decode(&x); err != nil {
				return Value{}, err
			}
			v, err := FromInterface(x)
			if err != nil {
				return Value{}, err
			}
			if v.Kind() != KindNumber {
				return Value{}, fmt.Errorf("unsupported number %q", n.Value)
			}
			return v, nil
		default:
			return String(n.Value), nil
		}
	case yaml.SequenceNode:
		items := make([]Value, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := yamlValue(c)
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return Array(items...), nil
	case yaml.MappingNode:
		obj := make(map[string]Value, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := yamlValue(n.Content[i+1])
			if err != nil {
				return Value{}, err
			}
			obj[n.Content[i].Value] = v
		}
		return Object(obj), nil
	default:
		return Value{}, fmt.Errorf("unsupported yaml node kind %d", n.Kind)
	}
}

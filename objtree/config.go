package objtree

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// Config is one unbuilt node of a serialized object tree: the raw JSON of the
// node, navigable without instantiating anything.
//
// A Config at a type-tagged node can be turned into the actual object with
// Build. Plain (untagged) object nodes can still be navigated with At and
// decoded with Decode.
type Config struct {
	raw json.RawMessage
}

// ConfigFromJSON creates a Config from raw JSON. The root must be a JSON object.
func ConfigFromJSON(data []byte) (*Config, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(err, "objtree: config root must be a JSON object")
	}
	return &Config{raw: append(json.RawMessage{}, data...)}, nil
}

// JSON returns the raw JSON of the node. The returned slice is owned by the
// Config, don't modify it.
func (c *Config) JSON() json.RawMessage {
	return c.raw
}

// TypeName returns the concrete type discriminator of the node, or "" if the
// node is not type-tagged.
func (c *Config) TypeName() string {
	var header typeHeader
	_ = json.Unmarshal(c.raw, &header)
	return header.TypeName
}

// Kind returns the kind discriminator of the node, or "" if the node is not
// type-tagged.
func (c *Config) Kind() string {
	var header typeHeader
	_ = json.Unmarshal(c.raw, &header)
	return header.Kind
}

// At selects a sub-node by a dotted path ("model.config.vocab_size").
// An empty path returns the node itself.
// It fails if any path segment is missing or traverses a non-object node.
func (c *Config) At(path string) (*Config, error) {
	if path == "" {
		return c, nil
	}
	current := c.raw
	traversed := make([]string, 0, strings.Count(path, ".")+1)
	for _, segment := range strings.Split(path, ".") {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(current, &fields); err != nil {
			return nil, errors.Wrapf(err, "objtree: node %q is not an object, cannot select %q from it",
				strings.Join(traversed, "."), segment)
		}
		next, found := fields[segment]
		if !found {
			return nil, errors.Errorf("objtree: no field %q under node %q", segment, strings.Join(traversed, "."))
		}
		current = next
		traversed = append(traversed, segment)
	}
	return &Config{raw: current}, nil
}

// Decode unmarshals the node into target, without going through the type
// registry. Handy for plain sub-configurations.
func (c *Config) Decode(target any) error {
	return errors.Wrapf(json.Unmarshal(c.raw, target), "objtree: failed to decode config node")
}

// Build instantiates the node through the type registry: the node must carry
// the discriminator fields of a registered type.
func (c *Config) Build() (TypeTagged, error) {
	var built TypeTagged
	if err := Unmarshal(c.raw, &built); err != nil {
		return nil, err
	}
	if built == nil {
		return nil, errors.Errorf("objtree: cannot build a null config node")
	}
	return built, nil
}

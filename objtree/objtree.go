// Package objtree serializes polymorphic object trees to JSON and rebuilds them.
//
// It solves the usual polymorphism problem of encoding/json by injecting two
// discriminator fields ("json_type" and "kind") into the encoded payload of any
// registered type, so the matching concrete struct can be instantiated again
// during decoding.
//
// A type participates by implementing TypeTagged and registering a constructor:
//
//	type Transformer struct {
//		NumLayers int `json:"num_layers"`
//	}
//
//	func (t *Transformer) TypeTags() (typeName, kind string) {
//		return "Transformer", "model"
//	}
//
//	func init() {
//		objtree.Register(func() *Transformer { return &Transformer{} })
//	}
//
// Interface-typed fields inside a parent struct use the generic Wrapper:
//
//	type TrainerContext struct {
//		Model Wrapper[Model] `json:"model"`
//	}
//
// Besides fully rebuilding objects, the package gives access to the unbuilt
// configuration tree (Config): callers that only need to introspect a
// serialized tree -- say, read the model architecture name without
// instantiating the model -- select nodes with Config.At and never call
// Config.Build.
package objtree

import (
	"encoding/json"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// TypeTagged is the constraint interface: any serializable concrete type must
// report a unique name for itself and the "kind" (the interface-like group)
// it belongs to.
type TypeTagged interface {
	// TypeTags returns the unique name of the concrete type and the name of the
	// group of types it can substitute for.
	TypeTags() (typeName, kind string)
}

// Discriminator field names injected in the JSON payload of registered types.
const (
	typeNameField = "json_type"
	kindField     = "kind"
)

var (
	// registry maps kind -> concrete type name -> constructor.
	registry   = make(map[string]map[string]func() TypeTagged)
	registryMu sync.RWMutex
)

// Register a concrete type by its constructor. The type's TypeTags() method
// determines where it is registered.
//
// Registering two different constructors under the same (kind, typeName) pair
// is a programming error and panics.
func Register[T TypeTagged](constructor func() T) {
	registryMu.Lock()
	defer registryMu.Unlock()

	typeName, kind := constructor().TypeTags()
	perKind, exists := registry[kind]
	if !exists {
		perKind = make(map[string]func() TypeTagged)
		registry[kind] = perKind
	}
	if _, exists = perKind[typeName]; exists {
		exceptions.Panicf("objtree.Register: type %q already registered for kind %q", typeName, kind)
	}
	perKind[typeName] = func() TypeTagged {
		return constructor()
	}
}

// constructorFor returns the registered constructor for the (kind, typeName) pair.
func constructorFor(kind, typeName string) (func() TypeTagged, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	perKind, found := registry[kind]
	if !found {
		return nil, errors.Errorf("objtree: no types registered for kind %q", kind)
	}
	constructor, found := perKind[typeName]
	if !found {
		return nil, errors.Errorf("objtree: type %q not registered for kind %q", typeName, kind)
	}
	return constructor, nil
}

// typeHeader is used to extract only the discriminator fields during the first
// decoding pass.
type typeHeader struct {
	TypeName string `json:"json_type"`
	Kind     string `json:"kind"`
}

// Marshal encodes value with the discriminator fields injected, so it can be
// decoded back by Unmarshal (or rebuilt from a Config).
func Marshal[I TypeTagged](value I) ([]byte, error) {
	if any(value) == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "objtree: failed to marshal %T", value)
	}
	var fields map[string]json.RawMessage
	if err = json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrapf(err, "objtree: type %T must marshal to a JSON object to be type-tagged", value)
	}
	typeName, kind := value.TypeTags()
	fields[typeNameField], _ = json.Marshal(typeName)
	fields[kindField], _ = json.Marshal(kind)
	return json.Marshal(fields)
}

// Unmarshal decodes data previously produced by Marshal: it reads the
// discriminator fields, instantiates the registered concrete type and decodes
// the full payload into it.
func Unmarshal[I TypeTagged](data []byte, target *I) error {
	if len(data) == 0 || string(data) == "null" {
		var zero I
		*target = zero
		return nil
	}
	var header typeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return errors.Wrapf(err, "objtree: failed to read type tags")
	}
	constructor, err := constructorFor(header.Kind, header.TypeName)
	if err != nil {
		return err
	}
	instance := constructor()
	if err = json.Unmarshal(data, instance); err != nil {
		return errors.Wrapf(err, "objtree: failed to decode %q (kind %q)", header.TypeName, header.Kind)
	}
	typed, ok := instance.(I)
	if !ok {
		return errors.Errorf("objtree: registered type %T for %q (kind %q) does not implement the requested interface",
			instance, header.TypeName, header.Kind)
	}
	*target = typed
	return nil
}

// Wrapper is the generic wrapper that implements json.Marshaler and
// json.Unmarshaler for interface-typed fields. Place it in parent structs:
//
//	type TrainerContext struct {
//		Model Wrapper[Model] `json:"model"`
//	}
type Wrapper[I TypeTagged] struct {
	Value I
}

// Wrap is a convenience constructor for Wrapper.
func Wrap[I TypeTagged](value I) Wrapper[I] {
	return Wrapper[I]{Value: value}
}

// Get returns the wrapped value.
func (w *Wrapper[I]) Get() I {
	return w.Value
}

// MarshalJSON implements json.Marshaler.
func (w Wrapper[I]) MarshalJSON() ([]byte, error) {
	return Marshal(w.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *Wrapper[I]) UnmarshalJSON(data []byte) error {
	return Unmarshal(data, &w.Value)
}

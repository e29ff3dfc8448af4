package schema

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	cache   = make(map[reflect.Type]*Schema)
	cacheMu sync.RWMutex
)

// Schema is the argument schema of a function built from a Go type.
type Schema struct {
	RawSchema *jsonschema.Schema
	// Parameters represents the Function parameters definition
	Parameters *jsonschema.Schema
}

// New creates a new schema from the given type
func New(t reflect.Type) (*Schema, error) {
	cacheMu.RLock()
	s, ok := cache[t]
	cacheMu.RUnlock()
	if ok {
		return s, nil
	}

	raw := JSONSchema(t)
	s = &Schema{
		RawSchema:  raw,
		Parameters: ToFunctionSchema(raw),
	}

	cacheMu.Lock()
	cache[t] = s
	cacheMu.Unlock()

	return s, nil
}

func (s *Schema) String() string {
	js, _ := json.MarshalIndent(s.Parameters, "", "\t")
	return string(js)
}

// ToFunctionSchema returns the top level object schema with references
// to definitions resolved in place.
func ToFunctionSchema(tSchema *jsonschema.Schema) *jsonschema.Schema {
	refID := strings.TrimPrefix(tSchema.Ref, "#/$defs/")

	var defs = make(map[string]*jsonschema.Schema)
	root := tSchema

	for name, def := range tSchema.Definitions {
		if name == refID {
			root = def
		} else {
			defs[name] = def
		}
	}

	res := &jsonschema.Schema{
		Type:       root.Type,
		Properties: root.Properties,
		Required:   root.Required,
	}
	if res.Properties != nil {
		resolveRefs(res.Properties, defs)
	}

	return Normalize(res)
}

func resolveRefs(props *orderedmap.OrderedMap[string, *jsonschema.Schema], defs map[string]*jsonschema.Schema) {
	for pair := props.Oldest(); pair != nil; pair = pair.Next() {
		child := pair.Value
		if child == nil {
			continue
		}
		if child.Ref != "" {
			pair.Value = resolveRef(child, defs)
			child = pair.Value
		}
		if child.Properties != nil {
			resolveRefs(child.Properties, defs)
		}
		if child.Items != nil && child.Items.Ref != "" {
			child.Items = resolveRef(child.Items, defs)
		}
	}
}

func resolveRef(s *jsonschema.Schema, defs map[string]*jsonschema.Schema) *jsonschema.Schema {
	name := strings.TrimPrefix(s.Ref, "#/$defs/")
	if def, ok := defs[name]; ok {
		return def
	}
	// unknown reference is replaced with an open object
	return &jsonschema.Schema{
		Type:        "object",
		Description: s.Description,
	}
}

// JSONSchema return the json schema of the type
func JSONSchema(t reflect.Type) *jsonschema.Schema {
	r := new(jsonschema.Reflector)
	r.ExpandedStruct = true
	r.DoNotReference = true
	r.AllowAdditionalProperties = true

	// The Struct name could be same, but the package name is different,
	// add hash of the package path to the struct name.
	// See: https://github.com/invopop/jsonschema/issues/42
	r.Namer = func(t reflect.Type) string {
		name := t.Name()
		if t.Kind() == reflect.Struct {
			fullname := t.PkgPath() + "/" + t.Name()
			name = t.Name() + "@" + strconv.FormatUint(xxhash.Sum64String(fullname), 10)
		}
		return name
	}

	return r.ReflectFromType(t)
}

// Empty returns the schema of a function without arguments.
func Empty() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:       "object",
		Properties: orderedmap.New[string, *jsonschema.Schema](),
	}
}

// Normalize ensures the schema describes an object with properties,
// which is what every provider expects for function arguments.
func Normalize(s *jsonschema.Schema) *jsonschema.Schema {
	if s == nil {
		return Empty()
	}
	if s.Type == "" {
		s.Type = "object"
	}
	if s.Properties == nil {
		s.Properties = orderedmap.New[string, *jsonschema.Schema]()
	}
	return s
}

// FromJSON creates a function schema from a raw JSON schema document,
// as advertised by remote tool servers.
// Empty or null input returns Empty schema.
func FromJSON(raw []byte) (*jsonschema.Schema, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || string(raw) == "null" {
		return Empty(), nil
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, errors.Wrap(err, "invalid JSON schema")
	}
	return Normalize(s), nil
}

// FromAny creates a json schema from any value.
//
// For example:
//
//	map[string]any{
//		"type": "object",
//		"properties": map[string]any{
//			"query": map[string]any{
//				"type": "string",
//			},
//		},
//	}
func FromAny(t any) (*jsonschema.Schema, error) {
	js, err := json.Marshal(t)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return FromJSON(js)
}

// MustFromAny creates a json schema from any value.
// It panics if the value is not a valid schema.
func MustFromAny(t any) *jsonschema.Schema {
	s, err := FromAny(t)
	if err != nil {
		panic(err)
	}
	return s
}

// ToMap returns the schema as a generic map,
// nil schema returns the Empty schema.
func ToMap(s *jsonschema.Schema) (map[string]any, error) {
	js, err := json.Marshal(Normalize(s))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var m map[string]any
	if err = json.Unmarshal(js, &m); err != nil {
		return nil, errors.WithStack(err)
	}
	return m, nil
}

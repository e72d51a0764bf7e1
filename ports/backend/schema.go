package backend

import (
	"fmt"
	"regexp"
	"slices"
)

// PartKind is the type of one key part.
type PartKind int

const (
	String PartKind = iota
	Uint
)

func (k PartKind) String() string {
	if k == Uint {
		return "uint"
	}
	return "string"
}

type (
	Part struct {
		Name string
		Kind PartKind
	}

	// Index is a secondary index whose key is built from primary key parts.
	Index struct {
		Name  string
		Parts []string
	}

	StoreSchema struct {
		Name    string
		Key     []Part
		Indexes []Index
	}

	Schema struct {
		Stores []StoreSchema
	}
)

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Validate checks names and index references.
func (s Schema) Validate() error {
	seen := map[string]bool{}
	for _, st := range s.Stores {
		if !identRe.MatchString(st.Name) {
			return fmt.Errorf("invalid store name %q", st.Name)
		}
		if seen[st.Name] {
			return fmt.Errorf("duplicate store %q", st.Name)
		}
		seen[st.Name] = true
		if len(st.Key) == 0 {
			return fmt.Errorf("store %q: empty key", st.Name)
		}
		for _, p := range st.Key {
			if !identRe.MatchString(p.Name) {
				return fmt.Errorf("store %q: invalid key part %q", st.Name, p.Name)
			}
		}
		for _, idx := range st.Indexes {
			if !identRe.MatchString(idx.Name) || len(idx.Parts) == 0 {
				return fmt.Errorf("store %q: invalid index %q", st.Name, idx.Name)
			}
			for _, p := range idx.Parts {
				if st.partIndex(p) < 0 {
					return fmt.Errorf("store %q: index %q references unknown part %q", st.Name, idx.Name, p)
				}
			}
		}
	}
	return nil
}

// Store looks up the schema of the named store.
func (s Schema) Store(name string) (StoreSchema, error) {
	for _, st := range s.Stores {
		if st.Name == name {
			return st, nil
		}
	}
	return StoreSchema{}, fmt.Errorf("%w: %s", ErrUnknownStore, name)
}

// Names returns the names of all stores.
func (s Schema) Names() []string {
	out := make([]string, 0, len(s.Stores))
	for _, st := range s.Stores {
		out = append(out, st.Name)
	}
	return out
}

func (s StoreSchema) partIndex(name string) int {
	return slices.IndexFunc(s.Key, func(p Part) bool { return p.Name == name })
}

// Index looks up an index by name.
func (s StoreSchema) Index(name string) (Index, error) {
	for _, idx := range s.Indexes {
		if idx.Name == name {
			return idx, nil
		}
	}
	return Index{}, fmt.Errorf("%w: %s.%s", ErrUnknownIndex, s.Name, name)
}

// CheckKey verifies that k is a complete primary key of this store.
func (s StoreSchema) CheckKey(k Key) error {
	if len(k) != len(s.Key) {
		return fmt.Errorf("%w: %s expects %d parts, got %d", ErrInvalidKey, s.Name, len(s.Key), len(k))
	}
	for i, p := range s.Key {
		if err := checkPart(p, k[i]); err != nil {
			return fmt.Errorf("%w: %s.%s: %v", ErrInvalidKey, s.Name, p.Name, err)
		}
	}
	return nil
}

func checkPart(p Part, v any) error {
	switch p.Kind {
	case Uint:
		if _, ok := v.(uint64); !ok {
			return fmt.Errorf("want uint64, got %T", v)
		}
	default:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("want string, got %T", v)
		}
	}
	return nil
}

// IndexKey projects a primary key onto the parts of idx.
func (s StoreSchema) IndexKey(idx Index, k Key) Key {
	out := make(Key, 0, len(idx.Parts))
	for _, name := range idx.Parts {
		out = append(out, k[s.partIndex(name)])
	}
	return out
}

// PartNames returns the key part names in order.
func (s StoreSchema) PartNames() []string {
	out := make([]string, 0, len(s.Key))
	for _, p := range s.Key {
		out = append(out, p.Name)
	}
	return out
}

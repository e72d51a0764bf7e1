// Package reflector derives stable names for Go types. Event types that do
// not name themselves are stored under their short type name.
package reflector

import (
	"reflect"
	"sync"
)

// TypeInfo describes a (pointer-unwrapped) Go type.
type TypeInfo struct {
	// Name is the fully qualified name, "pkg/path.TypeName".
	Name string
	// Short is the bare type name, "TypeName".
	Short string
	Type  reflect.Type
}

var cache sync.Map // reflect.Type -> TypeInfo

func TypeInfoOf(x any) TypeInfo { return TypeInfoForType(reflect.TypeOf(x)) }

func TypeInfoFor[T any]() TypeInfo { return TypeInfoForType(reflect.TypeFor[T]()) }

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if ti, ok := cache.Load(t); ok {
		return ti.(TypeInfo)
	}

	ti := TypeInfo{Short: t.Name(), Type: t}
	if pkg := t.PkgPath(); pkg != "" {
		ti.Name = pkg + "." + t.Name()
	} else {
		ti.Name = t.String()
		ti.Short = t.String()
	}
	actual, _ := cache.LoadOrStore(t, ti)
	return actual.(TypeInfo)
}

package reflector

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type accountOpened struct {
	Owner string
}

func TestTypeInfoOf(t *testing.T) {
	ti := TypeInfoOf(accountOpened{Owner: "x"})
	require.Equal(t, "github.com/codewandler/eventrepo/internal/reflector.accountOpened", ti.Name)
	require.Equal(t, "accountOpened", ti.Short)
	require.Equal(t, "accountOpened", ti.Type.Name())
}

func TestTypeInfoOf_Pointer(t *testing.T) {
	ti := TypeInfoOf(&accountOpened{})
	require.Equal(t, "accountOpened", ti.Short)
	require.NotEqual(t, reflect.Pointer, ti.Type.Kind())

	require.Equal(t, ti, TypeInfoFor[**accountOpened]())
}

func TestTypeInfo_Unnamed(t *testing.T) {
	require.Equal(t, "map[string]int", TypeInfoFor[map[string]int]().Short)
	require.Equal(t, TypeInfo{}, TypeInfoForType(nil))
}

func TestTypeInfo_Concurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = TypeInfoFor[accountOpened]()
		}()
	}
	wg.Wait()
	require.Equal(t, "accountOpened", TypeInfoFor[accountOpened]().Short)
}

package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type row struct {
	ID  string `json:"id"`
	Seq uint64 `json:"seq"`
}

func TestJSON(t *testing.T) {
	c := JSON{}
	data, err := c.Marshal(row{ID: "a", Seq: 2})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"a","seq":2}`, string(data))

	r, err := Decode[row](c, data)
	require.NoError(t, err)
	require.Equal(t, row{ID: "a", Seq: 2}, r)

	_, err = Decode[row](c, []byte(`{"id":`))
	var syntaxErr *json.SyntaxError
	require.ErrorAs(t, err, &syntaxErr)
}

func TestJSON_Strict(t *testing.T) {
	c := JSON{Strict: true}
	_, err := Decode[row](c, []byte(`{"id":"a","extra":1}`))
	require.Error(t, err)

	_, err = Decode[row](c, []byte(`{"id":"a"} {"id":"b"}`))
	require.Error(t, err)

	r, err := Decode[row](c, []byte(`{"id":"a","seq":1}`))
	require.NoError(t, err)
	require.Equal(t, "a", r.ID)
}

func TestJSON_NoHTMLEscape(t *testing.T) {
	type doc struct {
		Title string          `json:"title"`
		Raw   json.RawMessage `json:"raw"`
	}
	data, err := JSON{}.Marshal(doc{Title: "write <docs> & more", Raw: json.RawMessage(`{"a": "<b>"}`)})
	require.NoError(t, err)
	require.Equal(t, `{"title":"write <docs> & more","raw":{"a":"<b>"}}`, string(data))
}

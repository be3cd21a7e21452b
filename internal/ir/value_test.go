package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRObjectSortedKeysByteOrder(t *testing.T) {
	obj := IRObject{
		"net_minor": IRInt(1),
		"Net":       IRInt(2),
		"count":     IRInt(3),
		"\u00e9":    IRInt(4),
	}

	assert.Equal(t, []string{"Net", "count", "net_minor", "\u00e9"}, obj.SortedKeys())
	assert.Empty(t, IRObject{}.SortedKeys())
}

func TestNewIRObjectFromPairs(t *testing.T) {
	obj := NewIRObjectFromPairs(
		O("principal", IRString("P1")),
		O("final_minor", IRInt(1040)),
	)

	assert.Equal(t, IRObject{"principal": IRString("P1"), "final_minor": IRInt(1040)}, obj)
}

func TestIRObjectMarshalJSONSortsKeys(t *testing.T) {
	obj := IRObject{"b": IRInt(2), "a": IRArray{IRBool(true), IRNull{}}}

	data, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[true,null],"b":2}`, string(data))
}

func TestIRObjectUnmarshalJSON(t *testing.T) {
	var obj IRObject
	err := json.Unmarshal([]byte(`{"s":"x","n":7,"b":false,"z":null,"a":[1,"y"],"o":{"k":-3}}`), &obj)
	require.NoError(t, err)

	assert.Equal(t, IRString("x"), obj["s"])
	assert.Equal(t, IRInt(7), obj["n"])
	assert.Equal(t, IRBool(false), obj["b"])
	assert.Equal(t, IRNull{}, obj["z"])
	assert.Equal(t, IRArray{IRInt(1), IRString("y")}, obj["a"])
	assert.Equal(t, IRObject{"k": IRInt(-3)}, obj["o"])
}

func TestIRObjectUnmarshalRejectsFloats(t *testing.T) {
	var obj IRObject
	err := json.Unmarshal([]byte(`{"amount":10.5}`), &obj)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats not allowed")

	var arr IRArray
	require.Error(t, json.Unmarshal([]byte(`[1, 2.0]`), &arr))
}

func TestIRValueRoundTripThroughJSON(t *testing.T) {
	original := IRObject{
		"rows":   IRArray{IRObject{"principal": IRString("P1"), "final_minor": IRInt(1040)}},
		"closed": IRBool(true),
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded IRObject
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, decoded)
}

func TestUnmarshalIRValueStrict(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"a":[1,2],"b":"c"}`))
	require.NoError(t, err)
	assert.Equal(t, IRObject{"a": IRArray{IRInt(1), IRInt(2)}, "b": IRString("c")}, v)

	for _, bad := range []string{`null`, `{"a":null}`, `1.5`, `[1e2]`, `{`} {
		_, err := UnmarshalIRValue([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestMarshalIRValueUnknownType(t *testing.T) {
	_, err := MarshalIRValue(nil)
	assert.Error(t, err)
}

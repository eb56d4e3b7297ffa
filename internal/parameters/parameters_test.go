package parameters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromConfigString(t *testing.T) {
	params := NewFromConfigString("learning_rate=0.1,momentum=0.9,verbose,name=a=b")
	assert.Equal(t, Params{
		"learning_rate": "0.1",
		"momentum":      "0.9",
		"verbose":       "",
		"name":          "a=b",
	}, params)
	assert.Empty(t, NewFromConfigString(""))
}

func TestGetParamOr(t *testing.T) {
	params := NewFromConfigString("lr=0.5,epochs=10,shuffle=false,tag=x,flag")

	lr, err := GetParamOr(params, "lr", 0.1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, lr)

	epochs, err := GetParamOr(params, "epochs", 1)
	require.NoError(t, err)
	assert.Equal(t, 10, epochs)

	shuffle, err := GetParamOr(params, "shuffle", true)
	require.NoError(t, err)
	assert.False(t, shuffle)

	flagValue, err := GetParamOr(params, "flag", false)
	require.NoError(t, err)
	assert.True(t, flagValue, "key without value parses as true")

	tag, err := GetParamOr(params, "tag", "default")
	require.NoError(t, err)
	assert.Equal(t, "x", tag)

	missing, err := GetParamOr(params, "missing", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, missing)

	_, err = GetParamOr(params, "tag", 1)
	require.Error(t, err, "non-numeric value must fail to parse as int")
}

func TestPopParamOr(t *testing.T) {
	params := NewFromConfigString("keep=3")
	keep, err := PopParamOr(params, "keep", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, keep)
	assert.NotContains(t, params, "keep")

	keep, err = PopParamOr(params, "keep", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, keep)
}

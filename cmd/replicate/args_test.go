package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetListSet(t *testing.T) {
	var targets targetList

	require.NoError(t, targets.Set("111111111111:us-west-2"))
	require.NoError(t, targets.Set("222222222222:eu-west-1"))

	assert.Equal(t, targetList{
		{AccountID: "111111111111", Region: "us-west-2"},
		{AccountID: "222222222222", Region: "eu-west-1"},
	}, targets)
	assert.Equal(t, "111111111111:us-west-2,222222222222:eu-west-1", targets.String())
}

func TestTargetListSetRejectsBadValues(t *testing.T) {
	for _, v := range []string{"", "111111111111", "111111111111:", ":us-west-2"} {
		var targets targetList
		err := targets.Set(v)
		require.Error(t, err, "value %q", v)
		assert.Contains(t, err.Error(), "target must be account:region")
	}
}

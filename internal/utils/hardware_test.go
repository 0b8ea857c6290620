package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashHardwareAddr(t *testing.T) {
	id := hashHardwareAddr("aa:bb:cc:dd:ee:ff")

	assert.True(t, strings.HasPrefix(id, "POS-"))
	assert.Len(t, id, len("POS-")+8)
	assert.Equal(t, id, hashHardwareAddr("aa:bb:cc:dd:ee:ff"))
	assert.NotEqual(t, id, hashHardwareAddr("11:22:33:44:55:66"))
}

func TestHashHardwareAddr_Empty(t *testing.T) {
	assert.Equal(t, "POS-UNKNOWN", hashHardwareAddr(""))
}

package tun

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckMTU(t *testing.T) {
	assert.NoError(t, checkMTU(1500))
	assert.NoError(t, checkMTU(68))
	assert.Error(t, checkMTU(67))
	assert.Error(t, checkMTU(1501))
}

func TestFromZeroTerm(t *testing.T) {
	var name [ifnameSize]byte
	copy(name[:], "rf0")
	assert.Equal(t, "rf0", fromZeroTerm(name[:]))
}

package util_test

import (
	"strconv"
	"testing"

	"github.com/cratefm/crate/internal/api/util"
	"github.com/stretchr/testify/assert"
)

func TestApplyConversion(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, util.ApplyConversion([]int{1, 2, 3}, strconv.Itoa))

	empty := util.ApplyConversion[int, string](nil, strconv.Itoa)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitByMultipleDelimiters(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitByMultipleDelimiters("a,b;c", ",", ";"))
	assert.Equal(t, []string{"a", "b=c"}, SplitByMultipleDelimiters("a,b=c", ",", ";"))
	assert.Equal(t, []string{"a,b"}, SplitByMultipleDelimiters("a,b"))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"doctor", "admin"}, SplitList(" doctor, ;admin ,"))
	assert.Empty(t, SplitList(""))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "a", FirstNonEmpty("a", "b"))
	assert.Equal(t, "b", FirstNonEmpty("", "b"))
	assert.Equal(t, "", FirstNonEmpty("", ""))
}

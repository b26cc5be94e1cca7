package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeQuery_PreservesTabNewlineAndCarriageReturn(t *testing.T) {
	in := "line one\tindented\nline two\r\n"
	assert.Equal(t, in, SanitizeQuery(in))
}

func TestSanitizeQuery_StripsNullAndC0Controls(t *testing.T) {
	in := "hello\x00world\x01\x02"
	assert.Equal(t, "helloworld", SanitizeQuery(in))
}

func TestSanitizeQuery_StripsC1Controls(t *testing.T) {
	in := "abcdef"
	assert.Equal(t, "abcdef", SanitizeQuery(in))
}

func TestSanitizeQuery_LeavesOrdinaryTextUnchanged(t *testing.T) {
	in := "What is the capital of France?"
	assert.Equal(t, in, SanitizeQuery(in))
}

func TestSanitizeQuery_TwoInputsDifferingOnlyByStrippedBytesSanitizeEqual(t *testing.T) {
	a := "same query"
	b := "same\x00 query\x01"
	assert.Equal(t, SanitizeQuery(a), SanitizeQuery(b))
}

func TestMaxQueryLength_Boundary(t *testing.T) {
	q := strings.Repeat("a", MaxQueryLength)
	assert.Len(t, q, MaxQueryLength)
	assert.True(t, len(q) <= MaxQueryLength)

	tooLong := strings.Repeat("a", MaxQueryLength+1)
	assert.True(t, len(tooLong) > MaxQueryLength)
}

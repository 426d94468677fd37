package dname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLowercasesAndPreservesDisplay(t *testing.T) {
	n, err := Parse("WWW.Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "www.example.com.", n.Canonical())
	assert.Equal(t, "WWW.Example.COM.", n.String())
}

func TestParseRejectsOverlongName(t *testing.T) {
	// 4 octets per label (3 + length byte) * 64 + root = 256 > 255
	label := strings.Repeat("a", 63)
	var labels []string
	for i := 0; i < 4; i++ {
		labels = append(labels, label)
	}
	_, err := Parse(strings.Join(labels, ".") + ".")
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestParseAccepts255OctetName(t *testing.T) {
	// 127 one-octet labels: wire = 127*2 + 1 = 255 octets exactly
	labels := make([]string, 127)
	for i := range labels {
		labels[i] = "a"
	}
	n, err := Parse(strings.Join(labels, ".") + ".")
	require.NoError(t, err)
	assert.Equal(t, 127, n.LabelCount())
	assert.Len(t, n.Wire(), 255)
}

func TestCompareOrdersByReversedLabels(t *testing.T) {
	a := MustParse("a.example.com.")
	b := MustParse("b.example.com.")
	parent := MustParse("example.com.")

	assert.True(t, Compare(a, b) < 0)
	assert.True(t, Compare(b, a) > 0)
	assert.Equal(t, 0, Compare(a, MustParse("A.Example.Com.")))

	// children sort adjacent to their parent, not scattered by leading octet
	assert.True(t, Compare(parent, a) < 0)
}

func TestIsSubdomain(t *testing.T) {
	child := MustParse("www.example.com.")
	parent := MustParse("example.com.")
	other := MustParse("example.net.")

	assert.True(t, IsSubdomain(child, parent))
	assert.True(t, IsSubdomain(parent, parent))
	assert.False(t, IsSubdomain(parent, child))
	assert.False(t, IsSubdomain(child, other))
}

func TestLongestCommonSuffix(t *testing.T) {
	a := MustParse("foo.example.com.")
	b := MustParse("bar.example.com.")

	lcs := LongestCommonSuffix(a, b)
	assert.Equal(t, "example.com.", lcs.Canonical())

	assert.Equal(t, ".", LongestCommonSuffix(MustParse("example.com."), MustParse("example.net.")).Canonical())
}

func TestWildcardChild(t *testing.T) {
	owner := MustParse("example.com.")
	w := WildcardChild(owner)
	assert.Equal(t, "*.example.com.", w.Canonical())
	assert.True(t, IsSubdomain(w, owner))
}

func TestParentOfRootIsNil(t *testing.T) {
	assert.Nil(t, Root.Parent())
	assert.Equal(t, "example.com.", MustParse("www.example.com.").Parent().Canonical())
}

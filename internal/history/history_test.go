package history

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

func TestContentHash_FirstKilobyteOnly(t *testing.T) {
	base := bytes.Repeat([]byte{0x41}, 2048)
	same := append(append([]byte{}, base[:1024]...), bytes.Repeat([]byte{0x42}, 1024)...)

	// Differences beyond the first 1KB are invisible to the hash.
	assert.Equal(t, ContentHash(base), ContentHash(same))

	// A single differing byte inside the first 1KB changes it.
	flipped := append([]byte{}, base...)
	flipped[512] ^= 0x01
	assert.NotEqual(t, ContentHash(base), ContentHash(flipped))
}

func TestContentHash_Polynomial(t *testing.T) {
	// h = ((h*31)+'a')*31 + 'b'
	want := uint64('a')*31 + uint64('b')
	assert.Equal(t, want, ContentHash([]byte("ab")))
}

func TestMatches_Symmetric(t *testing.T) {
	a := NewEntry("TEXT", []byte("hello world"), "dev-a", t0)
	b := NewEntry("TEXT", []byte("hello world"), "dev-b", t0.Add(5*time.Minute))
	assert.True(t, Matches(a, b))
	assert.True(t, Matches(b, a))

	c := NewEntry("LINK", []byte("hello world"), "dev-a", t0)
	assert.False(t, Matches(a, c), "type must participate in the match")

	d := NewEntry("TEXT", []byte("hello worlds"), "dev-a", t0)
	assert.False(t, Matches(a, d), "length must participate in the match")
}

func TestApply_DuplicateTopDiscarded(t *testing.T) {
	h := New(10)
	first := NewEntry("TEXT", []byte("same"), "dev-a", t0)
	require.Equal(t, OutcomeInserted, h.Apply(first, t0))

	// Same content from the other device via the second transport.
	second := NewEntry("TEXT", []byte("same"), "dev-b", t0.Add(time.Second))
	assert.Equal(t, OutcomeDuplicateTop, h.Apply(second, t0.Add(time.Second)))
	assert.Equal(t, 1, h.Len())
	assert.Equal(t, "dev-a", h.Top().Origin)
}

func TestApply_ContentMatchMovesToTop(t *testing.T) {
	// Scenario: equal length (11 bytes), equal first-1KB hash, different
	// device ids, five minutes apart.
	h := New(10)
	old := NewEntry("TEXT", []byte("hello world"), "dev-a", t0)
	require.Equal(t, OutcomeInserted, h.Apply(old, t0))
	require.Equal(t, OutcomeInserted, h.Apply(NewEntry("TEXT", []byte("newer thing"), "dev-a", t0.Add(time.Minute)), t0.Add(time.Minute)))

	later := t0.Add(5 * time.Minute)
	dup := NewEntry("TEXT", []byte("hello world"), "dev-b", later)
	assert.Equal(t, OutcomeRefreshed, h.Apply(dup, later))

	assert.Equal(t, 2, h.Len(), "no new entry on a content match")
	top := h.Top()
	assert.Same(t, old, top, "existing entry moves to top")
	assert.Equal(t, later, top.Time, "timestamp bumped")
	assert.Equal(t, "dev-a", top.Origin, "origin untouched")
}

func TestApply_TrimSparesPinned(t *testing.T) {
	h := New(3)
	pinned := NewEntry("TEXT", []byte("keep me"), "dev-a", t0)
	pinned.Pinned = true
	h.Apply(pinned, t0)

	for i := 0; i < 5; i++ {
		e := NewEntry("TEXT", []byte(fmt.Sprintf("item %d", i)), "dev-a", t0.Add(time.Duration(i+1)*time.Second))
		h.Apply(e, e.Time)
	}

	assert.Equal(t, 3, h.Len())
	var foundPinned bool
	for _, e := range h.Entries() {
		if e.Pinned {
			foundPinned = true
		}
	}
	assert.True(t, foundPinned, "pinned entry survives trimming")
}

func TestPin_TogglesByContentMatch(t *testing.T) {
	h := New(5)
	e := NewEntry("TEXT", []byte("pin target"), "dev-a", t0)
	h.Apply(e, t0)

	h.Pin(NewEntry("TEXT", []byte("pin target"), "dev-b", t0.Add(time.Hour)), true)
	assert.True(t, h.Top().Pinned)
}

package peergroup

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubFilterProvider struct {
	elements [][]byte
}

func (s stubFilterProvider) Elements() [][]byte { return s.elements }

func TestBuildFloorsZeroElementFilters(t *testing.T) {
	pg := New(Config{Logger: zap.NewNop()})
	m := newFilterMerger(pg)

	// No providers registered at all.
	filter := m.build()
	require.NotNil(t, filter)

	// A registered provider that currently reports zero elements.
	m.register(stubFilterProvider{elements: nil})
	filter = m.build()
	require.NotNil(t, filter)
}

func TestBuildUsesRegisteredElements(t *testing.T) {
	pg := New(Config{Logger: zap.NewNop()})
	m := newFilterMerger(pg)

	m.register(stubFilterProvider{elements: [][]byte{[]byte("abc"), []byte("def")}})

	filter := m.build()
	require.NotNil(t, filter)
	require.True(t, filter.Matches([]byte("abc")))
}

package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileAttributeListMergesAndOrdersByFirstSeen(t *testing.T) {
	stages, err := CompileAttributeList([]RawAttribute{
		{Name: "class", Value: "btn"},
		{Name: "id", Value: "submit-button"},
		{Name: "class", Value: "active"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".btn.active", "[id=submit-button]"}, stages)
}

func TestCompileHierarchySetCompoundsOneStage(t *testing.T) {
	stage, err := CompileHierarchySet([]RawAttribute{
		{Name: "class", Value: "btn active"},
		{Name: "id", Value: "go"},
	})
	require.NoError(t, err)
	assert.Equal(t, ".btn.active[id=go]", stage)
}

func TestCompileHierarchyOneStagePerSet(t *testing.T) {
	stages, err := CompileHierarchy([][]RawAttribute{
		{{Name: "class", Value: "card"}},
		{{Name: "data-role", Value: "price"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{".card", "[data-role=price]"}, stages)
}

func TestMergeAttributesRejectsMissingNameOrValue(t *testing.T) {
	_, err := CompileAttributeList([]RawAttribute{{Name: "", Value: "x"}})
	assert.Error(t, err)

	_, err = CompileAttributeList([]RawAttribute{{Name: "id", Value: ""}})
	assert.Error(t, err)
}

func TestCompileCSSSelectorBypass(t *testing.T) {
	stages, err := Compile(RawElement{CSSSelector: "div.card > span"})
	require.NoError(t, err)
	assert.Equal(t, []string{"div.card > span"}, stages)
}

func TestCompileRejectsConflictingSelectors(t *testing.T) {
	_, err := Compile(RawElement{
		Attributes:      []RawAttribute{{Name: "class", Value: "x"}},
		SearchHierarchy: [][]RawAttribute{{{Name: "id", Value: "y"}}},
	})
	assert.ErrorIs(t, err, ErrConflictingSelectors)
}

func TestCompileRejectsNoSelector(t *testing.T) {
	_, err := Compile(RawElement{})
	assert.ErrorIs(t, err, ErrMissingSelector)
}

func TestCompileRejectsInvalidCSS(t *testing.T) {
	_, err := Compile(RawElement{CSSSelector: "div[["})
	assert.Error(t, err)
}

package deontic

import (
	"testing"

	"claudemem/internal/types"
	"github.com/stretchr/testify/assert"
)

func TestClassify_DetectsAllFourPatterns(t *testing.T) {
	text := "You MUST run tests. You NEVER commit secrets. You SHOULD write docs. You MAY refactor."
	ds := Classify(text, types.SourceUser)
	var types_ []types.DeonticType
	for _, d := range ds {
		types_ = append(types_, d.Type)
		assert.Equal(t, types.SourceUser, d.Authority)
	}
	assert.Contains(t, types_, types.DeonticMust)
	assert.Contains(t, types_, types.DeonticNever)
	assert.Contains(t, types_, types.DeonticShould)
	assert.Contains(t, types_, types.DeonticMay)
}

func TestClassify_DefaultsToAssistantAuthority(t *testing.T) {
	ds := Classify("You MUST do X.", "")
	if assert.Len(t, ds, 1) {
		assert.Equal(t, types.SourceAssistant, ds[0].Authority)
	}
}

func TestIsInformational(t *testing.T) {
	assert.True(t, IsInformational("just a plain observation about the code"))
	assert.False(t, IsInformational("you MUST always check this"))
}

func TestResolve_RootWinsOverUser(t *testing.T) {
	ds := []Directive{
		{Type: types.DeonticMust, Authority: types.SourceUser, Text: "user says must"},
		{Type: types.DeonticNever, Authority: types.SourceRoot, Text: "root says never"},
	}
	winner, note, conflict := Resolve(ds)
	if assert.NotNil(t, winner) {
		assert.Equal(t, types.SourceRoot, winner.Authority)
	}
	assert.True(t, conflict)
	assert.Equal(t, PrecedenceNote, note)
}

func TestResolve_NoConflictWhenSingleAuthority(t *testing.T) {
	ds := []Directive{
		{Type: types.DeonticMust, Authority: types.SourceMemory, Text: "a"},
		{Type: types.DeonticShould, Authority: types.SourceMemory, Text: "b"},
	}
	_, note, conflict := Resolve(ds)
	assert.False(t, conflict)
	assert.Empty(t, note)
}

func TestResolve_Empty(t *testing.T) {
	winner, _, conflict := Resolve(nil)
	assert.Nil(t, winner)
	assert.False(t, conflict)
}

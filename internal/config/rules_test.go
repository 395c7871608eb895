package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/clinexa/aigateway/pkg/types"
)

func boolPtr(b bool) *bool { return &b }

func TestMatcherEmptyMatchesEverything(t *testing.T) {
	match := MatchConfig{}.Matcher()

	assert.True(t, match(&types.Request{}))
	assert.True(t, match(&types.Request{Prompt: "anything", JSONMode: true}))
}

func TestMatcherPromptContains(t *testing.T) {
	match := MatchConfig{PromptContains: []string{"Discharge", "operative report"}}.Matcher()

	assert.True(t, match(&types.Request{Prompt: "draft the DISCHARGE summary"}))
	assert.True(t, match(&types.Request{Prompt: "the Operative Report follows"}))
	assert.False(t, match(&types.Request{Prompt: "routine progress note"}))
}

func TestMatcherSystemContains(t *testing.T) {
	match := MatchConfig{SystemContains: []string{"radiology"}}.Matcher()

	assert.True(t, match(&types.Request{System: "You are a Radiology assistant"}))
	assert.False(t, match(&types.Request{System: "general scribe", Prompt: "radiology"}))
}

func TestMatcherMinPromptChars(t *testing.T) {
	match := MatchConfig{MinPromptChars: 10}.Matcher()

	assert.False(t, match(&types.Request{Prompt: "short"}))
	assert.True(t, match(&types.Request{Prompt: strings.Repeat("x", 10)}))
}

func TestMatcherJSONMode(t *testing.T) {
	wantJSON := MatchConfig{JSONMode: boolPtr(true)}.Matcher()
	wantPlain := MatchConfig{JSONMode: boolPtr(false)}.Matcher()

	assert.True(t, wantJSON(&types.Request{JSONMode: true}))
	assert.False(t, wantJSON(&types.Request{}))
	assert.True(t, wantPlain(&types.Request{}))
	assert.False(t, wantPlain(&types.Request{JSONMode: true}))
}

func TestMatcherAllCriteriaMustHold(t *testing.T) {
	match := MatchConfig{
		PromptContains: []string{"summary"},
		MinPromptChars: 20,
		JSONMode:       boolPtr(true),
	}.Matcher()

	assert.True(t, match(&types.Request{
		Prompt:   "write the visit summary in full detail",
		JSONMode: true,
	}))
	assert.False(t, match(&types.Request{
		Prompt:   "write the visit summary in full detail",
		JSONMode: false,
	}))
	assert.False(t, match(&types.Request{Prompt: "summary", JSONMode: true}))
}

func TestMatcherIgnoresBlankTerms(t *testing.T) {
	match := MatchConfig{PromptContains: []string{"  ", ""}}.Matcher()

	// Only blank terms means no usable criterion.
	assert.True(t, match(&types.Request{Prompt: "whatever"}))
}

package models

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestValidatePosts(t *testing.T) {
	posts, err := ValidatePosts([]PostInput{
		{Title: StringPtr("a"), URL: StringPtr("https://i.redd.it/a.jpg"), Score: int64Ptr(0), Type: StringPtr("image")},
		{Title: StringPtr("b"), URL: StringPtr(""), Score: int64Ptr(3), Approved: BoolPtr(true)},
	})
	require.Error(t, err)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, 1, validationErr.Index)
	assert.Nil(t, posts)
}

func TestValidatePosts_Converts(t *testing.T) {
	posts, err := ValidatePosts([]PostInput{
		{Title: StringPtr("a"), URL: StringPtr("https://i.redd.it/a.jpg"), Score: int64Ptr(0), Type: StringPtr("gif"), Approved: BoolPtr(false)},
	})
	require.NoError(t, err)
	require.Len(t, posts, 1)

	p := posts[0]
	assert.Equal(t, "a", p.Title)
	assert.Equal(t, int64(0), p.Score)
	assert.Equal(t, TypePtr(MediaTypeGIF), p.Type)
	assert.Equal(t, BoolPtr(false), p.Approved)
	assert.Nil(t, p.Added)
	assert.Nil(t, p.Source)
}

func TestValidatePosts_RequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		input PostInput
		field string
	}{
		{"missing title", PostInput{URL: StringPtr("u"), Score: int64Ptr(1)}, "title"},
		{"missing url", PostInput{Title: StringPtr("t"), Score: int64Ptr(1)}, "url"},
		{"empty url", PostInput{Title: StringPtr("t"), URL: StringPtr(""), Score: int64Ptr(1)}, "url"},
		{"missing score", PostInput{Title: StringPtr("t"), URL: StringPtr("u")}, "score"},
		{"bad type", PostInput{Title: StringPtr("t"), URL: StringPtr("u"), Score: int64Ptr(1), Type: StringPtr("audio")}, "type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePosts([]PostInput{tt.input})

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Contains(t, validationErr.Error(), tt.field)
		})
	}
}

func TestPostJSONNulls(t *testing.T) {
	p := Post{
		Title:       "a",
		URL:         "https://i.redd.it/a.jpg",
		Score:       1,
		LastUpdated: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	body, err := json.Marshal(p)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	for _, field := range []string{"audio_url", "filename", "source", "type", "added", "approved"} {
		v, ok := out[field]
		assert.True(t, ok, field)
		assert.Nil(t, v, field)
	}
	assert.Len(t, out, 10)
}

func TestUserPasswordNotSerialized(t *testing.T) {
	body, err := json.Marshal(User{Username: "mod", HashedPassword: "hash"})
	require.NoError(t, err)
	assert.NotContains(t, string(body), "hash")
}

func TestMediaTypeValid(t *testing.T) {
	assert.True(t, MediaTypeImage.Valid())
	assert.True(t, MediaTypeVideo.Valid())
	assert.False(t, MediaType("audio").Valid())
}

package ans104

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTagsRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		tags []Tag
	}{
		{"nil", nil},
		{"single", []Tag{{Name: "Content-Type", Value: "image/png"}}},
		{"ordered", []Tag{
			{Name: "App-Name", Value: "permagate"},
			{Name: "App-Version", Value: "1.0.0"},
			{Name: "Content-Type", Value: "application/json"},
		}},
		{"duplicate names", []Tag{
			{Name: "k", Value: "first"},
			{Name: "k", Value: "second"},
		}},
		{"empty value", []Tag{{Name: "flag", Value: ""}}},
		{"unicode", []Tag{{Name: "título", Value: "значение"}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			section, err := EncodeTags(tc.tags)
			require.NoError(t, err)
			if len(tc.tags) == 0 {
				assert.Nil(t, section)
			}

			decoded, err := DecodeTags(section)
			require.NoError(t, err)
			assert.Equal(t, tc.tags, decoded)
		})
	}
}

func TestEncodeTagsLimits(t *testing.T) {
	tooMany := make([]Tag, MaxTags+1)
	for i := range tooMany {
		tooMany[i] = Tag{Name: "n", Value: "v"}
	}
	_, err := EncodeTags(tooMany)
	assert.ErrorIs(t, err, ErrTooManyTags)

	_, err = EncodeTags([]Tag{{Name: strings.Repeat("x", MaxTagNameSize+1), Value: "v"}})
	assert.ErrorIs(t, err, ErrTagTooLarge)

	_, err = EncodeTags([]Tag{{Name: "n", Value: strings.Repeat("x", MaxTagValueSize+1)}})
	assert.ErrorIs(t, err, ErrTagTooLarge)

	// At the limits everything still encodes.
	atLimit := make([]Tag, MaxTags)
	for i := range atLimit {
		atLimit[i] = Tag{Name: "n", Value: "v"}
	}
	_, err = EncodeTags(atLimit)
	assert.NoError(t, err)
}

func TestDecodeTagsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		section []byte
	}{
		{"truncated count", []byte{0x80}},
		{"missing terminator", func() []byte {
			s, _ := EncodeTags([]Tag{{Name: "a", Value: "b"}})
			return s[:len(s)-1]
		}()},
		{"trailing bytes", func() []byte {
			s, _ := EncodeTags([]Tag{{Name: "a", Value: "b"}})
			return append(s, 0x00)
		}()},
		{"negative field length", []byte{0x02, 0x01, 0x00}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeTags(tc.section)
			assert.Error(t, err)
		})
	}
}

func TestDecodeTagsNegativeBlockCount(t *testing.T) {
	// Avro writers may emit a negative block count followed by the block
	// byte size; the count is then the absolute value.
	var section []byte
	section = appendZigZag(section, -1)
	section = appendZigZag(section, 4) // block byte size, skipped
	section = appendZigZag(section, 1)
	section = append(section, 'a')
	section = appendZigZag(section, 1)
	section = append(section, 'b')
	section = appendZigZag(section, 0)

	tags, err := DecodeTags(section)
	require.NoError(t, err)
	assert.Equal(t, []Tag{{Name: "a", Value: "b"}}, tags)
}

func TestTagValue(t *testing.T) {
	tags := []Tag{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "Content-Type", Value: "shadowed"},
	}
	assert.Equal(t, "text/plain", TagValue(tags, "Content-Type"))
	assert.Equal(t, "", TagValue(tags, "App-Name"))
	assert.Equal(t, "", TagValue(nil, "anything"))
}

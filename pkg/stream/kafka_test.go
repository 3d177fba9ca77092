package stream

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/workspace-chat/pkg/model"
)

func TestDecode(t *testing.T) {
	in := model.Message{
		ID:          42,
		ChannelID:   "general",
		UserID:      "alice",
		Content:     "hi",
		Type:        model.TypeMessage,
		Attachments: []model.Attachment{{Name: "a.png", URL: "https://files/a.png"}},
		Timestamp:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Attachments, out.Attachments)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("hello"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformed))
}

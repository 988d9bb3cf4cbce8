package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/taskpoll/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCursor_RoundTrip(t *testing.T) {
	in := &storage.TaskCursor{
		CreatedAt: time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC),
		TaskID:    "0b9a3c52-6c1e-4f55-9d0e-6c3b1d2f4a11",
	}

	out, err := DecodeTaskCursor(EncodeTaskCursor(in))
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.TaskID, out.TaskID)
}

func TestDecodeTaskCursor(t *testing.T) {
	cursor, err := DecodeTaskCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	tests := []struct {
		name  string
		input string
	}{
		{name: "not base64", input: "%%%"},
		{name: "missing separator", input: base64.URLEncoding.EncodeToString([]byte("12345"))},
		{name: "missing task id", input: base64.URLEncoding.EncodeToString([]byte("12345|"))},
		{name: "bad timestamp", input: base64.URLEncoding.EncodeToString([]byte("yesterday|abc"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeTaskCursor(tt.input)
			assert.Error(t, err)
		})
	}
}

package webhook

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeMetadataReplacesNonDocuments(t *testing.T) {
	t.Parallel()

	const ts = "2026-10-17T12:00:00Z"
	for name, existing := range map[string]json.RawMessage{
		"scalar number": json.RawMessage(`42`),
		"scalar string": json.RawMessage(`"legacy"`),
		"null":          json.RawMessage(`null`),
		"array":         json.RawMessage(`[1,2]`),
		"absent":        nil,
		"invalid":       json.RawMessage(`{"broken":`),
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			merged, err := MergeMetadata(existing, map[string]any{"completed_at": ts})
			require.NoError(t, err)
			require.JSONEq(t, `{"completed_at":"2026-10-17T12:00:00Z"}`, string(merged))
		})
	}
}

func TestMergeMetadataOverlaysDocument(t *testing.T) {
	t.Parallel()

	merged, err := MergeMetadata(
		json.RawMessage(`{"source":"ftp","completed_at":"old"}`),
		map[string]any{"completed_at": "new", "failed_count": 1},
	)
	require.NoError(t, err)
	require.JSONEq(t, `{"source":"ftp","completed_at":"new","failed_count":1}`, string(merged))
}

func TestTerminalStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, StatusCompleted, TerminalStatus(3, 0))
	require.Equal(t, StatusPartiallyFailed, TerminalStatus(3, 1))
	require.Equal(t, StatusFailed, TerminalStatus(3, 3))
	require.True(t, StatusFailed.IsTerminal())
	require.False(t, StatusProcessing.IsTerminal())
}

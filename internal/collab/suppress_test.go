package collab

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldRecord(t *testing.T) {
	cases := []struct {
		eventType, summary string
		want               bool
	}{
		{"", "", true},
		{"SNAPSHOT_UPDATE", "Edited slide 2", true},
		{"internal_autosave", "", false},
		{"INTERNAL_SYNC", "anything", false},
		{"", "retry after conflito", false},
		{"", "Retry after CONFLICT", false},
		{"", "retry", true},
		{"", "conflict resolved by hand", true},
		{"", "client VERSION_CONFLICT resend", false},
		{"TEXT_EDIT", "   ", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ShouldRecord(tc.eventType, tc.summary), "%q/%q", tc.eventType, tc.summary)
	}
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize([]byte(" { \"b\": [1, 2],\n \"a\": \"x y\" } "))
	require.NoError(t, err)
	require.Equal(t, `{"b":[1,2],"a":"x y"}`, got)

	again, err := Canonicalize([]byte(got))
	require.NoError(t, err)
	require.Equal(t, got, again)

	for _, bad := range []string{"", "   ", "{", "[1,]", "nope"} {
		_, err := Canonicalize([]byte(bad))
		require.ErrorIs(t, err, ErrSerialization, bad)
	}
}

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultURLConverter(t *testing.T) {
	c := &DefaultURLConverter{Prefix: "/caldav/"}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/caldav", "/", false},
		{"/caldav/", "/", false},
		{"/caldav/alice", "/alice", false},
		{"/caldav/alice/work/", "/alice/work", false},
		{"/caldav/alice/work/e1.ics", "/alice/work/e1.ics", false},
		{"/caldav/alice//work", "/alice/work", false},
		{"/caldavx/alice", "", true},
		{"/other/alice", "", true},
		{"/caldav/alice/../bob", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := c.ParsePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "/caldav/", c.EncodePath("/", true))
	assert.Equal(t, "/caldav/alice/work/", c.EncodePath("/alice/work", true))
	assert.Equal(t, "/caldav/alice/work/my%20event.ics", c.EncodePath("/alice/work/my event.ics", false))

	root := &DefaultURLConverter{}
	assert.Equal(t, "/alice/", root.EncodePath("/alice", true))
	got, err := root.ParsePath("/alice/work")
	require.NoError(t, err)
	assert.Equal(t, "/alice/work", got)
}

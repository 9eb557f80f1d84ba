package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcessType(t *testing.T) {
	tests := []struct {
		in   string
		want ProcessType
	}{
		{"", ProcessCopy},
		{"COPY", ProcessCopy},
		{"Generate", ProcessGenerate},
		{" script ", ProcessScript},
	}
	for _, tt := range tests {
		got, err := ParseProcessType(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	_, err := ParseProcessType("render")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown process type")
}

func TestRecordSetForProject(t *testing.T) {
	rs := RecordSet{
		Projects: []string{"alpha", "beta"},
		Records: []FileRecord{
			{Path: "a/1.py", Project: "alpha"},
			{Path: "b/1.py", Project: "beta"},
			{Path: "a/2.py", Project: "alpha"},
		},
	}

	assert.Len(t, rs.ForProject(""), 3)

	alpha := rs.ForProject("alpha")
	require.Len(t, alpha, 2)
	assert.Equal(t, "a/1.py", alpha[0].Path)
	assert.Equal(t, "a/2.py", alpha[1].Path)

	assert.Empty(t, rs.ForProject("gamma"))
}

func TestCheckpointAndProvenanceDefaults(t *testing.T) {
	var cp Checkpoint
	assert.Zero(t, cp.Position)
	assert.Empty(t, cp.Path)

	rec := ProvenanceRecord{Revision: Revision{RevisionHash: fooBarRevision}}
	assert.False(t, rec.Finalized())
	rec.FanoutRoot = fooBarEdge
	assert.True(t, rec.Finalized())
}

package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Duration
	}{
		{`{"expires":43200}`, Duration(12 * time.Hour)},
		{`{"expires":0.5}`, Duration(500 * time.Millisecond)},
		{`{"expires":"30"}`, Duration(30 * time.Second)},
		{`{"expires":"12h"}`, Duration(12 * time.Hour)},
		{`{"expires":null}`, 0},
		{`{}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var def PeriodicTask
			require.NoError(t, json.Unmarshal([]byte(tt.in), &def))
			assert.Equal(t, tt.want, def.Expires)
		})
	}

	var def PeriodicTask
	assert.Error(t, json.Unmarshal([]byte(`{"expires":"soon"}`), &def))
	assert.Error(t, json.Unmarshal([]byte(`{"expires":true}`), &def))
}

func TestDurationEncodesSeconds(t *testing.T) {
	data, err := json.Marshal(Task{ID: "x", Expires: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"expires":90`)

	var task Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, Duration(90*time.Second), task.Expires)
}

func TestDurationYAML(t *testing.T) {
	var doc struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 43200\nb: 1m30s\nc: 0.25\n"), &doc))
	assert.Equal(t, Duration(12*time.Hour), doc.A)
	assert.Equal(t, Duration(90*time.Second), doc.B)
	assert.Equal(t, Duration(250*time.Millisecond), doc.C)

	assert.Error(t, yaml.Unmarshal([]byte("a: [1]\n"), &doc))

	out, err := yaml.Marshal(doc)
	require.NoError(t, err)
	var back struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, doc.A, back.A)
	assert.Equal(t, doc.B, back.B)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration(int64(60))
	require.NoError(t, err)
	assert.Equal(t, Duration(time.Minute), d)

	d, err = ParseDuration(time.Second)
	require.NoError(t, err)
	assert.Equal(t, Duration(time.Second), d)

	_, err = ParseDuration([]int{1})
	assert.Error(t, err)
}

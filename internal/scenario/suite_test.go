package scenario

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSuite(t *testing.T) {
	doc := `
scenarios:
  - name: clean
    size: 512MiB
    parts: 512
  - name: corrupted
    size: 5MiB
    parts: 5
    pattern: corrupted
    fault: data-corruption
  - name: via-mc
    size: 151 MiB
    pattern: corrupted
    fault: data-corruption
    expect: violation-detected
    transport: mc
  - name: fault-but-clean-payload
    size: 1048576
    parts: 1
    fault: data-corruption
    expect: integrity-preserved
`
	got, err := ParseSuite(strings.NewReader(doc))
	require.NoError(t, err)

	corruption := &FaultSpec{Mode: fault.DataCorruption}
	want := []Scenario{
		{Name: "clean", Size: 512 << 20, Parts: 512, Pattern: payload.UniformRandom},
		{Name: "corrupted", Size: 5 << 20, Parts: 5, Pattern: payload.Corrupted, Fault: corruption},
		{Name: "via-mc", Size: 151 << 20, Pattern: payload.Corrupted, Fault: corruption, Expect: ViolationDetected, Transport: "mc"},
		{Name: "fault-but-clean-payload", Size: 1 << 20, Parts: 1, Pattern: payload.UniformRandom, Fault: corruption, Expect: IntegrityPreserved},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseSuite mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, IntegrityPreserved, got[0].Expected())
	assert.Equal(t, ViolationDetected, got[1].Expected())
}

func TestParseSuiteErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no scenarios", "scenarios: []\n"},
		{"unknown field", "scenarios:\n  - name: a\n    size: 1MiB\n    parts: 1\n    colour: red\n"},
		{"bad size", "scenarios:\n  - name: a\n    size: huge\n    parts: 1\n"},
		{"bad pattern", "scenarios:\n  - name: a\n    size: 1MiB\n    parts: 1\n    pattern: zeros\n"},
		{"bad expectation", "scenarios:\n  - name: a\n    size: 1MiB\n    parts: 1\n    expect: maybe\n"},
		{"detection without fault", "scenarios:\n  - name: a\n    size: 1MiB\n    parts: 1\n    expect: violation-detected\n"},
		{"duplicate", "scenarios:\n  - name: a\n    size: 1MiB\n    parts: 1\n  - name: a\n    size: 1MiB\n    parts: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSuite(strings.NewReader(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scenarios:\n  - name: a\n    size: 2MiB\n    parts: 2\n"), 0o644))

	got, err := LoadSuite(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2<<20), got[0].Size)

	_, err = LoadSuite(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultSuiteIsValid(t *testing.T) {
	suite := DefaultSuite()
	require.Len(t, suite, 4)
	for _, sc := range suite {
		assert.NoError(t, sc.Validate(), sc.Name)
	}

	assert.Equal(t, int64(512<<20), suite[0].Size)
	assert.Equal(t, 512, suite[0].Parts)
	assert.Equal(t, ViolationDetected, suite[1].Expected())
	assert.Equal(t, 5, suite[1].Parts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		sc      Scenario
		wantErr bool
	}{
		{"ok", Scenario{Name: "a", Size: 10, Parts: 10}, false},
		{"missing name", Scenario{Size: 10, Parts: 1}, true},
		{"zero size", Scenario{Name: "a", Parts: 1}, true},
		{"zero parts", Scenario{Name: "a", Size: 10, Transport: "sdk"}, true},
		{"zero parts before transport is known", Scenario{Name: "a", Size: 10}, false},
		{"bad parts before transport is known", Scenario{Name: "a", Size: 10, Parts: -1}, true},
		{"too many parts", Scenario{Name: "a", Size: 1 << 20, Parts: payload.MaxParts + 1}, true},
		{"size below parts", Scenario{Name: "a", Size: 3, Parts: 4}, true},
		{"cli ignores parts", Scenario{Name: "a", Size: 3, Transport: "s3cmd"}, false},
		{"unknown fault", Scenario{Name: "a", Size: 1, Parts: 1, Fault: &FaultSpec{Mode: "disk-full"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sc.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSelect(t *testing.T) {
	suite := DefaultSuite()

	all, err := Select(suite, nil)
	require.NoError(t, err)
	assert.Len(t, all, len(suite))

	picked, err := Select(suite, []string{"mc-151MiB-corrupted", "multipart-5MiB-corrupted"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "multipart-5MiB-corrupted", picked[0].Name)

	_, err = Select(suite, []string{"nope"})
	assert.Error(t, err)
}

package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/payload"
	"gopkg.in/yaml.v3"
)

const mib = 1 << 20

// Size is a byte count written in suite files as "5MiB" or a plain integer.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	raw := node.Value
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid size %q: %w", node.Line, raw, err)
	}
	*s = Size(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

// suiteFile is the on-disk layout of a suite.
type suiteFile struct {
	Scenarios []scenarioFile `yaml:"scenarios"`
}

type scenarioFile struct {
	Name      string `yaml:"name"`
	Size      Size   `yaml:"size"`
	Parts     int    `yaml:"parts,omitempty"`
	Pattern   string `yaml:"pattern,omitempty"`
	Fault     string `yaml:"fault,omitempty"`
	Expect    string `yaml:"expect,omitempty"`
	Transport string `yaml:"transport,omitempty"`
	Bucket    string `yaml:"bucket,omitempty"`
	Key       string `yaml:"key,omitempty"`
}

func (f scenarioFile) scenario() (Scenario, error) {
	pattern, err := payload.ParsePattern(f.Pattern)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", f.Name, err)
	}
	expect, err := ParseExpectation(f.Expect)
	if err != nil {
		return Scenario{}, fmt.Errorf("scenario %s: %w", f.Name, err)
	}

	sc := Scenario{
		Name:      f.Name,
		Size:      int64(f.Size),
		Parts:     f.Parts,
		Pattern:   pattern,
		Expect:    expect,
		Transport: f.Transport,
		Bucket:    f.Bucket,
		Key:       f.Key,
	}
	if f.Fault != "" {
		sc.Fault = &FaultSpec{Mode: fault.Mode(f.Fault)}
	}
	if err := sc.Validate(); err != nil {
		return Scenario{}, err
	}
	return sc, nil
}

// ParseSuite decodes a suite document and validates every scenario.
func ParseSuite(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file suiteFile
	if err := dec.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("suite is empty")
		}
		return nil, fmt.Errorf("decode suite: %w", err)
	}
	if len(file.Scenarios) == 0 {
		return nil, errors.New("suite has no scenarios")
	}

	seen := make(map[string]bool, len(file.Scenarios))
	scenarios := make([]Scenario, 0, len(file.Scenarios))
	for _, f := range file.Scenarios {
		sc, err := f.scenario()
		if err != nil {
			return nil, err
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("duplicate scenario name %q", sc.Name)
		}
		seen[sc.Name] = true
		scenarios = append(scenarios, sc)
	}
	return scenarios, nil
}

// LoadSuite reads a suite file.
func LoadSuite(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	return ParseSuite(bytes.NewReader(data))
}

// DefaultSuite returns the built-in multipart durability cases.
func DefaultSuite() []Scenario {
	corruption := func() *FaultSpec { return &FaultSpec{Mode: fault.DataCorruption} }
	return []Scenario{
		{
			Name:    "multipart-512MiB-clean",
			Size:    512 * mib,
			Parts:   512,
			Pattern: payload.UniformRandom,
			Expect:  IntegrityPreserved,
		},
		{
			Name:    "multipart-5MiB-corrupted",
			Size:    5 * mib,
			Parts:   5,
			Pattern: payload.Corrupted,
			Fault:   corruption(),
			Expect:  ViolationDetected,
		},
		{
			Name:      "s3cmd-5MiB-corrupted",
			Size:      5 * mib,
			Pattern:   payload.Corrupted,
			Fault:     corruption(),
			Expect:    ViolationDetected,
			Transport: "s3cmd",
		},
		{
			Name:      "mc-151MiB-corrupted",
			Size:      151 * mib,
			Pattern:   payload.Corrupted,
			Fault:     corruption(),
			Expect:    ViolationDetected,
			Transport: "mc",
		},
	}
}

// Select returns the scenarios whose names are listed, in suite order. An
// empty list selects everything.
func Select(suite []Scenario, names []string) ([]Scenario, error) {
	if len(names) == 0 {
		return suite, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Scenario
	for _, sc := range suite {
		if want[sc.Name] {
			out = append(out, sc)
			delete(want, sc.Name)
		}
	}
	for n := range want {
		return nil, fmt.Errorf("unknown scenario %q", n)
	}
	return out, nil
}

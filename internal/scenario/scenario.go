// Package scenario composes payload generation, fault injection, transfer and
// checksum verification into end-to-end durability scenarios and classifies
// each run as PASS, FAIL or ERROR.
package scenario

import (
	"errors"
	"fmt"
	"time"

	"github.com/kumasuke/dura/internal/checksum"
	"github.com/kumasuke/dura/internal/fault"
	"github.com/kumasuke/dura/internal/payload"
	"github.com/kumasuke/dura/internal/transfer"
)

var (
	// ErrIntegrityViolationUndetected means a corrupted object was served as if intact.
	ErrIntegrityViolationUndetected = errors.New("integrity violation undetected")
	// ErrIntegrityMismatch means the downloaded copy differs from the source payload.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
	// ErrFaultNotActivated means the target did not confirm fault activation.
	ErrFaultNotActivated = errors.New("fault not activated")
	// ErrPartCountMismatch means the upload acknowledged a different number of parts than requested.
	ErrPartCountMismatch = errors.New("part count mismatch")
	// ErrObjectNotListed means the uploaded key is missing from the bucket listing.
	ErrObjectNotListed = errors.New("uploaded object not listed")
)

// Expectation is the verdict a scenario is designed to reach.
type Expectation string

const (
	// IntegrityPreserved expects the download to succeed with identical content.
	IntegrityPreserved Expectation = "integrity-preserved"
	// ViolationDetected expects the store to refuse serving the corrupted object.
	ViolationDetected Expectation = "violation-detected"
)

// ParseExpectation maps a suite value onto an Expectation. Empty stays empty
// and is derived from the fault later.
func ParseExpectation(s string) (Expectation, error) {
	switch e := Expectation(s); e {
	case "", IntegrityPreserved, ViolationDetected:
		return e, nil
	}
	return "", fmt.Errorf("unknown expectation %q", s)
}

// Verdict is the classified result of a scenario.
type Verdict string

const (
	Pass  Verdict = "PASS"
	Fail  Verdict = "FAIL"
	Error Verdict = "ERROR"
)

// FaultSpec requests a fault for the duration of a scenario. Active is filled
// in from what the target reports once the fault was requested.
type FaultSpec struct {
	Mode   fault.Mode `json:"mode"`
	Active bool       `json:"active"`
}

// Scenario is one named durability test case.
type Scenario struct {
	Name    string
	Size    int64
	Parts   int
	Pattern payload.Pattern
	Fault   *FaultSpec
	Expect  Expectation
	// Transport names the driver; empty selects the runner default.
	Transport string
	// Bucket and Key are generated per run when empty.
	Bucket string
	Key    string
}

// Expected returns the scenario's expectation, derived from the fault when
// not set explicitly.
func (s Scenario) Expected() Expectation {
	if s.Expect != "" {
		return s.Expect
	}
	if s.Fault != nil {
		return ViolationDetected
	}
	return IntegrityPreserved
}

// chunked reports whether the transport honours the requested part count.
func (s Scenario) chunked() bool {
	return s.Transport == "sdk"
}

// Validate checks the scenario definition. With no transport named, the part
// count is only checked when one is given; the runner validates again once the
// default transport is known.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return errors.New("scenario name is required")
	}
	if s.Size <= 0 {
		return fmt.Errorf("scenario %s: size must be positive, got %d", s.Name, s.Size)
	}
	if s.chunked() || (s.Transport == "" && s.Parts != 0) {
		if s.Parts < 1 || s.Parts > payload.MaxParts {
			return fmt.Errorf("scenario %s: parts must be in [1, %d], got %d", s.Name, payload.MaxParts, s.Parts)
		}
		if s.Size < int64(s.Parts) {
			return fmt.Errorf("scenario %s: size %d is smaller than %d parts", s.Name, s.Size, s.Parts)
		}
	}
	if s.Pattern != "" {
		if _, err := payload.ParsePattern(string(s.Pattern)); err != nil {
			return fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}
	if s.Fault != nil && s.Fault.Mode != fault.DataCorruption {
		return fmt.Errorf("scenario %s: unsupported fault mode %q", s.Name, s.Fault.Mode)
	}
	if s.Expected() == ViolationDetected && s.Fault == nil {
		return fmt.Errorf("scenario %s: %s requires a fault", s.Name, ViolationDetected)
	}
	return nil
}

// Outcome is the result of running one scenario.
type Outcome struct {
	Scenario Scenario
	Bucket   string
	Key      string
	Verdict  Verdict
	// Err explains a FAIL or ERROR verdict.
	Err error
	// DownloadErr is the error the download ended with, expected or not.
	DownloadErr      error
	Upload           *transfer.TransferResult
	Download         *transfer.TransferResult
	SourceChecksum   checksum.Digest
	DownloadChecksum checksum.Digest
	Duration         time.Duration
	TeardownErrs     []error
}

// Passed reports whether the verdict is PASS.
func (o *Outcome) Passed() bool {
	return o.Verdict == Pass
}

package scenario

import (
	"github.com/rs/zerolog"
)

// Record is the flat, serializable verdict of one scenario: one line per
// scenario in the run report.
type Record struct {
	Name             string   `json:"name"`
	Transport        string   `json:"transport"`
	Expect           string   `json:"expect"`
	Status           Verdict  `json:"status"`
	DurationMS       int64    `json:"duration_ms"`
	Bucket           string   `json:"bucket,omitempty"`
	Key              string   `json:"key,omitempty"`
	Size             int64    `json:"size"`
	Parts            int      `json:"parts,omitempty"`
	FaultActive      bool     `json:"fault_active,omitempty"`
	SourceChecksum   string   `json:"source_checksum,omitempty"`
	DownloadChecksum string   `json:"download_checksum,omitempty"`
	DownloadError    string   `json:"download_error,omitempty"`
	Error            string   `json:"error,omitempty"`
	Teardown         []string `json:"teardown_errors,omitempty"`
}

// Record flattens the outcome.
func (o *Outcome) Record() Record {
	rec := Record{
		Name:             o.Scenario.Name,
		Transport:        o.Scenario.Transport,
		Expect:           string(o.Scenario.Expected()),
		Status:           o.Verdict,
		DurationMS:       o.Duration.Milliseconds(),
		Bucket:           o.Bucket,
		Key:              o.Key,
		Size:             o.Scenario.Size,
		Parts:            o.Scenario.Parts,
		SourceChecksum:   o.SourceChecksum.String(),
		DownloadChecksum: o.DownloadChecksum.String(),
	}
	if o.Scenario.Fault != nil {
		rec.FaultActive = o.Scenario.Fault.Active
	}
	if o.DownloadErr != nil {
		rec.DownloadError = o.DownloadErr.Error()
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	for _, err := range o.TeardownErrs {
		rec.Teardown = append(rec.Teardown, err.Error())
	}
	return rec
}

func (o *Outcome) log(logger zerolog.Logger) {
	ev := logger.Info()
	if o.Verdict != Pass {
		ev = logger.Error()
	}
	ev.Str("status", string(o.Verdict)).
		Str("expect", string(o.Scenario.Expected())).
		Int64("duration_ms", o.Duration.Milliseconds()).
		Str("source_checksum", o.SourceChecksum.String()).
		Str("download_checksum", o.DownloadChecksum.String()).
		AnErr("download_error", o.DownloadErr).
		Err(o.Err).
		Int("teardown_errors", len(o.TeardownErrs)).
		Msg("Scenario finished")
}

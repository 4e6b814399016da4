package fault

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// AdminPath is the prefix of the fault switch endpoints on the target.
const AdminPath = "/_admin/faults/"

// HTTP drives a fault switch exposed as an admin endpoint:
//
//	GET    {base}/_admin/faults/{mode}  -> Status
//	PUT    {base}/_admin/faults/{mode}  -> enable
//	DELETE {base}/_admin/faults/{mode}  -> disable
type HTTP struct {
	base   string
	client *http.Client
}

// NewHTTP returns an injector for the admin endpoint at baseURL. A nil client
// uses http.DefaultClient.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{
		base:   strings.TrimRight(baseURL, "/"),
		client: client,
	}
}

func (h *HTTP) url(mode Mode) string {
	return h.base + AdminPath + string(mode)
}

func (h *HTTP) do(ctx context.Context, method string, mode Mode) (*Status, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.url(mode), nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fault admin %s %s: %w", method, mode, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fault admin %s %s: status %d: %s", method, mode, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	var st Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode fault status: %w", err)
	}
	return &st, nil
}

// Status reports whether data corruption is active on the target.
func (h *HTTP) Status(ctx context.Context) (bool, error) {
	st, err := h.do(ctx, http.MethodGet, DataCorruption)
	if err != nil {
		return false, err
	}
	return st != nil && st.Enabled, nil
}

// EnableDataCorruption activates data corruption and confirms it with a status read.
func (h *HTTP) EnableDataCorruption(ctx context.Context) (bool, error) {
	active, err := h.Status(ctx)
	if err != nil {
		return false, err
	}
	if active {
		log.Debug().Str("mode", string(DataCorruption)).Msg("Fault already active")
		return true, nil
	}

	if _, err := h.do(ctx, http.MethodPut, DataCorruption); err != nil {
		return false, err
	}
	active, err = h.Status(ctx)
	if err != nil {
		return false, err
	}
	log.Info().Str("mode", string(DataCorruption)).Bool("enabled", active).Msg("Fault enabled")
	return active, nil
}

// Reset disables data corruption on the target.
func (h *HTTP) Reset(ctx context.Context) error {
	if _, err := h.do(ctx, http.MethodDelete, DataCorruption); err != nil {
		return err
	}
	log.Info().Str("mode", string(DataCorruption)).Msg("Fault reset")
	return nil
}

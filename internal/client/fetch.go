package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JakeFAU/geoload/internal/classify"
	"github.com/JakeFAU/geoload/internal/flexjson"
	"github.com/JakeFAU/geoload/internal/progress"
)

const (
	defaultProgressMessage = "Processing..."
	defaultCompleteMessage = "Processing completed successfully"
	defaultFailedMessage   = "Processing failed on the server"
	malformedMessage       = "Unexpected progress response"
)

type statusResponse struct {
	Success  bool            `json:"success"`
	Error    string          `json:"error"`
	Progress *statusProgress `json:"progress"`
}

type statusProgress struct {
	Percentage flexjson.Number `json:"percentage"`
	Message    string          `json:"message"`
	Status     string          `json:"status"`
	Details    *statusDetails  `json:"details"`
	IsComplete bool            `json:"isComplete"`
	HasError   bool            `json:"hasError"`
	SessionID  string          `json:"sessionId"`
	FileName   string          `json:"fileName"`
}

type statusDetails struct {
	ProcessedRecords       flexjson.Number `json:"processedRecords"`
	TotalRecords           flexjson.Number `json:"totalRecords"`
	ElapsedTime            flexjson.Text   `json:"elapsedTime"`
	EstimatedTimeRemaining flexjson.Text   `json:"estimatedTimeRemaining"`
	Speed                  flexjson.Text   `json:"speed"`
	CurrentOperation       flexjson.Text   `json:"currentOperation"`
}

// FetchOnce issues exactly one status request for sessionID. It always
// returns a usable snapshot: on failure the snapshot is a terminal Error
// carrying the failure kind and the error is a *FetchError.
func (c *Client) FetchOnce(ctx context.Context, sessionID string) (progress.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.StatusTimeout)
	defer cancel()

	fail := func(reason FetchReason, kind classify.Kind, msg string, err error) (progress.Snapshot, error) {
		snap := progress.Failed(kind, msg, c.clock.Now())
		snap.SessionID = sessionID
		return snap, &FetchError{Reason: reason, Kind: snap.Kind, SessionID: sessionID, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.StatusPath, sessionID), nil)
	if err != nil {
		return fail(FetchTransport, classify.KindUnknown, "", err)
	}
	resp, err := c.do(req)
	if err != nil {
		kind := classify.Classify(err)
		return fail(FetchTransport, kind, "Failed to fetch progress: "+classify.Describe(err), err)
	}
	defer resp.Body.Close()

	var payload statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if kind := classify.Classify(err); kind == classify.KindTimeout || kind == classify.KindUnreachable {
			return fail(FetchTransport, kind, "Failed to fetch progress: "+kind.Message(), err)
		}
		return fail(FetchMalformed, classify.KindUnknown, malformedMessage, fmt.Errorf("decode progress: %w", err))
	}
	if !payload.Success || payload.Progress == nil {
		msg := strings.TrimSpace(payload.Error)
		if msg == "" {
			msg = malformedMessage
		}
		return fail(FetchMalformed, classify.KindUnknown, msg, errors.New(msg))
	}
	return c.normalize(sessionID, payload.Progress), nil
}

// normalize maps the server payload onto a Snapshot. Missing numbers are
// zero, unknown statuses are Uploading, and the isComplete/hasError flags
// override the status string with hasError taking precedence.
func (c *Client) normalize(sessionID string, p *statusProgress) progress.Snapshot {
	snap := progress.Snapshot{
		Phase:     progress.ParsePhase(p.Status),
		Percent:   progress.ClampPercent(float64(p.Percentage)),
		Message:   strings.TrimSpace(p.Message),
		SessionID: p.SessionID,
		FileName:  p.FileName,
		TS:        c.clock.Now(),
	}
	if snap.SessionID == "" {
		snap.SessionID = sessionID
	}
	if d := p.Details; d != nil {
		snap.Processed = d.ProcessedRecords.Int64()
		snap.Total = d.TotalRecords.Int64()
		snap.Operation = string(d.CurrentOperation)
		if d.ElapsedTime != "" || d.EstimatedTimeRemaining != "" || d.Speed != "" {
			snap.Timing = &progress.Timing{
				Elapsed:            string(d.ElapsedTime),
				EstimatedRemaining: string(d.EstimatedTimeRemaining),
				Speed:              string(d.Speed),
			}
		}
	}

	switch {
	case p.HasError:
		snap.Phase = progress.PhaseError
	case p.IsComplete:
		snap.Phase = progress.PhaseComplete
	}

	switch snap.Phase {
	case progress.PhaseError:
		snap.Kind = classify.KindServerFault
		if snap.Message == "" {
			snap.Message = defaultFailedMessage
		}
	case progress.PhaseComplete:
		if snap.Processed == 0 {
			snap.Processed = snap.Total
		}
		if snap.Message == "" {
			snap.Message = defaultCompleteMessage
		}
	default:
		if snap.Message == "" {
			snap.Message = defaultProgressMessage
		}
	}
	return snap
}

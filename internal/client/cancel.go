package client

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// CancelSession asks the server to stop processing sessionID. The result is
// informational; callers treat local cancellation as authoritative.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	ctx, cancel := withTimeout(ctx, c.cfg.CancelTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint(c.cfg.CancelPath, sessionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	c.logger.Debug("cancel acknowledged", zap.String("session_id", sessionID), zap.Int("status", resp.StatusCode))
	return nil
}

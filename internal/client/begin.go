package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/geoload/internal/classify"
	"github.com/JakeFAU/geoload/internal/hash/sha256"
)

// Form field names expected by the upload endpoint.
const (
	fileField    = "archivo"
	projectField = "nombreProyecto"
)

// Upload is one file submitted for processing.
type Upload struct {
	// FileName is sent as the multipart file name and shown to users.
	FileName string
	// Body streams the file content. Begin does not close it.
	Body io.Reader
	// ProjectName is optional metadata attached to the upload.
	ProjectName string
}

// Session is the server's acknowledgement of an upload.
type Session struct {
	ID          string
	FileName    string
	Message     string
	ProgressURL string
	// Digest is the hex SHA-256 of the bytes sent, Size their count.
	Digest string
	Size   int64
}

type beginResponse struct {
	SessionID   string `json:"sessionId"`
	FileName    string `json:"fileName"`
	Message     string `json:"message"`
	ProgressURL string `json:"progressUrl"`
}

// Begin uploads the file and returns the session the server created. It
// does not poll. Failures are *StartError.
func (c *Client) Begin(ctx context.Context, up Upload) (Session, error) {
	if up.Body == nil {
		return Session{}, &StartError{Reason: StartInvalid, Kind: classify.KindUnknown, Err: ErrNoBody}
	}
	ctx, cancel := withTimeout(ctx, c.cfg.StartTimeout)
	defer cancel()

	name := filepath.Base(strings.TrimSpace(up.FileName))
	if name == "." || name == "/" {
		name = "upload.csv"
	}

	body := sha256.NewReader(up.Body)
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeForm(form, name, body, up.ProjectName))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.UploadPath, ""), pr)
	if err != nil {
		pr.CloseWithError(err)
		<-written
		return Session{}, startTransport(err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	c.logger.Debug("begin upload", zap.String("file", name), zap.String("project", up.ProjectName))
	resp, err := c.do(req)
	if err != nil {
		pr.CloseWithError(err)
		<-written
		return Session{}, startTransport(err)
	}
	defer resp.Body.Close()
	pr.Close()
	<-written

	var ack beginResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return Session{}, startTransport(fmt.Errorf("decode upload response: %w", err))
	}
	if strings.TrimSpace(ack.SessionID) == "" {
		return Session{}, &StartError{Reason: StartNoSessionID, Kind: classify.KindUnknown}
	}
	s := Session{
		ID:          ack.SessionID,
		FileName:    ack.FileName,
		Message:     ack.Message,
		ProgressURL: ack.ProgressURL,
		Digest:      body.Sum(),
		Size:        body.Size(),
	}
	if s.FileName == "" {
		s.FileName = name
	}
	c.logger.Info("upload sent",
		zap.String("session_id", s.ID),
		zap.String("file", s.FileName),
		zap.Int64("bytes", s.Size),
		zap.String("sha256", s.Digest),
	)
	return s, nil
}

func writeForm(form *multipart.Writer, name string, content io.Reader, project string) error {
	part, err := form.CreateFormFile(fileField, name)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("stream file: %w", err)
	}
	if project != "" {
		if err := form.WriteField(projectField, project); err != nil {
			return fmt.Errorf("write project field: %w", err)
		}
	}
	return form.Close()
}

func startTransport(err error) *StartError {
	return &StartError{Reason: StartTransport, Kind: classify.Classify(err), Err: err}
}

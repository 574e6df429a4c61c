package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/spec-kit/support-realtime/internal/domain"
	apperrors "github.com/spec-kit/support-realtime/pkg/util/errorutil"
)

// Uploader turns file bytes into an attachment reference for a draft.
type Uploader interface {
	Upload(ctx context.Context, fileName, mimeType string, body io.Reader) (domain.AttachmentReference, error)
}

// HTTPUploader posts a multipart form with a single "file" part to the
// upload service, which answers with the stored attachment.
type HTTPUploader struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func (u *HTTPUploader) Upload(ctx context.Context, fileName, mimeType string, body io.Reader) (domain.AttachmentReference, error) {
	var ref domain.AttachmentReference
	if strings.TrimSpace(fileName) == "" {
		return ref, apperrors.NewValidationError("file name is required", nil)
	}

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, fileName))
		if mimeType != "" {
			header.Set("Content-Type", mimeType)
		}
		part, err := form.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = form.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, pr)
	if err != nil {
		_ = pr.Close()
		return ref, apperrors.NewValidationError("invalid upload endpoint", map[string]any{"endpoint": u.Endpoint})
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	client := u.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		_ = pr.Close()
		return ref, apperrors.NewTransientNetworkError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ref, apperrors.NewUnauthorized("upload rejected")
	case resp.StatusCode >= http.StatusInternalServerError:
		return ref, apperrors.NewTransientNetworkError(fmt.Errorf("upload service returned %d", resp.StatusCode))
	case resp.StatusCode >= http.StatusBadRequest:
		return ref, apperrors.NewValidationError("upload rejected", map[string]any{"status": resp.StatusCode})
	}

	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return ref, apperrors.NewInternalError(fmt.Errorf("decode upload response: %w", err))
	}
	if ref.URL == "" {
		return ref, apperrors.NewInternalError(fmt.Errorf("upload response has no url"))
	}
	return ref, nil
}

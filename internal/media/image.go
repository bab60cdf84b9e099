package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	maxUploadSizeBytes = 10 << 20
)

var (
	ErrImageRequired = errors.New("file is required")
	ErrImageInvalid  = errors.New("file must be an image")
	ErrImageTooLarge = errors.New("file is too large")
)

// ReadImage reads the multipart image in field and returns it as a base64
// data URI accepted by the upload API.
func ReadImage(r *http.Request, field string) (string, error) {
	if err := r.ParseMultipartForm(maxUploadSizeBytes); err != nil {
		return "", fmt.Errorf("%w: invalid multipart form", ErrImageRequired)
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		return "", ErrImageRequired
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return "", ErrImageRequired
	}
	if len(data) > maxUploadSizeBytes {
		return "", ErrImageTooLarge
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return "", ErrImageInvalid
	}

	return fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(data)), nil
}

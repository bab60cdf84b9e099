package media

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Delivery transformation applied to avatars: a 250x250 face-centred crop
// with rounded corners.
const avatarTransformation = "c_fill,g_face,h_250,r_20,w_250"

type Cloudinary struct {
	apiKey       string
	apiSecret    string
	uploadURL    string
	deliveryBase string
	httpClient   *http.Client
	now          func() time.Time
}

type cloudinaryUploadResponse struct {
	PublicID  string `json:"public_id"`
	Version   int64  `json:"version"`
	SecureURL string `json:"secure_url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewCloudinary parses a cloudinary://<api_key>:<api_secret>@<cloud_name> URL.
func NewCloudinary(rawURL string) (*Cloudinary, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse cloudinary url: %w", err)
	}

	if parsed.Scheme != "cloudinary" {
		return nil, fmt.Errorf("invalid cloudinary scheme")
	}

	apiKey := parsed.User.Username()
	apiSecret, ok := parsed.User.Password()
	if !ok {
		return nil, fmt.Errorf("missing cloudinary api secret")
	}
	cloudName := parsed.Hostname()
	if apiKey == "" || apiSecret == "" || cloudName == "" {
		return nil, fmt.Errorf("invalid cloudinary credentials")
	}

	return &Cloudinary{
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		uploadURL:    fmt.Sprintf("https://api.cloudinary.com/v1_1/%s/image/upload", cloudName),
		deliveryBase: fmt.Sprintf("https://res.cloudinary.com/%s/image/upload", cloudName),
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		now: time.Now,
	}, nil
}

// UploadAvatar uploads imageSource (a data URI or remote URL) under publicID,
// replacing any previous image, and returns the transformed delivery URL.
func (c *Cloudinary) UploadAvatar(ctx context.Context, imageSource, publicID string) (string, error) {
	imageSource = strings.TrimSpace(imageSource)
	if imageSource == "" {
		return "", fmt.Errorf("empty image source")
	}
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return "", fmt.Errorf("empty public id")
	}

	params := map[string]string{
		"overwrite": "true",
		"public_id": publicID,
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	signature := c.sign(params)

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		fields := [][2]string{
			{"file", imageSource},
			{"overwrite", params["overwrite"]},
			{"public_id", params["public_id"]},
			{"timestamp", params["timestamp"]},
			{"api_key", c.apiKey},
			{"signature", signature},
		}
		for _, f := range fields {
			if err := writer.WriteField(f[0], f[1]); err != nil {
				_ = pw.CloseWithError(fmt.Errorf("write %s field: %w", f[0], err))
				return
			}
		}
		if err := writer.Close(); err != nil {
			_ = pw.CloseWithError(fmt.Errorf("close multipart writer: %w", err))
			return
		}
		_ = pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL, pr)
	if err != nil {
		return "", fmt.Errorf("build cloudinary upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cloudinary upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return "", fmt.Errorf("read cloudinary response: %w", err)
	}

	var parsedResp cloudinaryUploadResponse
	if err := json.Unmarshal(body, &parsedResp); err != nil {
		return "", fmt.Errorf("decode cloudinary response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsedResp.Error != nil && parsedResp.Error.Message != "" {
			return "", fmt.Errorf("cloudinary upload failed: %s", parsedResp.Error.Message)
		}
		return "", fmt.Errorf("cloudinary upload failed with status %d", resp.StatusCode)
	}

	if parsedResp.Version == 0 {
		return "", fmt.Errorf("cloudinary response missing version")
	}
	if parsedResp.PublicID == "" {
		parsedResp.PublicID = publicID
	}

	return c.deliveryURL(parsedResp.PublicID, parsedResp.Version), nil
}

func (c *Cloudinary) deliveryURL(publicID string, version int64) string {
	return fmt.Sprintf("%s/%s/v%d/%s", c.deliveryBase, avatarTransformation, version, publicID)
}

// sign computes the upload signature: the signed parameters sorted by name,
// joined as k=v pairs with '&', followed by the API secret.
func (c *Cloudinary) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	h := sha1.New() // #nosec G401: cloudinary API signature requires SHA-1.
	_, _ = h.Write([]byte(strings.Join(pairs, "&") + c.apiSecret))
	return hex.EncodeToString(h.Sum(nil))
}

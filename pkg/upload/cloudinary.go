package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	cloudinaryAPIURL = "https://api.cloudinary.com/v1_1"
	cloudinaryName   = "cloudinary"
)

// CloudinaryConfig holds the unsigned upload settings.
type CloudinaryConfig struct {
	CloudName    string
	UploadPreset string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// Rotation is applied to the delivered asset, in degrees. Cameras are
	// held in portrait, so clips are turned back by -90 by default.
	Rotation *int

	Timeout time.Duration
	Logger  *zap.Logger
}

// Cloudinary uploads clips with an unsigned upload preset.
type Cloudinary struct {
	config CloudinaryConfig
	client *http.Client
	log    *zap.Logger
}

// NewCloudinary creates a Cloudinary uploader.
func NewCloudinary(config CloudinaryConfig) *Cloudinary {
	if config.BaseURL == "" {
		config.BaseURL = cloudinaryAPIURL
	}
	if config.Rotation == nil {
		rotation := -90
		config.Rotation = &rotation
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	log := config.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Cloudinary{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		log:    log.Named("cloudinary"),
	}
}

type cloudinaryResponse struct {
	SecureURL string `json:"secure_url"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Upload posts clip as multipart form data and returns the delivery URL
// with the rotation and quality transformation applied.
func (c *Cloudinary) Upload(ctx context.Context, clip []byte, opts Options) (string, error) {
	opts = opts.withDefaults()
	fail := func(status int, err error) (string, error) {
		return "", &UploadError{Backend: cloudinaryName, Status: status, Err: err}
	}

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	file, err := form.CreateFormFile("file", "clip."+extension(opts.ResourceKind))
	if err != nil {
		return fail(0, errors.WithStack(err))
	}
	if _, err := file.Write(clip); err != nil {
		return fail(0, errors.WithStack(err))
	}
	for field, value := range map[string]string{
		"upload_preset": c.config.UploadPreset,
		"resource_type": string(opts.ResourceKind),
		"quality":       opts.Quality,
	} {
		if err := form.WriteField(field, value); err != nil {
			return fail(0, errors.WithStack(err))
		}
	}
	if err := form.Close(); err != nil {
		return fail(0, errors.WithStack(err))
	}

	url := fmt.Sprintf("%s/%s/%s/upload", c.config.BaseURL, c.config.CloudName, opts.ResourceKind)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return fail(0, errors.Wrap(err, "creating request"))
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	c.log.Debug("Uploading clip", zap.Int("bytes", len(clip)), zap.String("kind", string(opts.ResourceKind)))

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(0, errors.Wrap(err, "request failed"))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, errors.Wrap(err, "reading response"))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(resp.StatusCode, errors.New(strings.TrimSpace(string(data))))
	}

	var result cloudinaryResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return fail(resp.StatusCode, errors.Wrap(err, "decoding response"))
	}
	if result.Error != nil {
		return fail(resp.StatusCode, errors.New(result.Error.Message))
	}
	if result.SecureURL == "" {
		return fail(resp.StatusCode, errors.New("response without secure_url"))
	}

	delivered := c.transform(result.SecureURL, opts)
	c.log.Info("Clip uploaded", zap.String("url", delivered))
	return delivered, nil
}

// transform inserts the delivery transformation after /upload/.
func (c *Cloudinary) transform(secureURL string, opts Options) string {
	var parts []string
	if rotation := *c.config.Rotation; rotation != 0 {
		parts = append(parts, fmt.Sprintf("a_%d", rotation))
	}
	parts = append(parts, "q_"+opts.Quality)
	return strings.Replace(secureURL, "/upload/", "/upload/"+strings.Join(parts, ",")+"/", 1)
}

func extension(kind ResourceKind) string {
	switch kind {
	case ResourceVideo:
		return "webm"
	case ResourceImage:
		return "png"
	default:
		return "bin"
	}
}

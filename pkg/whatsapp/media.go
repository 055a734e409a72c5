package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/warelay/warelay/pkg/telemetry"
)

// maxDownloadBytes bounds media downloads; the Cloud API caps media at
// well under this.
const maxDownloadBytes = 64 << 20

// UploadMedia uploads content to the Cloud API media endpoint and returns
// the provider media ID for use in outbound media messages.
func (c *Client) UploadMedia(ctx context.Context, content io.Reader, mimeType, filename string) (string, error) {
	if mimeType == "" {
		return "", errors.New("mime type is required")
	}
	if filename == "" {
		filename = "upload"
	}

	ctx, span := telemetry.StartSpan(ctx, "whatsapp.upload_media",
		attribute.String("mime_type", mimeType),
	)
	defer span.End()

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if err := form.WriteField("messaging_product", "whatsapp"); err != nil {
		return "", errors.Wrap(err, "building upload form")
	}
	if err := form.WriteField("type", mimeType); err != nil {
		return "", errors.Wrap(err, "building upload form")
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	header.Set("Content-Type", mimeType)
	part, err := form.CreatePart(header)
	if err != nil {
		return "", errors.Wrap(err, "building upload form")
	}
	if _, err := io.Copy(part, content); err != nil {
		return "", errors.Wrap(err, "reading upload content")
	}
	if err := form.Close(); err != nil {
		return "", errors.Wrap(err, "building upload form")
	}

	var response struct {
		ID string `json:"id"`
	}
	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.phoneEndpoint("/media"), bytes.NewReader(buf.Bytes()))
			if reqErr != nil {
				return errors.Wrap(reqErr, "creating request")
			}
			req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
			req.Header.Set("Content-Type", form.FormDataContentType())

			resp, doErr := c.http.Do(req)
			if doErr != nil {
				return errors.Wrap(doErr, "calling graph api")
			}
			defer resp.Body.Close()

			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if readErr != nil {
				return errors.Wrap(readErr, "reading graph api response")
			}
			if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
				return decodeAPIError(resp, raw)
			}
			return errors.Wrap(json.Unmarshal(raw, &response), "decoding upload response")
		},
		c.retryOptions(ctx, "media upload")...,
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return "", errors.Wrap(err, "uploading media")
	}
	if response.ID == "" {
		return "", errors.New("upload response carried no media id")
	}
	span.SetAttributes(attribute.String("media_id", response.ID))
	return response.ID, nil
}

// mediaInfo is the metadata the API returns for a media ID. The download
// URL inside expires after a few minutes.
type mediaInfo struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
	ID       string `json:"id"`
}

// DownloadMedia fetches inbound media content by provider media ID. The
// returned string is the declared MIME type.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	if mediaID == "" {
		return nil, "", errors.New("media id is required")
	}

	ctx, span := telemetry.StartSpan(ctx, "whatsapp.download_media",
		attribute.String("media_id", mediaID),
	)
	defer span.End()

	var info mediaInfo
	err := retry.Do(
		func() error {
			info = mediaInfo{}
			return c.doJSON(ctx, http.MethodGet, c.versionEndpoint("/"+mediaID), nil, &info)
		},
		c.retryOptions(ctx, "media lookup")...,
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, "", errors.Wrap(err, "resolving media url")
	}
	if info.URL == "" {
		return nil, "", errors.Errorf("media %s has no download url", mediaID)
	}

	var content []byte
	err = retry.Do(
		func() error {
			req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, info.URL, nil)
			if reqErr != nil {
				return errors.Wrap(reqErr, "creating request")
			}
			req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

			resp, doErr := c.http.Do(req)
			if doErr != nil {
				return errors.Wrap(doErr, "fetching media")
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
				return decodeAPIError(resp, raw)
			}
			raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
			if readErr != nil {
				return errors.Wrap(readErr, "reading media content")
			}
			content = raw
			return nil
		},
		c.retryOptions(ctx, "media download")...,
	)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return nil, "", errors.Wrap(err, "downloading media")
	}
	span.SetAttributes(attribute.Int("bytes", len(content)))
	return content, info.MimeType, nil
}

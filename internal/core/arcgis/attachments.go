package arcgis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/mohammed-shakir/feature-promotion/internal/core/model"
)

const maxAttachmentBytes = 64 << 20

type AttachmentInfo struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type attachmentGroup struct {
	ParentObjectID  model.FeatureID  `json:"parentObjectId"`
	AttachmentInfos []AttachmentInfo `json:"attachmentInfos"`
}

// QueryAttachments lists attachments per parent feature.
func (l *Layer) QueryAttachments(ctx context.Context, ids []model.FeatureID) (map[model.FeatureID][]AttachmentInfo, error) {
	out := make(map[model.FeatureID][]AttachmentInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	params := url.Values{}
	params.Set("f", "json")
	params.Set("objectIds", JoinIDs(ids))

	var resp struct {
		AttachmentGroups []attachmentGroup `json:"attachmentGroups"`
	}
	if err := l.post(ctx, "queryAttachments", params, &resp); err != nil {
		return nil, err
	}
	for _, g := range resp.AttachmentGroups {
		out[g.ParentObjectID] = append(out[g.ParentObjectID], g.AttachmentInfos...)
	}
	return out, nil
}

// DownloadAttachment fetches the attachment content.
func (l *Layer) DownloadAttachment(ctx context.Context, oid model.FeatureID, attachmentID int64) ([]byte, error) {
	u, err := url.Parse(l.endpoint(oid.String() + "/attachments/" + strconv.FormatInt(attachmentID, 10)))
	if err != nil {
		return nil, fmt.Errorf("attachment url: %w", err)
	}
	if l.token != "" {
		q := u.Query()
		q.Set("token", l.token)
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s download attachment: %w", l.name, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("%s download attachment: upstream status %d: %s", l.name, resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s download attachment: %w", l.name, err)
	}
	if len(b) > maxAttachmentBytes {
		return nil, fmt.Errorf("%s download attachment %d: larger than %d bytes", l.name, attachmentID, maxAttachmentBytes)
	}
	return b, nil
}

// AddAttachment uploads data as a new attachment of oid.
func (l *Layer) AddAttachment(ctx context.Context, oid model.FeatureID, info AttachmentInfo, data []byte) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("f", "json")
	if l.token != "" {
		_ = mw.WriteField("token", l.token)
	}
	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, info.Name))
	h.Set("Content-Type", ct)
	part, err := mw.CreatePart(h)
	if err != nil {
		return 0, fmt.Errorf("attachment part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return 0, fmt.Errorf("attachment part: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("attachment body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint(oid.String()+"/addAttachment"), &buf)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	var resp struct {
		Result EditOutcome `json:"addAttachmentResult"`
	}
	if err := l.do(req, "addAttachment", &resp); err != nil {
		return 0, err
	}
	if !resp.Result.Success {
		if resp.Result.Error != nil {
			return 0, fmt.Errorf("%s addAttachment %d: %w", l.name, oid, resp.Result.Error)
		}
		return 0, fmt.Errorf("%s addAttachment %d: not successful", l.name, oid)
	}
	return int64(resp.Result.ObjectID), nil
}

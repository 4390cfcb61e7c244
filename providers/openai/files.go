package openai

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"

	"github.com/valyala/fasthttp"

	"github.com/getcaravan/caravan/schemas"
)

// FileUpload uploads a JSONL payload with purpose=batch and returns the
// provider file object. The provider enforces the 200MB file ceiling; the
// packer keeps emitted files comfortably below it.
func (c *Client) FileUpload(ctx context.Context, key string, filename string, content []byte) (*schemas.FileObject, error) {
	body, contentType, err := buildFileUploadBody(filename, content, schemas.FilePurposeBatch)
	if err != nil {
		return nil, fmt.Errorf("failed to build file upload body: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.config.BaseURL + "/v1/files")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentType)
	c.setHeaders(req, key)
	req.SetBody(body)

	file := &schemas.FileObject{}
	if err := c.doJSON(ctx, req, file); err != nil {
		return nil, err
	}

	c.logger.Debug("uploaded batch input file", "file_id", file.ID, "filename", filename, "bytes", len(content))
	return file, nil
}

// FileContent downloads the raw bytes of a provider file, typically a batch
// output or error file.
func (c *Client) FileContent(ctx context.Context, key string, fileID string) ([]byte, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.config.BaseURL + "/v1/files/" + fileID + "/content")
	req.Header.SetMethod(fasthttp.MethodGet)
	c.setHeaders(req, key)

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	if err := c.doRequest(ctx, req, resp); err != nil {
		return nil, err
	}
	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	// The response buffer is pooled, so the body must be copied out before
	// release.
	content := append([]byte(nil), resp.Body()...)
	c.logger.Debug("downloaded provider file", "file_id", fileID, "bytes", len(content))
	return content, nil
}

func buildFileUploadBody(filename string, content []byte, purpose schemas.FilePurpose) ([]byte, string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", string(purpose)); err != nil {
		return nil, "", err
	}
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := fileWriter.Write(content); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return body.Bytes(), writer.FormDataContentType(), nil
}

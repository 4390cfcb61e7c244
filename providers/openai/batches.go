package openai

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/getcaravan/caravan/schemas"
)

// batchEndpoint is the only inference endpoint batches are created against.
const batchEndpoint = "/v1/chat/completions"

// batchListPageSize is the page size used by BatchListAll.
const batchListPageSize = 100

type batchCreateRequest struct {
	InputFileID      string            `json:"input_file_id"`
	Endpoint         string            `json:"endpoint"`
	CompletionWindow string            `json:"completion_window"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// BatchCreate creates a batch over a previously uploaded input file. Metadata
// is carried verbatim; the scheduler uses it to stamp token totals and the
// source marker onto every batch it owns.
func (c *Client) BatchCreate(ctx context.Context, key string, inputFileID string, completionWindow string, metadata map[string]string) (*schemas.Batch, error) {
	payload, err := sonic.Marshal(batchCreateRequest{
		InputFileID:      inputFileID,
		Endpoint:         batchEndpoint,
		CompletionWindow: completionWindow,
		Metadata:         metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch create request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.config.BaseURL + "/v1/batches")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	c.setHeaders(req, key)
	req.SetBody(payload)

	batch := &schemas.Batch{}
	if err := c.doJSON(ctx, req, batch); err != nil {
		return nil, err
	}

	c.logger.Info("created provider batch", "batch_id", batch.ID, "input_file_id", inputFileID)
	return batch, nil
}

// BatchRetrieve fetches the current state of a single batch.
func (c *Client) BatchRetrieve(ctx context.Context, key string, batchID string) (*schemas.Batch, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.config.BaseURL + "/v1/batches/" + batchID)
	req.Header.SetMethod(fasthttp.MethodGet)
	c.setHeaders(req, key)

	batch := &schemas.Batch{}
	if err := c.doJSON(ctx, req, batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// BatchList fetches one page of batches visible to the key, oldest cursor
// first. after is the exclusive pagination cursor from the previous page.
func (c *Client) BatchList(ctx context.Context, key string, after *string, limit int) (*schemas.BatchPage, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	uri := c.config.BaseURL + "/v1/batches?limit=" + strconv.Itoa(limit)
	if after != nil && *after != "" {
		uri += "&after=" + *after
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(fasthttp.MethodGet)
	c.setHeaders(req, key)

	page := &schemas.BatchPage{}
	if err := c.doJSON(ctx, req, page); err != nil {
		return nil, err
	}
	return page, nil
}

// BatchListAll walks the pagination cursor until the provider reports no
// further pages and returns every batch visible to the key.
func (c *Client) BatchListAll(ctx context.Context, key string) ([]schemas.Batch, error) {
	var all []schemas.Batch
	var after *string

	for {
		page, err := c.BatchList(ctx, key, after, batchListPageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Data...)
		if !page.HasMore || page.LastID == nil || *page.LastID == "" {
			return all, nil
		}
		after = page.LastID
	}
}

// BatchCancel asks the provider to cancel a batch. Terminal batches cannot
// be cancelled; the provider rejects those with a 4xx the caller can inspect.
func (c *Client) BatchCancel(ctx context.Context, key string, batchID string) (*schemas.Batch, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)

	req.SetRequestURI(c.config.BaseURL + "/v1/batches/" + batchID + "/cancel")
	req.Header.SetMethod(fasthttp.MethodPost)
	c.setHeaders(req, key)

	batch := &schemas.Batch{}
	if err := c.doJSON(ctx, req, batch); err != nil {
		return nil, err
	}

	c.logger.Info("cancelled provider batch", "batch_id", batchID)
	return batch, nil
}

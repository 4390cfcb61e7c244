package openai

import (
	"context"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/getcaravan/caravan/schemas"
)

type testLogger struct{}

func (testLogger) Debug(msg string, args ...any)              {}
func (testLogger) Info(msg string, args ...any)               {}
func (testLogger) Warn(msg string, args ...any)               {}
func (testLogger) Error(msg string, args ...any)              {}
func (testLogger) Fatal(msg string, args ...any)              {}
func (testLogger) SetLevel(level schemas.LogLevel)            {}
func (testLogger) SetOutputType(out schemas.LoggerOutputType) {}

// newTestClient starts a local fasthttp server and returns a client pointed
// at it. Handlers run on server goroutines, so they must use assert rather
// than require.
func newTestClient(t *testing.T, handler fasthttp.RequestHandler) *Client {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &fasthttp.Server{Handler: handler}
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() { _ = server.Shutdown() })

	return NewClient(&Config{BaseURL: "http://" + listener.Addr().String()}, testLogger{})
}

func TestConfigDefaults(t *testing.T) {
	config := &Config{BaseURL: "https://proxy.example.com/openai/"}
	config.checkAndSetDefaults()

	assert.Equal(t, "https://proxy.example.com/openai", config.BaseURL)
	assert.Equal(t, defaultRequestTimeoutInSeconds, config.RequestTimeoutInSeconds)
	assert.Equal(t, defaultConnectTimeoutInSeconds, config.ConnectTimeoutInSeconds)
	assert.Equal(t, defaultMaxConnsPerHost, config.MaxConnsPerHost)

	empty := &Config{}
	empty.checkAndSetDefaults()
	assert.Equal(t, defaultBaseURL, empty.BaseURL)
}

func TestFileUpload(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/v1/files", string(ctx.Path()))
		assert.Equal(t, fasthttp.MethodPost, string(ctx.Method()))
		assert.Equal(t, "Bearer sk-test", string(ctx.Request.Header.Peek("Authorization")))

		form, err := ctx.MultipartForm()
		if !assert.NoError(t, err) {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		assert.Equal(t, []string{"batch"}, form.Value["purpose"])

		if assert.Len(t, form.File["file"], 1) {
			header := form.File["file"][0]
			assert.Equal(t, "requests_1.jsonl", header.Filename)
			part, err := header.Open()
			if assert.NoError(t, err) {
				defer part.Close()
				content, _ := io.ReadAll(part)
				assert.Equal(t, "{\"custom_id\":\"a\"}\n", string(content))
			}
		}

		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"file-abc123","object":"file","bytes":18,"filename":"requests_1.jsonl","purpose":"batch"}`)
	})

	file, err := client.FileUpload(context.Background(), "sk-test", "requests_1.jsonl", []byte("{\"custom_id\":\"a\"}\n"))
	require.NoError(t, err)

	assert.Equal(t, "file-abc123", file.ID)
	assert.Equal(t, schemas.FilePurposeBatch, file.Purpose)
}

func TestFileContent(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/v1/files/file-abc123/content", string(ctx.Path()))
		ctx.SetBodyString("{\"custom_id\":\"a\"}\n{\"custom_id\":\"b\"}\n")
	})

	content, err := client.FileContent(context.Background(), "sk-test", "file-abc123")
	require.NoError(t, err)
	assert.Len(t, SplitJSONL(content), 2)
}

func TestBatchCreate(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "/v1/batches", string(ctx.Path()))
		assert.Equal(t, fasthttp.MethodPost, string(ctx.Method()))

		body := string(ctx.PostBody())
		assert.Contains(t, body, `"input_file_id":"file-abc123"`)
		assert.Contains(t, body, `"endpoint":"/v1/chat/completions"`)
		assert.Contains(t, body, `"completion_window":"24h"`)
		assert.Contains(t, body, `"total_tokens":"12345"`)

		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"batch_xyz","object":"batch","status":"validating","input_file_id":"file-abc123",` +
			`"metadata":{"total_tokens":"12345","source":"caravan"}}`)
	})

	batch, err := client.BatchCreate(context.Background(), "sk-test", "file-abc123", "24h", map[string]string{
		schemas.MetadataTotalTokens: "12345",
		schemas.MetadataSource:      "caravan",
	})
	require.NoError(t, err)

	assert.Equal(t, "batch_xyz", batch.ID)
	assert.Equal(t, schemas.BatchStatusValidating, batch.Status)
	assert.Equal(t, int64(12345), batch.TotalTokens())
}

func TestBatchListAll_Paginates(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		switch string(ctx.QueryArgs().Peek("after")) {
		case "":
			ctx.SetBodyString(`{"object":"list","data":[{"id":"batch_1"},{"id":"batch_2"}],"last_id":"batch_2","has_more":true}`)
		case "batch_2":
			ctx.SetBodyString(`{"object":"list","data":[{"id":"batch_3"}],"last_id":"batch_3","has_more":false}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
		}
	})

	batches, err := client.BatchListAll(context.Background(), "sk-test")
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, "batch_1", batches[0].ID)
	assert.Equal(t, "batch_3", batches[2].ID)
}

func TestProviderErrorMapping(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/v1/batches/batch_quota":
			ctx.SetStatusCode(fasthttp.StatusTooManyRequests)
			ctx.SetBodyString(`{"error":{"message":"Enqueued token limit reached","type":"invalid_request_error","code":"token_limit_exceeded"}}`)
		case "/v1/batches/batch_flaky":
			ctx.SetStatusCode(fasthttp.StatusBadGateway)
			ctx.SetBodyString("upstream unavailable")
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			ctx.SetBodyString(`{"error":{"message":"No such batch","type":"invalid_request_error","code":"not_found"}}`)
		}
	})

	_, err := client.BatchRetrieve(context.Background(), "sk-test", "batch_quota")
	var providerErr *schemas.ProviderError
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 429, providerErr.StatusCode)
	assert.Equal(t, "token_limit_exceeded", providerErr.Code)
	assert.True(t, providerErr.IsQuota())
	assert.False(t, providerErr.Retryable)

	_, err = client.BatchRetrieve(context.Background(), "sk-test", "batch_flaky")
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 502, providerErr.StatusCode)
	assert.True(t, providerErr.Retryable)
	assert.Contains(t, providerErr.Message, "upstream unavailable")

	_, err = client.BatchRetrieve(context.Background(), "sk-test", "batch_missing")
	require.ErrorAs(t, err, &providerErr)
	assert.Equal(t, 404, providerErr.StatusCode)
	assert.False(t, providerErr.Retryable)
	assert.False(t, providerErr.IsQuota())
}

func TestExtraHeaders(t *testing.T) {
	client := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		assert.Equal(t, "caravan-test", string(ctx.Request.Header.Peek("X-Caller")))
		assert.Equal(t, "Bearer sk-test", string(ctx.Request.Header.Peek("Authorization")))
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"id":"batch_1"}`)
	})
	client.config.ExtraHeaders = map[string]string{
		"X-Caller": "caravan-test",
		// Extra headers must not be able to override the key's token.
		"Authorization": "Bearer stolen",
	}

	_, err := client.BatchRetrieve(context.Background(), "sk-test", "batch_1")
	require.NoError(t, err)
}

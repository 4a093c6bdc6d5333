package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// NewMockForTests returns a *Store backed by an in-memory fake HTTP
// transport. Only the operations the Medium contract needs are implemented.
// quotaBytes <= 0 disables the simulated quota.
func NewMockForTests(quotaBytes int) *Store {
	rt := &mockRoundTripper{objects: make(map[string][]byte), quota: quotaBytes}
	cfg, _ := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
	return &Store{client: client, bucket: "mock-bucket"}
}

// mockRoundTripper handles Get/Put/Delete/ListObjectsV2 against a map.
type mockRoundTripper struct {
	mu      sync.Mutex
	objects map[string][]byte
	quota   int
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range m.objects {
			if prefix == "" || strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(m.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return xmlResponse(req, http.StatusOK, b.String()), nil
	}

	switch req.Method {
	case http.MethodGet:
		body, ok := m.objects[key]
		if !ok {
			return errorResponse(req, http.StatusNotFound, "NoSuchKey"), nil
		}
		return bytesResponse(req, body), nil
	case http.MethodPut:
		var body []byte
		if req.Body != nil {
			body, _ = io.ReadAll(req.Body)
		}
		// The SDK streams uploads with trailing checksums as aws-chunked;
		// the stored object must be the decoded payload, not the framing.
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") {
			body = decodeAWSChunked(body)
		}
		total := len(body)
		for k, v := range m.objects {
			if k != key {
				total += len(v)
			}
		}
		if m.quota > 0 && total > m.quota {
			return errorResponse(req, http.StatusBadRequest, "QuotaExceeded"), nil
		}
		m.objects[key] = body
		return emptyResponse(req, http.StatusOK), nil
	case http.MethodDelete:
		delete(m.objects, key)
		return emptyResponse(req, http.StatusNoContent), nil
	case http.MethodHead:
		if _, ok := m.objects[key]; !ok {
			return emptyResponse(req, http.StatusNotFound), nil
		}
		return emptyResponse(req, http.StatusOK), nil
	default:
		return emptyResponse(req, http.StatusMethodNotAllowed), nil
	}
}

// decodeAWSChunked strips the aws-chunked framing: hex chunk-size lines
// (optionally carrying a ";chunk-signature=" extension), CRLF-delimited
// chunk data, a zero-size terminator and checksum trailers after it.
func decodeAWSChunked(raw []byte) []byte {
	var out []byte
	rest := raw
	for {
		nl := bytes.Index(rest, []byte("\r\n"))
		if nl < 0 {
			return out
		}
		header := string(rest[:nl])
		if i := strings.IndexByte(header, ';'); i >= 0 {
			header = header[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(header), 16, 64)
		if err != nil {
			return out
		}
		rest = rest[nl+2:]
		if size == 0 {
			return out
		}
		if int64(len(rest)) < size {
			return append(out, rest...)
		}
		out = append(out, rest[:size]...)
		rest = bytes.TrimPrefix(rest[size:], []byte("\r\n"))
	}
}

func emptyResponse(req *http.Request, status int) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader("")),
		Header:     http.Header{},
		Request:    req,
	}
}

func bytesResponse(req *http.Request, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Body:          io.NopCloser(strings.NewReader(string(body))),
		ContentLength: int64(len(body)),
		Header:        http.Header{"Content-Length": []string{fmt.Sprint(len(body))}},
		Request:       req,
	}
}

func xmlResponse(req *http.Request, status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/xml"}},
		Request:    req,
	}
}

func errorResponse(req *http.Request, status int, code string) *http.Response {
	body := fmt.Sprintf(`<?xml version="1.0"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/xml"}},
		Request:    req,
	}
}

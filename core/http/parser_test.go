package http

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, raw string, limits Limits) (*Request, error) {
	t.Helper()
	return ReadRequest(bufio.NewReader(strings.NewReader(raw)), limits)
}

func TestReadRequest(t *testing.T) {
	req, err := read(t, "POST /users/42%20x?name=bob&tag=a&tag=b HTTP/1.1\r\n"+
		"Host: example.com\r\n"+
		"content-type: application/json\r\n"+
		"X-Trace: one\r\n"+
		"X-Trace: two\r\n"+
		"Content-Length: 7\r\n"+
		"\r\n"+
		`{"a":1}`, Limits{})
	require.NoError(t, err)
	defer ReleaseRequest(req)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, "/users/42 x", req.Path)
	assert.Equal(t, "HTTP/1.1", req.Proto)
	assert.Equal(t, "name=bob&tag=a&tag=b", req.RawQuery)
	assert.Equal(t, "bob", req.Query["name"])
	assert.Equal(t, "a", req.Query["tag"])
	assert.Equal(t, "example.com", req.Host)
	assert.Equal(t, "application/json", req.Header("Content-Type"))
	assert.Equal(t, "one, two", req.Header("x-trace"))
	assert.EqualValues(t, 7, req.ContentLength)
	assert.Equal(t, `{"a":1}`, string(req.Body))
	assert.True(t, req.KeepAlive())
}

func TestReadRequestPipelined(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(
		"GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"))

	first, err := ReadRequest(br, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "/a", first.Path)
	ReleaseRequest(first)

	second, err := ReadRequest(br, Limits{})
	require.NoError(t, err)
	assert.Equal(t, "/b", second.Path)
	assert.True(t, second.KeepAlive())
	ReleaseRequest(second)

	_, err = ReadRequest(br, Limits{})
	assert.Equal(t, io.EOF, err)
}

func TestReadRequestErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		limits Limits
		want   error
	}{
		{"empty", "", Limits{}, io.EOF},
		{"no proto", "GET /\r\n\r\n", Limits{}, ErrInvalidRequest},
		{"bad proto", "GET / SPDY/3\r\n\r\n", Limits{}, ErrInvalidRequest},
		{"bad header", "GET / HTTP/1.1\r\nnocolon\r\n\r\n", Limits{}, ErrInvalidRequest},
		{"bad length", "GET / HTTP/1.1\r\nContent-Length: -1\r\n\r\n", Limits{}, ErrInvalidRequest},
		{"chunked", "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n", Limits{}, ErrUnsupportedEncoding},
		{"truncated headers", "GET / HTTP/1.1\r\nHost: x\r\n", Limits{}, io.ErrUnexpectedEOF},
		{"truncated body", "POST / HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc", Limits{}, io.ErrUnexpectedEOF},
		{
			"header too large",
			"GET / HTTP/1.1\r\nX-Big: " + strings.Repeat("a", 200) + "\r\n\r\n",
			Limits{MaxHeaderBytes: 64},
			ErrHeaderTooLarge,
		},
		{
			"body too large",
			"POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\n",
			Limits{MaxBodyBytes: 10},
			ErrBodyTooLarge,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := read(t, tt.raw, tt.limits)
			assert.Nil(t, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRequestKeepAlive(t *testing.T) {
	req := &Request{Proto: "HTTP/1.1", Connection: "Close"}
	assert.False(t, req.KeepAlive())

	req = &Request{Proto: "HTTP/1.0"}
	assert.False(t, req.KeepAlive())
}

package http

import (
	"context"
	"encoding/json"
	"sync"
)

// Context defines the HTTP request context interface
type Context interface {
	// Request information
	Context() context.Context
	Method() string
	Path() string
	Param(key string) string
	Query(key string) string
	Header(key string) string
	Body() []byte
	RemoteAddr() string
	SetParam(key, value string)
	Request() *Request

	// Response methods
	Response() *Response
	Status(code int)
	SetHeader(key, value string)
	String(code int, s string)
	JSON(code int, v any)
	Bytes(code int, data []byte)
	Data(code int, contentType string, data []byte)
	Error(code int, message string)
	Success(data any)

	// Binding
	Bind(v any) error
}

// HandlerFunc handles one request.
type HandlerFunc func(ctx Context) error

// StandardContext is the standard context implementation
type StandardContext struct {
	paramKeys   [4]string
	paramValues [4]string
	paramCount  int

	// Map overflow for more than 4 parameters
	paramMapOverflow map[string]string

	ctx      context.Context
	request  *Request
	response Response
}

var contextPool = sync.Pool{
	New: func() any {
		return &StandardContext{
			response: Response{Body: make([]byte, 0, 4096)},
		}
	},
}

// AcquireContext returns a pooled context for req.
func AcquireContext(ctx context.Context, req *Request) *StandardContext {
	c := contextPool.Get().(*StandardContext)
	c.ctx = ctx
	c.request = req
	c.paramCount = 0
	return c
}

// ReleaseContext resets c and returns it to the pool. The request is not
// released.
func ReleaseContext(c *StandardContext) {
	c.ctx = nil
	c.request = nil
	c.paramCount = 0
	clear(c.paramMapOverflow)
	c.response.Reset()
	contextPool.Put(c)
}

func (c *StandardContext) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// SetParam sets a path parameter
func (c *StandardContext) SetParam(key, value string) {
	if c.paramCount < len(c.paramKeys) {
		c.paramKeys[c.paramCount] = key
		c.paramValues[c.paramCount] = value
		c.paramCount++
		return
	}
	if c.paramMapOverflow == nil {
		c.paramMapOverflow = make(map[string]string)
	}
	c.paramMapOverflow[key] = value
}

// Param gets a path parameter
func (c *StandardContext) Param(key string) string {
	for i := 0; i < c.paramCount; i++ {
		if c.paramKeys[i] == key {
			return c.paramValues[i]
		}
	}
	return c.paramMapOverflow[key]
}

func (c *StandardContext) Method() string      { return c.request.Method }
func (c *StandardContext) Path() string        { return c.request.Path }
func (c *StandardContext) Body() []byte        { return c.request.Body }
func (c *StandardContext) RemoteAddr() string  { return c.request.RemoteAddr }
func (c *StandardContext) Request() *Request   { return c.request }
func (c *StandardContext) Response() *Response { return &c.response }

// Query gets a query parameter
func (c *StandardContext) Query(key string) string {
	return c.request.Query[key]
}

// Header gets a request header
func (c *StandardContext) Header(key string) string {
	return c.request.Header(key)
}

// Bind binds a JSON body to v
func (c *StandardContext) Bind(v any) error {
	return json.Unmarshal(c.request.Body, v)
}

// Status sets the response status code without touching the body.
func (c *StandardContext) Status(code int) {
	c.response.StatusCode = code
}

// SetHeader sets a response header
func (c *StandardContext) SetHeader(key, value string) {
	c.response.SetHeader(key, value)
}

// String sends a text response
func (c *StandardContext) String(code int, s string) {
	c.write(code, "text/plain; charset=utf-8", []byte(s))
}

// JSON sends a JSON response
func (c *StandardContext) JSON(code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.String(500, "JSON marshal error")
		return
	}
	c.write(code, "application/json", data)
}

// Bytes sends a raw bytes response
func (c *StandardContext) Bytes(code int, data []byte) {
	c.write(code, "application/octet-stream", data)
}

// Data sends data with an explicit content type
func (c *StandardContext) Data(code int, contentType string, data []byte) {
	c.write(code, contentType, data)
}

// Error sends an error response
func (c *StandardContext) Error(code int, message string) {
	c.JSON(code, map[string]any{
		"code":    code,
		"message": message,
	})
}

// Success sends a success response
func (c *StandardContext) Success(data any) {
	c.JSON(200, map[string]any{
		"code":    0,
		"message": "success",
		"data":    data,
	})
}

func (c *StandardContext) write(code int, contentType string, data []byte) {
	c.response.StatusCode = code
	c.response.SetHeader("Content-Type", contentType)
	c.response.Body = append(c.response.Body[:0], data...)
}

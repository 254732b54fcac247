package mux

import (
	"net/http"
)

type ResponseWriter interface {
	http.ResponseWriter
	WriteError(statusCode int, err error)
	SetHandler(handler string)
	Error() error
	Status() int
	Size() int64
}

var (
	_ ResponseWriter = &response{}
	_ http.Flusher   = &response{}
)

type response struct {
	http.ResponseWriter
	error         error
	handler       string
	status        int
	size          int64
	writtenHeader bool
}

func (r *response) WriteHeader(statusCode int) {
	if !r.writtenHeader {
		r.writtenHeader = true
		r.status = statusCode
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *response) Write(b []byte) (int, error) {
	r.writtenHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.size += int64(n)
	return n, err
}

func (r *response) Flush() {
	r.writtenHeader = true
	flusher, ok := r.ResponseWriter.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()
}

func (r *response) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// WriteError records the error for logging and writes it as the body.
func (r *response) WriteError(statusCode int, err error) {
	r.error = err
	r.Header().Set("Content-Type", "text/plain; charset=utf-8")
	r.Header().Set("X-Content-Type-Options", "nosniff")
	r.WriteHeader(statusCode)
	_, _ = r.Write([]byte(err.Error()))
}

func (r *response) SetHandler(handler string) {
	r.handler = handler
}

func (r *response) Error() error {
	return r.error
}

func (r *response) Status() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func (r *response) Size() int64 {
	return r.size
}

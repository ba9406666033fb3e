package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/always-cache/strategy-cache/rfc9111"
)

// StoredResponse is the part of an HTTP response that is kept in a named cache.
type StoredResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// FromResponse reads the response body into a StoredResponse.
// The original body is closed and replaced with an in-memory copy,
// so the response can still be sent to the client afterwards.
// If reading fails, the body is replaced with the bytes read so far
// followed by the rest of the original body, which reports the failure.
func FromResponse(res *http.Response) (StoredResponse, error) {
	sRes := StoredResponse{
		StatusCode: res.StatusCode,
		Header:     rfc9111.StorableHeader(res.Header),
	}
	if res.Body == nil || res.Body == http.NoBody {
		return sRes, nil
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		res.Body = readCloser{io.MultiReader(bytes.NewReader(body), res.Body), res.Body}
		return sRes, fmt.Errorf("reading response body: %w", err)
	}
	res.Body.Close()
	sRes.Body = body
	// set response body back
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return sRes, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

// Response creates a new http.Response for the stored response.
// Every call returns a response with its own body reader.
func (s StoredResponse) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%03d %s", s.StatusCode, http.StatusText(s.StatusCode)),
		StatusCode:    s.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

// StoredResponseToBytes converts a stored response to its HTTP/1.1 representation.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := &http.Response{
		StatusCode:    sRes.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        sRes.Header,
		Body:          io.NopCloser(bytes.NewReader(sRes.Body)),
		ContentLength: int64(len(sRes.Body)),
	}
	if res.Header == nil {
		res.Header = make(http.Header)
	}
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, fmt.Errorf("writing response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToStoredResponse parses bytes written by StoredResponseToBytes.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return StoredResponse{}, fmt.Errorf("reading stored response: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return StoredResponse{}, fmt.Errorf("reading stored body: %w", err)
	}
	return StoredResponse{
		StatusCode: res.StatusCode,
		Header:     res.Header,
		Body:       body,
	}, nil
}

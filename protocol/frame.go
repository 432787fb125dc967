package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame layout: magic(4) | ver(1) | len(u32 be) | body(len).
// The body is a msgpack Request or Response envelope.

const (
	frameVersion byte = 1

	// MaxFrameSize bounds a single message, value payloads included.
	MaxFrameSize = 64 << 20
)

var (
	frameMagic = [4]byte{'C', 'P', 'C', frameVersion}

	// ErrFrameTooLarge is returned for frames exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds size limit")
)

// WriteFrame writes one framed message body to w.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [9]byte
	copy(hdr[:4], frameMagic[:])
	hdr[4] = frameVersion
	binary.BigEndian.PutUint32(hdr[5:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one framed message body from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	if hdr[0] != frameMagic[0] || hdr[1] != frameMagic[1] || hdr[2] != frameMagic[2] || hdr[3] != frameMagic[3] {
		return nil, fmt.Errorf("protocol: bad frame magic %x", hdr[:4])
	}
	if hdr[4] != frameVersion {
		return nil, fmt.Errorf("protocol: unsupported frame version %d", hdr[4])
	}
	n := binary.BigEndian.Uint32(hdr[5:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteRequest frames and writes a request envelope.
func WriteRequest(w io.Writer, req Request) error {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadRequest reads and decodes one request envelope.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	body, err := ReadFrame(r)
	if err != nil {
		return req, err
	}
	err = msgpack.Unmarshal(body, &req)
	return req, err
}

// WriteResponse frames and writes a response envelope.
func WriteResponse(w io.Writer, resp Response) error {
	body, err := msgpack.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(w, body)
}

// ReadResponse reads and decodes one response envelope.
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	body, err := ReadFrame(r)
	if err != nil {
		return resp, err
	}
	err = msgpack.Unmarshal(body, &resp)
	return resp, err
}

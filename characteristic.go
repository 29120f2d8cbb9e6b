package proximity

import (
	"bytes"
	"fmt"
)

// Do not re-order the bit flags below;
// they are organized to match the BLE spec.

// Characteristic property flags.
const (
	CharRead    = 1 << (iota + 1) // the characteristic may be read
	CharWriteNR                   // the characteristic may be written to, with no reply
	CharWrite                     // the characteristic may be written to, with a reply
	CharNotify                    // the characteristic supports notifications
)

// ATT status codes returned by characteristic handlers and carried by
// driver errors.
const (
	StatusSuccess            = 0x00
	StatusInvalidHandle      = 0x01
	StatusReadNotPermitted   = 0x02
	StatusWriteNotPermitted  = 0x03
	StatusInvalidPDU         = 0x04
	StatusNotSupported       = 0x06
	StatusInvalidOffset      = 0x07
	StatusAttrNotFound       = 0x0a
	StatusInvalidLength      = 0x0d
	StatusUnexpectedError    = 0x0e
	StatusInsufficientMemory = 0x11
)

// A Request is the context for a request from a connected central.
type Request struct {
	// Address is the transport address of the central.
	Address        string
	Service        *Service
	Characteristic *Characteristic
}

// A ReadRequest is a characteristic read request from a connected device.
type ReadRequest struct {
	Request
	Cap    int // maximum allowed reply length
	Offset int // request value offset
}

type ReadResponseWriter interface {
	// Write writes data to return as the characteristic value.
	Write([]byte) (int, error)
	// SetStatus reports the result of the read operation. See the Status* constants.
	SetStatus(byte)
}

// A ReadHandler handles GATT read requests.
type ReadHandler interface {
	ServeRead(resp ReadResponseWriter, req *ReadRequest)
}

// ReadHandlerFunc is an adapter to allow the use of
// ordinary functions as ReadHandlers. If f is a function
// with the appropriate signature, ReadHandlerFunc(f) is a
// ReadHandler that calls f.
type ReadHandlerFunc func(resp ReadResponseWriter, req *ReadRequest)

// ServeRead returns f(r, maxlen, offset).
func (f ReadHandlerFunc) ServeRead(resp ReadResponseWriter, req *ReadRequest) {
	f(resp, req)
}

// A WriteHandler handles GATT write requests.
// Write and WriteNR requests are presented identically;
// the server will ensure that a response is sent if appropriate.
type WriteHandler interface {
	ServeWrite(r Request, data []byte) (status byte)
}

// WriteHandlerFunc is an adapter to allow the use of
// ordinary functions as WriteHandlers. If f is a function
// with the appropriate signature, WriteHandlerFunc(f) is a
// WriteHandler that calls f.
type WriteHandlerFunc func(r Request, data []byte) byte

// ServeWrite returns f(r, data).
func (f WriteHandlerFunc) ServeWrite(r Request, data []byte) byte {
	return f(r, data)
}

// A Characteristic is a BLE characteristic.
type Characteristic struct {
	uuid     UUID
	props    uint // enabled properties
	rhandler ReadHandler
	whandler WriteHandler

	service *Service
}

// HandleRead makes the characteristic support read requests,
// and routes read requests to h. HandleRead must be called
// before the service is served.
func (c *Characteristic) HandleRead(h ReadHandler) {
	c.props |= CharRead
	c.rhandler = h
}

// HandleReadFunc calls HandleRead(ReadHandlerFunc(f)).
func (c *Characteristic) HandleReadFunc(f func(resp ReadResponseWriter, req *ReadRequest)) {
	c.HandleRead(ReadHandlerFunc(f))
}

// HandleWrite makes the characteristic support write and
// write-no-response requests, and routes write requests to h.
// The WriteHandler does not differentiate between write and
// write-no-response requests; it is handled automatically.
// HandleWrite must be called before the service is served.
func (c *Characteristic) HandleWrite(h WriteHandler) {
	c.props |= CharWrite | CharWriteNR
	c.whandler = h
}

// HandleWriteFunc calls HandleWrite(WriteHandlerFunc(f)).
func (c *Characteristic) HandleWriteFunc(f func(r Request, data []byte) (status byte)) {
	c.HandleWrite(WriteHandlerFunc(f))
}

// UUID returns the characteristic's UUID
func (c *Characteristic) UUID() UUID {
	return c.uuid
}

// Properties returns the enabled property flags.
func (c *Characteristic) Properties() uint {
	return c.props
}

// Read serves a read request from the central at address. Drivers call it
// for every ATT read or read blob request.
func (c *Characteristic) Read(address string, offset, capacity int) ([]byte, byte) {
	if c.rhandler == nil {
		return nil, StatusReadNotPermitted
	}
	resp := newReadResponseWriter(capacity)
	req := &ReadRequest{
		Request: Request{Address: address, Service: c.service, Characteristic: c},
		Cap:     capacity,
		Offset:  offset,
	}
	c.rhandler.ServeRead(resp, req)
	if resp.status != StatusSuccess {
		return nil, resp.status
	}
	return resp.bytes(), StatusSuccess
}

// Write serves a write request from the central at address.
func (c *Characteristic) Write(address string, data []byte) byte {
	if c.whandler == nil {
		return StatusWriteNotPermitted
	}
	return c.whandler.ServeWrite(Request{Address: address, Service: c.service, Characteristic: c}, data)
}

// readResponseWriter is the default implementation of ReadResponseWriter.
type readResponseWriter struct {
	capacity int
	buf      *bytes.Buffer
	status   byte
}

func newReadResponseWriter(c int) *readResponseWriter {
	return &readResponseWriter{
		capacity: c,
		buf:      new(bytes.Buffer),
		status:   StatusSuccess,
	}
}

func (w *readResponseWriter) Write(b []byte) (int, error) {
	if avail := w.capacity - w.buf.Len(); avail < len(b) {
		return 0, fmt.Errorf("requested write %d bytes, %d available", len(b), avail)
	}
	return w.buf.Write(b)
}

func (w *readResponseWriter) SetStatus(status byte) { w.status = status }
func (w *readResponseWriter) bytes() []byte         { return w.buf.Bytes() }

package resp

import "errors"

// ErrInvalidData marks a malformed RESP frame: a bad tag byte, an
// unparsable length, or a missing CRLF where the protocol requires one.
var ErrInvalidData = errors.New("resp: invalid data")

// ErrUnexpectedEOF marks a connection that closed mid-frame, after a
// header promised more bytes than arrived.
var ErrUnexpectedEOF = errors.New("resp: unexpected eof")

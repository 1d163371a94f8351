package transport

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/sessamekesh/netide-openflow-shim/pkg/errors"
	"github.com/sessamekesh/netide-openflow-shim/pkg/message/openflow"
)

// Large enough to hold any OpenFlow message, whose length field is 16 bits.
const openflowReaderSize = 0x10000

func newOpenFlowReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, openflowReaderSize)
}

// readOpenFlowMessage returns the next complete message from the stream. It
// only peeks until the whole message is buffered, so a read deadline that
// fires mid-message loses nothing and the call can be retried.
func readOpenFlowMessage(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(openflow.HeaderLength)
	if err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < openflow.HeaderLength {
		return nil, &errors.MalformedMessage{
			MessageName: "OpenFlow::Header",
			MsgSize:     length,
			MinimumSize: openflow.HeaderLength,
			Reason:      "length field shorter than the header",
		}
	}

	packet, err := r.Peek(length)
	if err != nil {
		return nil, err
	}

	msg := make([]byte, length)
	copy(msg, packet)
	if _, err := r.Discard(length); err != nil {
		return nil, err
	}
	return msg, nil
}

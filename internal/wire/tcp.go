package wire

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds a single frame's payload, generous enough for a
// ConditionalAppend carrying a full writer.MaxWriteSize chunk plus JSON
// encoding overhead.
const maxFrameSize = 16 * 1024 * 1024

// frame kinds identify which concrete Requests/Replies type a frame's
// payload decodes as; the wire module itself is out of scope (spec ch.1),
// so this tagging scheme only needs to be internally consistent, not
// compatible with any real server's byte layout.
type frameKind byte

const (
	kindSetupAppend frameKind = iota + 1
	kindAppendSetup
	kindConditionalAppend
	kindDataAppended
	kindSealSegment
	kindSegmentSealed
	kindSegmentIsSealed
	kindNoSuchSegment
	kindWrongHost
	kindTruncateSegment
	kindSegmentTruncated
	kindGetStreamSegmentInfo
	kindStreamSegmentInfo
	kindCreateTableSegment
	kindUpdateTableEntries
	kindTableEntriesUpdated
	kindTableKeyBadVersion
	kindTableKeyDoesNotExist
	kindReadTable
	kindTableRead
	kindRemoveTableKeys
	kindTableKeysRemoved
)

func kindOfRequest(req Requests) (frameKind, error) {
	switch req.(type) {
	case SetupAppend:
		return kindSetupAppend, nil
	case ConditionalAppend:
		return kindConditionalAppend, nil
	case SealSegment:
		return kindSealSegment, nil
	case TruncateSegment:
		return kindTruncateSegment, nil
	case GetStreamSegmentInfo:
		return kindGetStreamSegmentInfo, nil
	case CreateTableSegment:
		return kindCreateTableSegment, nil
	case UpdateTableEntries:
		return kindUpdateTableEntries, nil
	case ReadTable:
		return kindReadTable, nil
	case RemoveTableKeys:
		return kindRemoveTableKeys, nil
	default:
		return 0, fmt.Errorf("tcp client: unencodable request %T", req)
	}
}

func decodeReply(kind frameKind, payload []byte) (Replies, error) {
	switch kind {
	case kindAppendSetup:
		var r AppendSetup
		return r, json.Unmarshal(payload, &r)
	case kindDataAppended:
		var r DataAppended
		return r, json.Unmarshal(payload, &r)
	case kindSegmentSealed:
		var r SegmentSealed
		return r, json.Unmarshal(payload, &r)
	case kindSegmentIsSealed:
		var r SegmentIsSealed
		return r, json.Unmarshal(payload, &r)
	case kindNoSuchSegment:
		var r NoSuchSegment
		return r, json.Unmarshal(payload, &r)
	case kindWrongHost:
		var r WrongHost
		return r, json.Unmarshal(payload, &r)
	case kindSegmentTruncated:
		var r SegmentTruncated
		return r, json.Unmarshal(payload, &r)
	case kindStreamSegmentInfo:
		var r StreamSegmentInfo
		return r, json.Unmarshal(payload, &r)
	case kindTableEntriesUpdated:
		var r TableEntriesUpdated
		return r, json.Unmarshal(payload, &r)
	case kindTableKeyBadVersion:
		var r TableKeyBadVersion
		return r, json.Unmarshal(payload, &r)
	case kindTableKeyDoesNotExist:
		var r TableKeyDoesNotExist
		return r, json.Unmarshal(payload, &r)
	case kindTableRead:
		var r TableRead
		return r, json.Unmarshal(payload, &r)
	case kindTableKeysRemoved:
		var r TableKeysRemoved
		return r, json.Unmarshal(payload, &r)
	default:
		return nil, fmt.Errorf("tcp client: unrecognized reply kind %d", kind)
	}
}

// TCPClient is the real-transport RawClient: length-prefixed frames
// (4-byte big-endian length, 1-byte kind tag, JSON payload) over a single
// TCP or TLS connection. One connection serves one in-flight request at a
// time, matching how the pool hands out exactly one Resource per caller.
type TCPClient struct {
	mu   sync.Mutex
	conn net.Conn
}

// DialTCP dials host (TLS-wrapped if tlsEnabled) and returns a RawClient
// bound to that single connection, for use as pool.Manager's Dialer when
// config.ConnectionType is ConnectionTypeTokio.
func DialTCP(ctx context.Context, host string, tlsEnabled bool) (RawClient, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", host, err)
	}
	if tlsEnabled {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: hostOnly(host)})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", host, err)
		}
		conn = tlsConn
	}
	return &TCPClient{conn: conn}, nil
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}

func (c *TCPClient) SendRequest(ctx context.Context, req Requests) (Replies, error) {
	kind, err := kindOfRequest(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if err := writeFrame(c.conn, kind, payload); err != nil {
		return nil, fmt.Errorf("write request frame: %w", err)
	}
	replyKind, replyPayload, err := readFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("read reply frame: %w", err)
	}
	reply, err := decodeReply(replyKind, replyPayload)
	if err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func (c *TCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

func writeFrame(w net.Conn, kind frameKind, payload []byte) error {
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame payload %d exceeds max %d", len(payload), maxFrameSize)
	}
	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+1))
	header[4] = byte(kind)
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r net.Conn) (frameKind, []byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return 0, nil, fmt.Errorf("invalid frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		return 0, nil, err
	}
	return frameKind(body[0]), body[1:], nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

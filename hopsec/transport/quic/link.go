package quic

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
	q "github.com/quic-go/quic-go"

	"github.com/TheusHen/hopsec/hopsec/protocol"
	"github.com/TheusHen/hopsec/hopsec/transport"
)

// Frame flags.
const (
	flagPlain      byte = 0
	flagCompressed byte = 1
	flagHello      byte = 2
)

// maxMessage bounds one link message: an envelope around a full protocol frame.
const maxMessage = 2*protocol.MaxFramePayload + 1<<16

// ErrMessageTooLarge is returned for messages that do not fit one link frame.
var ErrMessageTooLarge = errors.New("quic: message too large")

var compressorPool = sync.Pool{
	New: func() any { return lz4.NewWriter(nil) },
}

var decompressorPool = sync.Pool{
	New: func() any { return lz4.NewReader(nil) },
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := compressorPool.Get().(*lz4.Writer)
	defer compressorPool.Put(w)
	w.Reset(&buf)
	_ = w.Apply(lz4.CompressionLevelOption(lz4.Fast))
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r := decompressorPool.Get().(*lz4.Reader)
	defer decompressorPool.Put(r)
	r.Reset(bytes.NewReader(data))
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, maxMessage+1)); err != nil {
		return nil, err
	}
	if buf.Len() > maxMessage {
		return nil, ErrMessageTooLarge
	}
	return buf.Bytes(), nil
}

// streamLink carries messages over one bidirectional QUIC stream.
// Each message is framed as length(4, big endian) | flag(1) | data, where data
// is LZ4 compressed when the flag says so.
type streamLink struct {
	conn      *q.Conn
	stream    *q.Stream
	threshold int

	wmu sync.Mutex
	rmu sync.Mutex

	closeOnce sync.Once
}

var _ transport.Link = (*streamLink)(nil)

func newStreamLink(conn *q.Conn, stream *q.Stream, threshold int) *streamLink {
	return &streamLink{conn: conn, stream: stream, threshold: threshold}
}

func (l *streamLink) writeFrame(flag byte, data []byte) error {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr, uint32(len(data)))
	hdr[4] = flag
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.stream.Write(append(hdr, data...)); err != nil {
		return l.mapErr(err)
	}
	return nil
}

func (l *streamLink) Send(ctx context.Context, b []byte) error {
	if len(b) > maxMessage {
		return ErrMessageTooLarge
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	flag, data := flagPlain, b
	if l.threshold > 0 && len(b) >= l.threshold {
		if c, err := compress(b); err == nil && len(c) < len(b) {
			flag, data = flagCompressed, c
		}
	}
	return l.writeFrame(flag, data)
}

// Receive reads the next message. Cancelling ctx aborts the read side of the
// stream and closes the link.
func (l *streamLink) Receive(ctx context.Context) ([]byte, error) {
	l.rmu.Lock()
	defer l.rmu.Unlock()

	stop := context.AfterFunc(ctx, func() { l.stream.CancelRead(0) })
	defer stop()

	for {
		var hdr [5]byte
		if _, err := io.ReadFull(l.stream, hdr[:]); err != nil {
			return nil, l.readErr(ctx, err)
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		if n > maxMessage {
			return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(l.stream, data); err != nil {
			return nil, l.readErr(ctx, err)
		}
		switch hdr[4] {
		case flagHello:
			continue
		case flagPlain:
			return data, nil
		case flagCompressed:
			return decompress(data)
		default:
			return nil, fmt.Errorf("quic: unknown frame flag %d", hdr[4])
		}
	}
}

func (l *streamLink) readErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		_ = l.Close()
		return ctx.Err()
	}
	return l.mapErr(err)
}

func (l *streamLink) mapErr(err error) error {
	var appErr *q.ApplicationError
	var idleErr *q.IdleTimeoutError
	var streamErr *q.StreamError
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.As(err, &appErr), errors.As(err, &idleErr), errors.As(err, &streamErr):
		return fmt.Errorf("%w: %v", transport.ErrLinkClosed, err)
	default:
		return err
	}
}

func (l *streamLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		_ = l.stream.Close()
		err = l.conn.CloseWithError(0, "closed")
	})
	return err
}

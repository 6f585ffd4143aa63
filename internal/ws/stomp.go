package ws

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const stompVersion = "1.2"

var heartbeatMessage = []byte("\n")

func encodeFrame(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeFrames parses one websocket message. A message made of EOLs only is a
// heart-beat and yields no frames.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))

	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}

func connectFrame(host, token string, heartbeat time.Duration) *frame.Frame {
	ms := strconv.FormatInt(heartbeat.Milliseconds(), 10)
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, stompVersion,
		frame.Host, host,
		frame.HeartBeat, ms+","+ms,
	)
	if token != "" {
		f.Header.Add("Authorization", "Bearer "+token)
	}
	return f
}

func subscribeFrame(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

func unsubscribeFrame(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

func sendFrame(destination string, body []byte) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = body
	return f
}

// negotiateHeartbeat applies the STOMP rule: each side uses the larger of what one
// peer offers and the other wants, and zero on either side disables the direction.
func negotiateHeartbeat(want time.Duration, connected *frame.Frame) (out, in time.Duration, err error) {
	value, ok := connected.Header.Contains(frame.HeartBeat)
	if !ok || want <= 0 {
		return 0, 0, nil
	}

	serverSends, serverWants, err := frame.ParseHeartBeat(value)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid heart-beat header %q: %w", value, err)
	}
	if serverWants > 0 {
		out = max(want, serverWants)
	}
	if serverSends > 0 {
		in = max(want, serverSends)
	}
	return out, in, nil
}

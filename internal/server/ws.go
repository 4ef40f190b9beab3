package server

import (
	"context"
	"encoding/binary"
	"math"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aircast-audio/aircast/pkg/audio"
)

// presenceBeatInterval is how often a connected listener refreshes its
// presence entry. Kept well under the tracker TTL.
const presenceBeatInterval = 10 * time.Second

// handleIngest accepts the broadcaster's WebSocket. Binary messages carry
// 16-bit signed little-endian mono PCM at the session's sample rate. The
// connection going away is a stop trigger: the session tears down exactly as
// if the owner had called the stop endpoint.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")

	st := s.engine.GetStatus(owner)
	if !st.Active {
		writeError(w, http.StatusNotFound, "no active stream for owner")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("ingest accept failed", "owner", owner, "err", err)
		return
	}

	s.log.Info("ingest connected", "owner", owner, "session_id", st.SessionID)

	var samplesSeen int64
	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Client gone or stream closed from the other side. Either way
			// the broadcast is over.
			break
		}
		if typ != websocket.MessageBinary || len(data) < 2 {
			continue
		}

		samples := decodePCM16(data)
		frame := audio.Frame{
			Samples:    samples,
			SampleRate: st.SampleRate,
			Channels:   1,
			Timestamp:  time.Duration(samplesSeen) * time.Second / time.Duration(st.SampleRate),
		}
		samplesSeen += int64(len(samples))

		s.engine.PushFrame(st.SessionID, frame)
	}

	// Transport disconnect is one of the teardown triggers.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.engine.StopSession(stopCtx, owner); err != nil {
		s.log.Warn("stop after ingest disconnect", "owner", owner, "err", err)
	}

	conn.Close(websocket.StatusNormalClosure, "stream ended")
	s.log.Info("ingest disconnected", "owner", owner, "session_id", st.SessionID)
}

// handleListen attaches a WebSocket listener to an active stream. Frames are
// delivered as binary 16-bit signed little-endian mono PCM. When the stream
// ends the server closes the socket with a normal closure.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	owner := r.PathValue("owner")

	st := s.engine.GetStatus(owner)
	if !st.Active {
		writeError(w, http.StatusNotFound, "no active stream for owner")
		return
	}

	listenerID := r.URL.Query().Get("listener")
	if listenerID == "" {
		listenerID = uuid.NewString()
	}

	ch, err := s.engine.JoinListener(st.SessionID, listenerID)
	if err != nil {
		// Session stopped between the status check and the join.
		writeError(w, http.StatusConflict, "stream has ended")
		return
	}

	conn, acceptErr := websocket.Accept(w, r, nil)
	if acceptErr != nil {
		s.engine.LeaveListener(st.SessionID, listenerID)
		s.log.Debug("listen accept failed", "owner", owner, "err", acceptErr)
		return
	}

	s.tracker.Heartbeat(owner, listenerID)
	defer func() {
		s.engine.LeaveListener(st.SessionID, listenerID)
		s.tracker.Leave(owner, listenerID)
	}()

	s.log.Info("listener joined", "owner", owner, "listener", listenerID)

	// No inbound messages are expected; CloseRead returns a context that is
	// cancelled when the client disconnects.
	ctx := conn.CloseRead(r.Context())

	lastBeat := time.Now()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "listener left")
			return
		case frame, ok := <-ch.Frames():
			if !ok {
				// Session ended and drained; the queue is closed.
				conn.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, encodePCM16(frame.Samples)); err != nil {
				return
			}
			if time.Since(lastBeat) >= presenceBeatInterval {
				s.tracker.Heartbeat(owner, listenerID)
				lastBeat = time.Now()
			}
		}
	}
}

// decodePCM16 converts 16-bit signed little-endian PCM bytes to float32
// samples in [-1, 1]. A trailing odd byte is ignored.
func decodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := range n {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// encodePCM16 converts float32 samples to 16-bit signed little-endian PCM
// bytes, clamping to [-1, 1].
func encodePCM16(samples []float32) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(math.Round(float64(s) * 32767))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

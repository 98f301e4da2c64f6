package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/pipeline"
	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/audio"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/env"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/errors"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/logger"
	"github.com/omarmfza1-glitch/nexus-miracle/pkg/utils"
)

const (
	readDeadline = 60 * time.Second
	pingInterval = 54 * time.Second
	// markGrace is added to the clip duration while waiting for a mark echo
	markGrace = 2 * time.Second
)

// ExotelEvent is the envelope shared by every Exotel stream event
type ExotelEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid,omitempty"`
}

// MediaFormat describes the caller audio
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate string `json:"sample_rate"`
}

// StartEvent is the Exotel "start" event. Older streams put the parameters
// at the top level, newer ones nest them under "start".
type StartEvent struct {
	Event            string            `json:"event"`
	StreamSid        string            `json:"stream_sid"`
	CustomParameters map[string]string `json:"custom_parameters,omitempty"`
	Start            struct {
		StreamSid        string            `json:"stream_sid"`
		CallSid          string            `json:"call_sid"`
		From             string            `json:"from"`
		To               string            `json:"to"`
		CustomParameters map[string]string `json:"custom_parameters,omitempty"`
		MediaFormat      MediaFormat       `json:"media_format"`
	} `json:"start"`
}

// MediaEvent carries base64 encoded caller audio
type MediaEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// MarkEvent is echoed by Exotel once the audio before it has been played
type MarkEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// ExotelVoicebotRequest is the payload Exotel sends when a call starts
type ExotelVoicebotRequest struct {
	CallSid string `json:"CallSid" form:"CallSid"`
	From    string `json:"From" form:"From"`
	To      string `json:"To" form:"To"`
}

// VoicebotWebSocketResponse is what Exotel expects back
type VoicebotWebSocketResponse struct {
	WebSocketURL string `json:"websocket_url"`
}

// ExotelVoicebotEndpoint returns the stream URL for a new call.
// Supports GET with query params and POST with form or json bodies.
func (h *Handler) ExotelVoicebotEndpoint(c *gin.Context) {
	var req ExotelVoicebotRequest
	if err := c.ShouldBind(&req); err != nil {
		req.CallSid = c.Query("CallSid")
		req.From = c.Query("From")
		req.To = c.Query("To")
	}
	if req.CallSid == "" {
		req.CallSid = c.Query("call_sid")
	}
	if req.From == "" {
		req.From = c.Query("CallFrom")
	}
	if req.To == "" {
		req.To = c.Query("CallTo")
	}

	if req.CallSid == "" {
		h.logger.Warn("Voicebot init without CallSid",
			zap.String("method", c.Request.Method),
			zap.String("url", c.Request.URL.Path),
		)
		errors.BadRequest(c, "CallSid is required")
		return
	}

	wsURL := fmt.Sprintf("%s/voicebot/ws?call_sid=%s&from=%s&to=%s",
		websocketBase(h.cfg.VoicebotBaseURL, c),
		req.CallSid,
		strings.TrimPrefix(req.From, "+"),
		strings.TrimPrefix(req.To, "+"),
	)
	if persona := c.Query("persona"); persona != "" {
		wsURL += "&persona=" + persona
	}

	h.logger.Info("Generated voicebot stream URL",
		zap.String("call_sid", req.CallSid),
		logger.MaskPhoneIfPresent("from", req.From),
	)
	c.JSON(http.StatusOK, VoicebotWebSocketResponse{WebSocketURL: wsURL})
}

// websocketBase prefers the configured public URL and falls back to the
// request headers set by a reverse proxy
func websocketBase(configured string, c *gin.Context) string {
	baseURL := configured
	if baseURL == "" {
		scheme := "https"
		if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" {
			scheme = "http"
		} else if proto == "" && c.Request.TLS == nil {
			scheme = "http"
		}
		host := c.GetHeader("X-Forwarded-Host")
		if host == "" {
			host = c.Request.Host
		}
		baseURL = scheme + "://" + host
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	switch {
	case strings.HasPrefix(baseURL, "https"):
		return "wss" + baseURL[5:]
	case strings.HasPrefix(baseURL, "http"):
		return "ws" + baseURL[4:]
	}
	return baseURL
}

// createWebSocketUpgrader validates origins outside development. Exotel
// connects without an Origin header; browsers connecting to the event feed
// must match CORS_ALLOWED_ORIGINS.
func createWebSocketUpgrader(cfg *env.Config, log *zap.Logger) websocket.Upgrader {
	allowed := map[string]bool{}
	allowAll := false
	if cfg != nil {
		for _, o := range strings.Split(cfg.CORSAllowedOrigins, ",") {
			o = strings.TrimSpace(o)
			if o == "*" {
				allowAll = true
			}
			if o != "" {
				allowed[o] = true
			}
		}
		if cfg.VoicebotBaseURL != "" {
			allowed[strings.TrimSuffix(cfg.VoicebotBaseURL, "/")] = true
		}
	}
	development := cfg == nil || cfg.AppEnv == "development"

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || development || allowAll || allowed[origin] {
				return true
			}
			log.Warn("WebSocket connection rejected - invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// VoicebotWebSocket is the media stream Exotel connects to for a live call
func (h *Handler) VoicebotWebSocket(c *gin.Context) {
	callSid := c.Query("call_sid")
	if callSid == "" {
		callSid = c.Query("callLogId")
	}
	if callSid == "" {
		errors.BadRequest(c, "call_sid or callLogId is required")
		return
	}
	if token := h.cfg.ExotelVoicebotToken; token != "" {
		auth := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if auth != token && c.Query("token") != token {
			errors.Unauthorized(c, "invalid voicebot token")
			return
		}
	}

	sampleRate := audio.SampleRate
	if sr, err := strconv.Atoi(c.Query("sample-rate")); err == nil && sr > 0 {
		sampleRate = sr
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade to WebSocket",
			zap.Error(err),
			zap.String("call_sid", callSid),
			zap.String("remote_addr", c.Request.RemoteAddr),
		)
		return
	}
	defer conn.Close()

	stream := &voiceStream{
		h:          h,
		log:        logger.ForCall(h.logger, callSid),
		callID:     callSid,
		from:       c.Query("from"),
		to:         c.Query("to"),
		persona:    c.Query("persona"),
		sampleRate: sampleRate,
		transport:  newExotelTransport(conn, sampleRate),
	}
	stream.log.Info("Voicebot stream connected",
		logger.MaskPhoneIfPresent("from", stream.from),
		zap.Int("sample_rate", sampleRate),
	)
	stream.serve(conn)
}

// voiceStream binds one Exotel connection to one pipeline
type voiceStream struct {
	h          *Handler
	log        *zap.Logger
	callID     string
	from       string
	to         string
	persona    string
	sampleRate int
	mulaw      bool
	transport  *exotelTransport
	pipeline   *pipeline.Pipeline
	pending    []byte
	stopped    bool
}

func (s *voiceStream) serve(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	done := make(chan error, 1)
	go func() {
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				done <- err
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if s.handle(message) {
				done <- nil
				return
			}
		}
	}()

	for {
		select {
		case err := <-done:
			s.close(err)
			return
		case <-pingTicker.C:
			if err := s.transport.ping(); err != nil {
				s.log.Warn("Failed to send ping", zap.Error(err))
				s.close(err)
				return
			}
		}
	}
}

// handle processes one event and reports whether the stream is finished
func (s *voiceStream) handle(message []byte) bool {
	var event ExotelEvent
	if err := json.Unmarshal(message, &event); err != nil {
		s.log.Warn("Failed to parse Exotel event", zap.Error(err))
		return false
	}

	switch event.Event {
	case "connected":
	case "start":
		return s.start(message)
	case "media":
		s.media(message)
	case "mark":
		var mark MarkEvent
		if err := json.Unmarshal(message, &mark); err == nil {
			s.transport.marked(mark.Mark.Name)
		}
	case "dtmf":
		s.log.Debug("DTMF received")
	case "stop":
		s.stopped = true
		s.end(session.StatusCompleted, "caller_hangup")
		return true
	default:
		s.log.Debug("Unknown Exotel event", zap.String("event", event.Event))
	}
	return false
}

func (s *voiceStream) start(message []byte) bool {
	if s.pipeline != nil {
		return false
	}
	var start StartEvent
	if err := json.Unmarshal(message, &start); err != nil {
		s.log.Warn("Failed to parse start event", zap.Error(err))
		return false
	}

	streamSid := start.StreamSid
	if streamSid == "" {
		streamSid = start.Start.StreamSid
	}
	if s.from == "" {
		s.from = start.Start.From
	}
	params := start.CustomParameters
	if len(params) == 0 {
		params = start.Start.CustomParameters
	}
	if p := params["persona"]; p != "" {
		s.persona = p
	}
	format := start.Start.MediaFormat
	if sr, err := strconv.Atoi(format.SampleRate); err == nil && sr > 0 {
		s.sampleRate = sr
		s.transport.setSampleRate(sr)
	}
	enc := strings.ToLower(format.Encoding)
	s.mulaw = strings.Contains(enc, "ulaw") || strings.Contains(enc, "mulaw")
	s.transport.setStream(streamSid)

	p, err := s.h.orchestrator.StartCall(context.Background(), pipeline.CallInfo{
		CallID:    s.callID,
		StreamID:  streamSid,
		Phone:     utils.NormalizePhone(s.from),
		Direction: "inbound",
		Persona:   s.persona,
		Transport: s.transport,
	})
	if err != nil {
		switch {
		case stderrors.Is(err, pipeline.ErrCapacity), stderrors.Is(err, pipeline.ErrRateLimited):
			s.log.Warn("Call rejected", zap.Error(err))
		default:
			s.log.Error("Failed to start call", zap.Error(err))
		}
		s.stopped = true
		return true
	}
	s.pipeline = p
	return false
}

// media converts caller audio to 16kHz PCM and feeds it in whole frames
func (s *voiceStream) media(message []byte) {
	if s.pipeline == nil {
		return
	}
	var media MediaEvent
	if err := json.Unmarshal(message, &media); err != nil {
		s.log.Warn("Failed to parse media event", zap.Error(err))
		return
	}
	raw, err := audio.DecodeBase64(media.Media.Payload)
	if err != nil {
		s.log.Warn("Failed to decode media payload", zap.Error(err))
		return
	}
	s.feed(s.normalize(raw))
}

func (s *voiceStream) normalize(raw []byte) []byte {
	pcm := raw
	if s.mulaw {
		pcm = audio.DecodeMuLaw(raw)
	}
	if s.sampleRate == 8000 {
		pcm = audio.Resample8kTo16k(pcm)
	}
	return pcm
}

func (s *voiceStream) feed(pcm []byte) {
	s.pending = append(s.pending, pcm...)
	for len(s.pending) >= audio.FrameBytes {
		frame := make([]byte, audio.FrameBytes)
		copy(frame, s.pending[:audio.FrameBytes])
		s.pending = s.pending[audio.FrameBytes:]
		s.pipeline.Feed(frame)
	}
}

func (s *voiceStream) end(status session.Status, reason string) {
	if s.pipeline == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.h.orchestrator.EndCall(ctx, s.callID, status, reason); err != nil {
		s.log.Error("Failed to end call", zap.Error(err))
	}
}

// close ends the call when the connection drops without a stop event
func (s *voiceStream) close(err error) {
	s.transport.StopPlayback()
	if s.stopped || s.pipeline == nil {
		return
	}
	if err == nil {
		err = stderrors.New("stream closed")
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.end(session.StatusCompleted, "stream_closed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := s.h.orchestrator.Fail(ctx, s.callID, err); ferr != nil {
		s.log.Error("Failed to fail call", zap.Error(ferr))
	}
}

// exotelTransport streams reply audio back over the Exotel connection.
// Play returns once Exotel echoes the trailing mark.
type exotelTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	streamSid  string
	sampleRate int
	seq        int
	marks      map[string]chan struct{}
	stop       chan struct{}
}

func newExotelTransport(conn *websocket.Conn, sampleRate int) *exotelTransport {
	return &exotelTransport{
		conn:       conn,
		sampleRate: sampleRate,
		marks:      make(map[string]chan struct{}),
		stop:       make(chan struct{}),
	}
}

func (t *exotelTransport) setStream(sid string) {
	t.mu.Lock()
	t.streamSid = sid
	t.mu.Unlock()
}

func (t *exotelTransport) setSampleRate(rate int) {
	t.mu.Lock()
	t.sampleRate = rate
	t.mu.Unlock()
}

// Play sends pcm (16kHz) in 640 byte media events followed by a mark
func (t *exotelTransport) Play(ctx context.Context, pcm []byte) error {
	t.mu.Lock()
	t.seq++
	name := fmt.Sprintf("turn-%d", t.seq)
	played := make(chan struct{})
	t.marks[name] = played
	stop := t.stop
	sid, rate := t.streamSid, t.sampleRate
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.marks, name)
		t.mu.Unlock()
	}()

	out := pcm
	if rate == 8000 {
		out = audio.Resample16kTo8k(pcm)
	}
	for _, chunk := range audio.Chunk(out, audio.FrameBytes) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return pipeline.ErrPlaybackStopped
		default:
		}
		err := t.write(map[string]interface{}{
			"event":      "media",
			"stream_sid": sid,
			"media":      map[string]string{"payload": audio.EncodeBase64(chunk)},
		})
		if err != nil {
			return err
		}
	}
	err := t.write(map[string]interface{}{
		"event":      "mark",
		"stream_sid": sid,
		"mark":       map[string]string{"name": name},
	})
	if err != nil {
		return err
	}

	timer := time.NewTimer(audio.Duration(pcm, audio.SampleRate) + markGrace)
	defer timer.Stop()
	select {
	case <-played:
	case <-stop:
		return pipeline.ErrPlaybackStopped
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// StopPlayback releases every in-flight Play and tells Exotel to drop
// buffered audio
func (t *exotelTransport) StopPlayback() error {
	t.mu.Lock()
	close(t.stop)
	t.stop = make(chan struct{})
	sid := t.streamSid
	t.mu.Unlock()

	if sid == "" {
		return nil
	}
	return t.write(map[string]interface{}{"event": "clear", "stream_sid": sid})
}

func (t *exotelTransport) marked(name string) {
	t.mu.Lock()
	ch, ok := t.marks[name]
	if ok {
		delete(t.marks, name)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (t *exotelTransport) write(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *exotelTransport) ping() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// Package monitor serves the pipeline status, a websocket status stream and
// an MJPEG preview of the acquired frames over HTTP.
package monitor

import (
	"errors"
	"net/http"
	"time"

	"github.com/Hypnotriod/jpegenc"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"

	"inferbridge/frame"
	"inferbridge/pipeline"
	"inferbridge/preprocess"
	"inferbridge/streamer"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const FRAMES_BUFFER_SIZE = 8
const STATUS_BUFFER_SIZE = 16
const MJPEG_FRAME_BOUNDARY = "frameboundary"
const CONNECTION_TIMEOUT = 5 * time.Second
const WRITE_TIMEOUT = 1 * time.Second

var jpegParams = jpegenc.EncodeParams{
	QualityFactor: jpegenc.QualityFactorBest,
	PixelType:     jpegenc.PixelTypeRGB888,
	Subsample:     jpegenc.Subsample424,
	ChromaSwap:    true,
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  2048,
	WriteBufferSize: 2048,
	CheckOrigin:     checkOrigin,
}

func checkOrigin(r *http.Request) bool {
	return true
}

// StatusSource is what the monitor reports on, a *pipeline.Pipeline.
type StatusSource interface {
	Status() pipeline.Status
	Subscribe(buffSize int) *streamer.Client[pipeline.Status]
}

type Server struct {
	source StatusSource
	frames *streamer.Streamer[frame.Frame]
	router chi.Router
}

func New(source StatusSource) *Server {
	s := &Server{
		source: source,
		frames: streamer.NewStreamer[frame.Frame](FRAMES_BUFFER_SIZE),
	}
	go s.frames.Run()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", s.serveStatus)
	r.Get("/ws", s.serveStatusWS)
	r.Get("/preview", s.servePreview)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Preview hands an acquired frame to the preview viewers. It is meant to be
// installed as the pipeline preview hook and never blocks. It reports
// whether the frame was queued; without viewers nothing is converted.
func (s *Server) Preview(f *frame.Frame) bool {
	if s.frames.Clients() == 0 {
		return false
	}
	rgb, err := preprocess.Native{}.Convert(f, frame.RGB)
	if err != nil {
		log.Debug("Frame not previewable: ", err)
		return false
	}
	return s.frames.Broadcast(rgb)
}

// Close disconnects the preview viewers.
func (s *Server) Close() {
	s.frames.Stop()
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	message, err := json.Marshal(s.source.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(message)
}

func (s *Server) serveStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("Websocket upgrade error: ", err)
		return
	}
	log.Print("Websocket connection established with ", r.RemoteAddr)
	defer conn.Close()

	client := s.source.Subscribe(STATUS_BUFFER_SIZE)
	if client != nil {
		defer client.Close()
	}
	status := s.source.Status()
	for {
		message, _ := json.Marshal(&status)
		conn.SetWriteDeadline(writeDeadline())
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			log.Print("Websocket write error: ", err)
			break
		}
		if client == nil {
			break
		}
		next, ok := <-client.C
		if !ok {
			break
		}
		status = *next
	}
	log.Print("Websocket connection terminated with ", r.RemoteAddr)
}

func writeDeadline() time.Time {
	return time.Now().Add(WRITE_TIMEOUT)
}

// mjpegWriter writes JPEG parts of a multipart/x-mixed-replace response.
type mjpegWriter struct {
	rw     http.ResponseWriter
	rc     *http.ResponseController
	buffer []byte
}

func newMJPEGWriter(rw http.ResponseWriter) *mjpegWriter {
	rw.Header().Add("Content-Type", "multipart/x-mixed-replace; boundary=--"+MJPEG_FRAME_BOUNDARY)
	return &mjpegWriter{rw: rw, rc: http.NewResponseController(rw)}
}

var (
	partHeader  = []byte("\r\n--" + MJPEG_FRAME_BOUNDARY + "\r\nContent-Type: image/jpeg\r\n\r\n")
	partTrailer = []byte("\r\n")
)

func (m *mjpegWriter) encode(f *frame.Frame) ([]byte, error) {
	if size := f.Width * f.Height * 3; len(m.buffer) < size {
		m.buffer = make([]byte, size)
	}
	n, err := jpegenc.Encode(f.Width, f.Height, jpegParams, f.Data, m.buffer)
	if err != nil {
		return nil, err
	}
	return m.buffer[:n], nil
}

func (m *mjpegWriter) writePart(jpeg []byte) error {
	m.rc.SetWriteDeadline(writeDeadline())
	for _, chunk := range [][]byte{partHeader, jpeg, partTrailer} {
		if _, err := m.rw.Write(chunk); err != nil {
			return err
		}
	}
	if err := m.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

func (s *Server) servePreview(rw http.ResponseWriter, req *http.Request) {
	client := s.frames.NewClient(FRAMES_BUFFER_SIZE)
	if client == nil {
		http.Error(rw, "preview closed", http.StatusServiceUnavailable)
		return
	}
	defer client.Close()
	log.Print("HTTP Connection established with ", req.RemoteAddr)
	out := newMJPEGWriter(rw)

	timer := time.NewTimer(CONNECTION_TIMEOUT)
	defer timer.Stop()
	for {
		var f *frame.Frame
		var ok bool
		select {
		case <-timer.C:
			log.Print("Lost stream for ", req.RemoteAddr)
			return
		case <-req.Context().Done():
			log.Print("HTTP Connection closed with ", req.RemoteAddr)
			return
		case f, ok = <-client.C:
			for ok && len(client.C) != 0 {
				f, ok = <-client.C
			}
		}
		if !ok {
			break
		}
		timer.Reset(CONNECTION_TIMEOUT)

		jpeg, err := out.encode(f)
		if err != nil {
			log.Print("Cannot encode preview frame: ", err)
			continue
		}
		if err := out.writePart(jpeg); err != nil {
			log.Print("Cannot write response to ", req.RemoteAddr, ": ", err)
			break
		}
	}
	log.Print("HTTP Connection closed with ", req.RemoteAddr)
}

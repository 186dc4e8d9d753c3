package control

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/faanross/simulacra_vid/internal/envelope"
	"github.com/faanross/simulacra_vid/internal/frames"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/faanross/simulacra_vid/internal/logging"
	"github.com/faanross/simulacra_vid/internal/protocol"
	"github.com/faanross/simulacra_vid/internal/registry"
	"github.com/faanross/simulacra_vid/internal/statusdns"
	"github.com/faanross/simulacra_vid/internal/stego"
	"github.com/google/uuid"
)

// ================================================================================
// CONTROL API
//
//	POST /send      multipart video + message, starts a sender session
//	POST /receive   connect to a sender, receive and (optionally) decode
//	POST /decode    decode a received video with operator-supplied secrets
//	GET  /status    state and secrets of a session (latest sender by default)
//	GET  /sessions  registry listing
// ================================================================================

// DefaultMaxUpload bounds POST /send bodies
const DefaultMaxUpload = 512 << 20

// Options wire the control surface to the protocol
type Options struct {
	Host      *protocol.Host
	Receiver  *protocol.Receiver
	Store     registry.Store
	UploadDir string
	MaxUpload int64
}

// Server serves the control API and resolves sessions for the DNS responder
type Server struct {
	base      context.Context
	host      *protocol.Host
	receiver  *protocol.Receiver
	store     registry.Store
	uploadDir string
	maxUpload int64
	record    protocol.Observer

	mu       sync.RWMutex
	sessions map[string]*protocol.Session

	mux *http.ServeMux
}

// New builds the API. Sender sessions live as long as base, not as long as
// the request that started them.
func New(base context.Context, opts Options) *Server {
	store := opts.Store
	if store == nil {
		store = registry.NewMemoryStore()
	}
	maxUpload := opts.MaxUpload
	if maxUpload <= 0 {
		maxUpload = DefaultMaxUpload
	}

	s := &Server{
		base:      base,
		host:      opts.Host,
		receiver:  opts.Receiver,
		store:     store,
		uploadDir: opts.UploadDir,
		maxUpload: maxUpload,
		record:    registry.Observer(store),
		sessions:  make(map[string]*protocol.Session),
		mux:       http.NewServeMux(),
	}
	if s.host != nil {
		s.host.Observers = append(s.host.Observers, s.record)
	}

	s.mux.HandleFunc("POST /send", s.handleSend)
	s.mux.HandleFunc("POST /receive", s.handleReceive)
	s.mux.HandleFunc("POST /decode", s.handleDecode)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /sessions", s.handleSessions)
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) track(sess *protocol.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID()] = sess
}

func (s *Server) session(id string) (*protocol.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Lookup implements statusdns.Source
func (s *Server) Lookup(id string) (statusdns.Status, bool) {
	if sess, ok := s.session(id); ok {
		snap := sess.Snapshot()
		return statusdns.Status{
			State:       snap.State.String(),
			Complete:    snap.Complete,
			Fingerprint: snap.Fingerprint,
			PublicKey:   sess.PublicKey(),
		}, true
	}

	rec, err := s.store.Get(id)
	if err != nil {
		return statusdns.Status{}, false
	}
	return statusdns.Status{
		State:       rec.State,
		Complete:    rec.Complete,
		Fingerprint: rec.Fingerprint,
	}, true
}

// Clean forgets finished sessions not updated within ttl, live and recorded
func (s *Server) Clean(ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	for id, sess := range s.sessions {
		snap := sess.Snapshot()
		if snap.State.Terminal() && snap.UpdatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	return s.store.CleanExpired(ttl)
}

// ================================================================================
// HANDLERS
// ================================================================================

type sendResponse struct {
	SessionID  string `json:"session_id"`
	ListenAddr string `json:"listen_addr"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	log := logging.For("control", "handleSend")
	if s.host == nil {
		writeError(w, http.StatusNotImplemented, errors.New("sending is not enabled"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse upload: %w", err))
		return
	}

	message := r.FormValue("message")
	if message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	file, header, err := r.FormFile("video")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("video file is required: %w", err))
		return
	}
	defer file.Close()

	path, err := s.saveUpload(file, header.Filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	sess, err := s.host.Start(s.base, path, []byte(message))
	if err != nil {
		os.Remove(path)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.track(sess)

	// the cover is only needed while its session runs
	go func() {
		<-sess.Done()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.WithError(err).Warn("Remove upload")
		}
	}()

	resp := sendResponse{SessionID: sess.ID()}
	if addr := s.host.ListenAddr(); addr != nil {
		resp.ListenAddr = addr.String()
	}

	log.WithField("session", sess.ID()).Info("Upload accepted, waiting for receiver")
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) saveUpload(src io.Reader, filename string) (string, error) {
	if s.uploadDir != "" {
		if err := os.MkdirAll(s.uploadDir, 0700); err != nil {
			return "", fmt.Errorf("create upload directory: %w", err)
		}
	}
	dir := s.uploadDir
	if dir == "" {
		dir = os.TempDir()
	}

	path := filepath.Join(dir, "upload-"+uuid.NewString()+filepath.Ext(filepath.Base(filename)))
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Errorf("store upload: %w", err)
	}
	return path, dst.Close()
}

type receiveRequest struct {
	Addr   string `json:"addr"`
	Decode *bool  `json:"decode,omitempty"` // default true
}

type resultResponse struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	Message      string `json:"message,omitempty"`
	Verified     bool   `json:"verified"`
	VideoPath    string `json:"video_path,omitempty"`
	PlayablePath string `json:"playable_path,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	Selection    string `json:"selection,omitempty"`
}

func newResultResponse(sess *protocol.Session, result *protocol.Result) resultResponse {
	snap := sess.Snapshot()
	resp := resultResponse{
		SessionID:   snap.ID,
		State:       snap.State.String(),
		VideoPath:   snap.VideoPath,
		Fingerprint: snap.Fingerprint,
	}
	if result != nil {
		resp.Message = string(result.Message)
		resp.Verified = result.Verified
		resp.VideoPath = result.VideoPath
		resp.PlayablePath = result.PlayablePath
		resp.Fingerprint = result.Fingerprint
		resp.Selection = result.Selection.String()
	}
	return resp
}

func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	if s.receiver == nil {
		writeError(w, http.StatusNotImplemented, errors.New("receiving is not enabled"))
		return
	}

	var req receiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Addr == "" {
		writeError(w, http.StatusBadRequest, errors.New("addr is required"))
		return
	}

	sess := protocol.NewSession(protocol.RoleReceiver, s.record)
	s.track(sess)

	if req.Decode != nil && !*req.Decode {
		if _, err := s.receiver.Receive(r.Context(), sess, req.Addr); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, newResultResponse(sess, nil))
		return
	}

	result, err := s.receiver.Run(r.Context(), sess, req.Addr)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(sess, result))
}

type decodeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	VideoPath string `json:"video_path,omitempty"`
	PublicKey string `json:"public_key,omitempty"` // PEM, used with video_path
	KeySecret uint64 `json:"key_secret"`
	MsgSecret uint64 `json:"msg_secret"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	if s.receiver == nil {
		writeError(w, http.StatusNotImplemented, errors.New("receiving is not enabled"))
		return
	}

	var req decodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var (
		videoPath string
		pemBytes  []byte
	)
	if req.PublicKey != "" {
		pemBytes = []byte(req.PublicKey)
	}
	if req.VideoPath != "" {
		var err error
		if videoPath, err = s.confine(req.VideoPath); err != nil {
			writeError(w, http.StatusForbidden, err)
			return
		}
	}

	if req.SessionID != "" {
		prior, ok := s.session(req.SessionID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", registry.ErrNotFound, req.SessionID))
			return
		}
		videoPath = prior.Snapshot().VideoPath
		pemBytes = prior.PublicKey()
	}
	if videoPath == "" {
		writeError(w, http.StatusBadRequest, errors.New("session_id or video_path is required"))
		return
	}

	var pub *rsa.PublicKey
	if len(pemBytes) > 0 {
		var err error
		if pub, err = envelope.ParsePublicKey(pemBytes); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	sess := protocol.NewSession(protocol.RoleReceiver, s.record)
	s.track(sess)

	secrets := keyagree.Secrets{Key: req.KeySecret, Msg: req.MsgSecret}
	result, err := s.receiver.Decode(r.Context(), sess, secrets, videoPath, pub)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(sess, result))
}

// errOutsideVideoDirs is returned for decode paths outside the received and upload directories
var errOutsideVideoDirs = errors.New("video path outside the video directories")

// videoDirs are the directories decode may read from
func (s *Server) videoDirs() []string {
	var dirs []string
	if s.receiver != nil {
		if s.receiver.OutputDir != "" {
			dirs = append(dirs, s.receiver.OutputDir)
		} else {
			dirs = append(dirs, os.TempDir())
		}
	}
	if s.uploadDir != "" {
		dirs = append(dirs, s.uploadDir)
	}
	return dirs
}

// confine resolves path and accepts it only when it lies inside one of the
// video directories, symlinks included
func (s *Server) confine(path string) (string, error) {
	resolved, err := resolve(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", errOutsideVideoDirs, path)
	}

	for _, dir := range s.videoDirs() {
		root, err := resolve(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return resolved, nil
	}
	return "", fmt.Errorf("%w: %s", errOutsideVideoDirs, path)
}

func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

type statusResponse struct {
	SessionID   string  `json:"session_id"`
	Role        string  `json:"role"`
	State       string  `json:"state"`
	KeySecret   *uint64 `json:"key_secret,omitempty"`
	MsgSecret   *uint64 `json:"msg_secret,omitempty"`
	Selection   string  `json:"selection,omitempty"`
	Fingerprint string  `json:"fingerprint,omitempty"`
	Verified    bool    `json:"verified"`
	Complete    bool    `json:"complete"`
	Error       string  `json:"error,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" && s.host != nil {
		if cur := s.host.Current(); cur != nil {
			id = cur.ID()
		}
	}
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("no active session"))
		return
	}

	var rec *registry.Record
	if sess, ok := s.session(id); ok {
		rec = registry.FromSnapshot(sess.Snapshot())
	} else {
		var err error
		if rec, err = s.store.Get(id); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}

	resp := statusResponse{
		SessionID:   rec.ID,
		Role:        rec.Role,
		State:       rec.State,
		Selection:   rec.Selection,
		Fingerprint: rec.Fingerprint,
		Verified:    rec.Verified,
		Complete:    rec.Complete,
		Error:       rec.Error,
	}
	if rec.HaveSecrets {
		resp.KeySecret = &rec.KeySecret
		resp.MsgSecret = &rec.MsgSecret
	}
	writeJSON(w, http.StatusOK, resp)
}

type sessionsResponse struct {
	Sessions []*registry.Record `json:"sessions"`
	Stats    registry.Stats     `json:"stats"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	stats, err := s.store.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list, Stats: stats})
}

// ================================================================================
// HELPERS
// ================================================================================

// statusFor maps protocol failures onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, keyagree.ErrKeyAgreement):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, frames.ErrSelectionConflict),
		errors.Is(err, frames.ErrFrameIndexOutOfRange),
		errors.Is(err, stego.ErrMarkerNotFound),
		errors.Is(err, stego.ErrCapacityExceeded),
		errors.Is(err, envelope.ErrPaddingOrFormat):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	logging.For("control", "writeError").WithField("status", status).WithError(err).Debug("Request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

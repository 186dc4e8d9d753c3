package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/faanross/simulacra_vid/internal/frames"
	"github.com/faanross/simulacra_vid/internal/keyagree"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is a step of the sender or receiver state machine
type State int

const (
	StateNew State = iota

	// shared by both roles
	StateKeyExchange1
	StateKeyExchange2

	// sender
	StateListening
	StateSigningAndEncrypting
	StateFrameSelection
	StateEmbedding
	StateReassembly
	StateTransmitting
	StateDone

	// receiver
	StateConnecting
	StateReceivingKeyAndVideo
	StateReceived
	StateExtractSignatureFrame
	StateExtractKeyFrame
	StateExtractMessageFrame
	StateDecrypting
	StateVerifying
	StateReady

	StateFailed
)

var stateNames = map[State]string{
	StateNew:                   "New",
	StateKeyExchange1:          "KeyExchange1",
	StateKeyExchange2:          "KeyExchange2",
	StateListening:             "Listening",
	StateSigningAndEncrypting:  "SigningAndEncrypting",
	StateFrameSelection:        "FrameSelection",
	StateEmbedding:             "Embedding",
	StateReassembly:            "Reassembly",
	StateTransmitting:          "Transmitting",
	StateDone:                  "Done",
	StateConnecting:            "Connecting",
	StateReceivingKeyAndVideo:  "ReceivingKeyAndVideo",
	StateReceived:              "Received",
	StateExtractSignatureFrame: "ExtractSignatureFrame",
	StateExtractKeyFrame:       "ExtractKeyFrame",
	StateExtractMessageFrame:   "ExtractMessageFrame",
	StateDecrypting:            "Decrypting",
	StateVerifying:             "Verifying",
	StateReady:                 "Ready",
	StateFailed:                "Failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// ParseState is the inverse of State.String
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateNew, false
}

// Terminal reports whether no further transitions follow s
func (s State) Terminal() bool {
	return s == StateDone || s == StateReady || s == StateReceived || s == StateFailed
}

// Role says which side of the protocol a session plays
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// Result is what a finished receiver session hands back
type Result struct {
	Message      []byte
	Verified     bool
	VideoPath    string
	PlayablePath string // empty when no conversion ran
	Fingerprint  string
	Selection    frames.Selection
}

// Snapshot is a consistent copy of a session's observable fields
type Snapshot struct {
	ID          string
	Role        Role
	State       State
	Secrets     keyagree.Secrets
	HaveSecrets bool
	Selection   *frames.Selection
	Fingerprint string
	VideoPath   string
	Verified    bool
	Complete    bool
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Observer is called after every change, outside the session lock
type Observer func(Snapshot)

// Session is one run of the sender or receiver state machine.
// It is safe for concurrent use: the running task writes, anyone may read.
type Session struct {
	id        string
	role      Role
	observers []Observer

	mu          sync.RWMutex
	state       State
	secrets     keyagree.Secrets
	haveSecrets bool
	selection   *frames.Selection
	fingerprint string
	publicKey   []byte
	videoPath   string
	result      *Result
	err         error
	created     time.Time
	updated     time.Time
	cancel      context.CancelFunc
	started     bool

	done chan struct{}
}

// NewSession creates an idle session with a random id
func NewSession(role Role, observers ...Observer) *Session {
	now := time.Now()
	return &Session{
		id:        newID(),
		role:      role,
		observers: observers,
		state:     StateNew,
		created:   now,
		updated:   now,
		done:      make(chan struct{}),
	}
}

func newID() string {
	return uuid.NewString()
}

// ID identifies the session in logs, the registry and the control API
func (s *Session) ID() string { return s.id }

// Role of this session
func (s *Session) Role() Role { return s.role }

// Done is closed once the session's task has returned
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that failed the session, if any
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Secrets returns the agreed secrets once key agreement has finished
func (s *Session) Secrets() (keyagree.Secrets, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secrets, s.haveSecrets
}

// PublicKey returns the PEM verification key once it is known
func (s *Session) PublicKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKey
}

// Result returns the receiver outcome once the session is Ready
func (s *Session) Result() *Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// Wait blocks until the session finishes or ctx is done
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel aborts a running session; I/O bound to it unblocks promptly
func (s *Session) Cancel() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Snapshot copies the observable state
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:          s.id,
		Role:        s.role,
		State:       s.state,
		Secrets:     s.secrets,
		HaveSecrets: s.haveSecrets,
		Fingerprint: s.fingerprint,
		VideoPath:   s.videoPath,
		CreatedAt:   s.created,
		UpdatedAt:   s.updated,
	}
	if s.selection != nil {
		sel := *s.selection
		snap.Selection = &sel
	}
	if s.result != nil {
		snap.Verified = s.result.Verified
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	snap.Complete = s.state.Terminal() && s.state != StateFailed
	return snap
}

// update applies fn under the lock and notifies observers
func (s *Session) update(fn func(*Session)) {
	s.mu.Lock()
	fn(s)
	s.updated = time.Now()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, obs := range s.observers {
		obs(snap)
	}
}

func (s *Session) setState(state State) {
	s.update(func(s *Session) { s.state = state })

	logrus.WithFields(logrus.Fields{
		"function": "setState",
		"session":  s.id,
		"role":     string(s.role),
		"state":    state.String(),
	}).Debug("Session state changed")
}

func (s *Session) setSecrets(secrets keyagree.Secrets) {
	s.update(func(s *Session) {
		s.secrets = secrets
		s.haveSecrets = true
	})
}

func (s *Session) setSelection(sel frames.Selection) {
	s.update(func(s *Session) { s.selection = &sel })
}

func (s *Session) setPublicKey(pemBytes []byte, fp string) {
	s.update(func(s *Session) {
		s.publicKey = pemBytes
		s.fingerprint = fp
	})
}

func (s *Session) setVideoPath(path string) {
	s.update(func(s *Session) { s.videoPath = path })
}

var errAlreadyStarted = errors.New("session already started")

// begin claims the session for one task and derives its context
func (s *Session) begin(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, errAlreadyStarted
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	return ctx, nil
}

// finish records the outcome and releases waiters
func (s *Session) finish(final State, result *Result, err error) {
	s.update(func(s *Session) {
		if err != nil {
			s.state = StateFailed
			s.err = err
		} else {
			s.state = final
			s.result = result
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
	close(s.done)

	entry := logrus.WithFields(logrus.Fields{
		"function": "finish",
		"session":  s.id,
		"role":     string(s.role),
	})
	if err != nil {
		entry.WithError(err).Error("Session failed")
		return
	}
	entry.WithField("state", final.String()).Info("Session complete")
}

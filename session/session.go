// Package session implements the slot/session state machine of spec.md
// section 4.5: RO-public/RW-public/RO-user/RW-user/RW-SO transitions,
// per-session independent crypto operation slots, the single active
// search cursor, and session-scoped object cleanup on close. It
// orchestrates login/logout across every session bound to a slot by
// calling into the token package, which itself has no notion of
// sessions — session depends on token, never the reverse.
package session

import (
	"sync"

	"github.com/kryptolib/p11token/ckerror"
	"github.com/kryptolib/p11token/mechanism"
	"github.com/kryptolib/p11token/object"
	"github.com/kryptolib/p11token/token"
)

// SlotID identifies a slot, analogous to CK_SLOT_ID.
type SlotID uint64

// Handle is a session handle. 0 is reserved and always invalid, mirroring
// object.InvalidHandle.
type Handle uint64

const InvalidHandle Handle = 0

var handleCounter struct {
	mu   sync.Mutex
	next Handle
}

// nextHandle allocates a fresh, monotonically increasing session
// handle, shared process-wide per spec.md section 4.5 (the same
// "monotone counter per process" rule section 4.4 states for objects).
func nextHandle() Handle {
	handleCounter.mu.Lock()
	defer handleCounter.mu.Unlock()
	handleCounter.next++
	return handleCounter.next
}

// State is the five-way session state machine of spec.md section 4.5.
type State int

const (
	ROPublic State = iota
	RWPublic
	ROUser
	RWUser
	RWSO
)

func (s State) readWrite() bool {
	return s == RWPublic || s == RWUser || s == RWSO
}

func (s State) userLoggedIn() bool { return s == ROUser || s == RWUser }
func (s State) soLoggedIn() bool   { return s == RWSO }

func (s State) toCtx() token.SessionContext {
	return token.SessionContext{
		ReadWrite:    s.readWrite(),
		UserLoggedIn: s.userLoggedIn(),
		SOLoggedIn:   s.soLoggedIn(),
	}
}

// OpKind names one of the five independent per-session operation slots
// (spec.md section 4.2: "each session tracks up to five independent
// active operations — encrypt, decrypt, sign, verify, digest").
type OpKind int

const (
	OpEncrypt OpKind = iota
	OpDecrypt
	OpSign
	OpVerify
	OpDigest
)

// activeOp is the per-kind operation slot. Exactly one of the typed
// fields is non-nil for a given kind.
type activeOp struct {
	crypt  mechanism.CryptOp
	sign   mechanism.SignOp
	verify mechanism.VerifyOp
	digest mechanism.DigestOp
}

// Session is one open session on a Slot.
type Session struct {
	mu sync.Mutex

	handle Handle
	slotID SlotID
	state  State

	ops map[OpKind]*activeOp

	searchArmed   bool
	searchResults []object.Handle
	searchPos     int

	// owned tracks session-scoped (non-token) objects created through
	// this session, so CloseSession can drop them per spec.md section
	// 4.5: "closing a session ... drops owned non-token objects."
	owned []object.Handle
}

func (s *Session) Handle() Handle { return s.handle }
func (s *Session) SlotID() SlotID { return s.slotID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Context returns the token.SessionContext reflecting this session's
// current privilege, to pass into Token operations.
func (s *Session) Context() token.SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.toCtx()
}

// TrackOwned records a newly created session object (CKA_TOKEN false)
// as owned by this session.
func (s *Session) TrackOwned(h object.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned = append(s.owned, h)
}

// Slot binds one SlotID to its Token and tracks every Session opened
// against it.
type Slot struct {
	mu       sync.RWMutex
	id       SlotID
	tok      *token.Token
	sessions map[Handle]*Session
}

func (sl *Slot) ID() SlotID       { return sl.id }
func (sl *Slot) Token() *token.Token { return sl.tok }

// anyState reports whether some session on the slot currently
// satisfies pred. Caller must hold sl.mu.
func (sl *Slot) anyState(pred func(State) bool) bool {
	for _, s := range sl.sessions {
		if pred(s.State()) {
			return true
		}
	}
	return false
}

// userLoggedIn reports whether any session on the slot reflects an
// active user (or SO) login — used to decide a freshly opened
// session's initial state.
func (sl *Slot) userLoggedIn() (userIn, soIn bool) {
	for _, s := range sl.sessions {
		switch s.State() {
		case ROUser, RWUser:
			userIn = true
		case RWSO:
			soIn = true
		}
	}
	return
}

// OpenSession implements spec.md section 4.5's session-open rule:
// opening a read-only session while any RW-SO session exists on the
// slot fails Session-Read-Write-SO-Exists. A freshly opened session
// inherits the slot's current login state (public/user), since login
// is slot-wide, not per-session.
func (sl *Slot) OpenSession(readWrite bool) (*Session, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !readWrite && sl.anyState(func(st State) bool { return st == RWSO }) {
		return nil, ckerror.New(ckerror.SessionReadWriteSOExists)
	}

	userIn, soIn := sl.userLoggedIn()
	var state State
	switch {
	case soIn:
		// SO is exclusively RW; a new session on an SO-logged-in slot
		// can only be opened read-write, which was already checked
		// above ... SO login itself only allows RW sessions to exist,
		// so the !readWrite branch already rejected this case.
		state = RWSO
	case userIn && readWrite:
		state = RWUser
	case userIn:
		state = ROUser
	case readWrite:
		state = RWPublic
	default:
		state = ROPublic
	}

	s := &Session{
		handle: nextHandle(),
		slotID: sl.id,
		state:  state,
		ops:    make(map[OpKind]*activeOp),
	}
	sl.sessions[s.handle] = s
	return s, nil
}

// CloseSession implements spec.md section 4.5: cancels the session's
// active operations, drops its owned non-token objects and removes it
// from the slot's table.
func (sl *Slot) CloseSession(handle Handle) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	s, ok := sl.sessions[handle]
	if !ok {
		return ckerror.New(ckerror.SessionHandleInvalid)
	}
	delete(sl.sessions, handle)
	s.CancelAll()
	for _, h := range s.owned {
		_ = sl.tok.DestroyObject(h)
	}
	return nil
}

// CloseAllSessions implements spec.md section 4.5's close_all_sessions:
// drops every session on the slot and logs the token out.
func (sl *Slot) CloseAllSessions() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for handle, s := range sl.sessions {
		for _, h := range s.owned {
			_ = sl.tok.DestroyObject(h)
		}
		delete(sl.sessions, handle)
	}
	sl.tok.Logout()
}

// Login implements spec.md section 4.5's cross-session login
// propagation: a successful login changes every session on the slot
// atomically. SO login additionally requires no RO session exists on
// the slot (Session-Read-Only-Exists), and the initiating session must
// itself be read-write.
func (sl *Slot) Login(handle Handle, userType token.UserType, pin []byte) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	caller, ok := sl.sessions[handle]
	if !ok {
		return ckerror.New(ckerror.SessionHandleInvalid)
	}

	if userType == token.SO {
		if !caller.State().readWrite() {
			return ckerror.New(ckerror.SessionReadOnly)
		}
		if sl.anyState(func(st State) bool { return st == ROPublic || st == ROUser }) {
			return ckerror.New(ckerror.SessionReadOnlyExists)
		}
		if err := sl.tok.Login(token.SO, pin); err != nil {
			return err
		}
		for _, s := range sl.sessions {
			s.mu.Lock()
			s.state = RWSO
			s.mu.Unlock()
		}
		return nil
	}

	if caller.State() == RWSO {
		return ckerror.New(ckerror.UserAnotherAlreadyLoggedIn)
	}
	if err := sl.tok.Login(token.User, pin); err != nil {
		return err
	}
	for _, s := range sl.sessions {
		s.mu.Lock()
		if s.state == RWPublic {
			s.state = RWUser
		} else if s.state == ROPublic {
			s.state = ROUser
		}
		s.mu.Unlock()
	}
	return nil
}

// Logout implements spec.md section 4.5: logs the token out and
// returns every session on the slot to its public equivalent state.
func (sl *Slot) Logout() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.tok.Logout()
	for _, s := range sl.sessions {
		s.mu.Lock()
		switch s.state {
		case RWUser, RWSO:
			s.state = RWPublic
		case ROUser:
			s.state = ROPublic
		}
		s.mu.Unlock()
	}
}

// SlotRegistry is the process-wide singleton of spec.md section 4.5:
// initialized slots, their bound tokens, and session tables. Lock
// ordering follows spec.md section 5: SLOTS before SESSIONS — callers
// needing both always acquire the Slot through the registry first,
// then the Session, never the reverse.
type SlotRegistry struct {
	mu    sync.RWMutex
	slots map[SlotID]*Slot
}

func NewSlotRegistry() *SlotRegistry {
	return &SlotRegistry{slots: make(map[SlotID]*Slot)}
}

// AddSlot registers a new slot bound to tok. Typically called once at
// process start per configured token.
func (r *SlotRegistry) AddSlot(id SlotID, tok *token.Token) *Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	sl := &Slot{id: id, tok: tok, sessions: make(map[Handle]*Session)}
	r.slots[id] = sl
	return sl
}

func (r *SlotRegistry) Slot(id SlotID) (*Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sl, ok := r.slots[id]
	if !ok {
		return nil, ckerror.New(ckerror.SlotIDInvalid)
	}
	return sl, nil
}

// Slots returns every registered slot, for a host enumerating
// available tokens.
func (r *SlotRegistry) Slots() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Slot, 0, len(r.slots))
	for _, sl := range r.slots {
		out = append(out, sl)
	}
	return out
}

// FindSession locates the Slot and Session owning handle, searching
// every registered slot. Used by the ABI adapter, which addresses
// sessions by a process-wide handle without knowing the slot ahead of
// time.
func (r *SlotRegistry) FindSession(handle Handle) (*Slot, *Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sl := range r.slots {
		sl.mu.RLock()
		s, ok := sl.sessions[handle]
		sl.mu.RUnlock()
		if ok {
			return sl, s, nil
		}
	}
	return nil, nil, ckerror.New(ckerror.SessionHandleInvalid)
}

// --- per-session operation slots (spec.md section 4.2) ---

func (s *Session) opSlot(kind OpKind) *activeOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[kind]
}

func (s *Session) setOpSlot(kind OpKind, op *activeOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[kind] = op
}

func (s *Session) clearOpSlot(kind OpKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ops, kind)
}

func initCrypt(s *Session, kind OpKind, factory func() (mechanism.CryptOp, error)) error {
	if s.opSlot(kind) != nil {
		return ckerror.New(ckerror.OperationActive)
	}
	op, err := factory()
	if err != nil {
		return err
	}
	s.setOpSlot(kind, &activeOp{crypt: op})
	return nil
}

func updateCrypt(s *Session, kind OpKind, input []byte) ([]byte, error) {
	slot := s.opSlot(kind)
	if slot == nil || slot.crypt == nil {
		return nil, ckerror.New(ckerror.OperationNotInitialized)
	}
	return slot.crypt.Update(input)
}

func finalCrypt(s *Session, kind OpKind) ([]byte, error) {
	slot := s.opSlot(kind)
	if slot == nil || slot.crypt == nil {
		return nil, ckerror.New(ckerror.OperationNotInitialized)
	}
	s.clearOpSlot(kind)
	return slot.crypt.Final()
}

// StartEncrypt/StartDecrypt/UpdateEncrypt.../FinalEncrypt... give the
// ABI adapter a session-scoped crypto operation without it needing to
// know about activeOp's internal shape.
func (s *Session) StartEncrypt(op mechanism.CryptOp) error {
	return initCrypt(s, OpEncrypt, func() (mechanism.CryptOp, error) { return op, nil })
}
func (s *Session) UpdateEncrypt(input []byte) ([]byte, error) { return updateCrypt(s, OpEncrypt, input) }
func (s *Session) FinalEncrypt() ([]byte, error)              { return finalCrypt(s, OpEncrypt) }

func (s *Session) StartDecrypt(op mechanism.CryptOp) error {
	return initCrypt(s, OpDecrypt, func() (mechanism.CryptOp, error) { return op, nil })
}
func (s *Session) UpdateDecrypt(input []byte) ([]byte, error) { return updateCrypt(s, OpDecrypt, input) }
func (s *Session) FinalDecrypt() ([]byte, error)              { return finalCrypt(s, OpDecrypt) }

func (s *Session) StartDigest(op mechanism.DigestOp) error {
	if s.opSlot(OpDigest) != nil {
		return ckerror.New(ckerror.OperationActive)
	}
	s.setOpSlot(OpDigest, &activeOp{digest: op})
	return nil
}
func (s *Session) UpdateDigest(input []byte) error {
	slot := s.opSlot(OpDigest)
	if slot == nil || slot.digest == nil {
		return ckerror.New(ckerror.OperationNotInitialized)
	}
	return slot.digest.Update(input)
}
func (s *Session) FinalDigest() ([]byte, error) {
	slot := s.opSlot(OpDigest)
	if slot == nil || slot.digest == nil {
		return nil, ckerror.New(ckerror.OperationNotInitialized)
	}
	s.clearOpSlot(OpDigest)
	return slot.digest.Final()
}

func (s *Session) StartSign(op mechanism.SignOp) error {
	if s.opSlot(OpSign) != nil {
		return ckerror.New(ckerror.OperationActive)
	}
	s.setOpSlot(OpSign, &activeOp{sign: op})
	return nil
}
func (s *Session) UpdateSign(input []byte) error {
	slot := s.opSlot(OpSign)
	if slot == nil || slot.sign == nil {
		return ckerror.New(ckerror.OperationNotInitialized)
	}
	return slot.sign.Update(input)
}
func (s *Session) FinalSign() ([]byte, error) {
	slot := s.opSlot(OpSign)
	if slot == nil || slot.sign == nil {
		return nil, ckerror.New(ckerror.OperationNotInitialized)
	}
	s.clearOpSlot(OpSign)
	return slot.sign.Final()
}

func (s *Session) StartVerify(op mechanism.VerifyOp) error {
	if s.opSlot(OpVerify) != nil {
		return ckerror.New(ckerror.OperationActive)
	}
	s.setOpSlot(OpVerify, &activeOp{verify: op})
	return nil
}
func (s *Session) UpdateVerify(input []byte) error {
	slot := s.opSlot(OpVerify)
	if slot == nil || slot.verify == nil {
		return ckerror.New(ckerror.OperationNotInitialized)
	}
	return slot.verify.Update(input)
}
func (s *Session) FinalVerify(sig []byte) (bool, error) {
	slot := s.opSlot(OpVerify)
	if slot == nil || slot.verify == nil {
		return false, ckerror.New(ckerror.OperationNotInitialized)
	}
	s.clearOpSlot(OpVerify)
	return slot.verify.Final(sig)
}

// CancelAll clears every active operation slot, used when closing a
// session (spec.md section 4.5: "closing a session cancels its active
// operation").
func (s *Session) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make(map[OpKind]*activeOp)
}

// --- search cursor (spec.md section 4.4/4.5: at most one active
// search per session) ---

// InitSearch arms the session's search cursor with a snapshot of
// matching handles. Fails Operation-Active if a search is already
// armed.
func (s *Session) InitSearch(results []object.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searchArmed {
		return ckerror.New(ckerror.OperationActive)
	}
	s.searchArmed = true
	s.searchResults = results
	s.searchPos = 0
	return nil
}

// FindNext returns up to max handles from the armed cursor, advancing
// its position.
func (s *Session) FindNext(max int) ([]object.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.searchArmed {
		return nil, ckerror.New(ckerror.OperationNotInitialized)
	}
	remaining := len(s.searchResults) - s.searchPos
	if remaining <= 0 {
		return nil, nil
	}
	if max > remaining || max <= 0 {
		max = remaining
	}
	out := s.searchResults[s.searchPos : s.searchPos+max]
	s.searchPos += max
	return out, nil
}

// FinalSearch disarms the session's search cursor.
func (s *Session) FinalSearch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.searchArmed {
		return ckerror.New(ckerror.OperationNotInitialized)
	}
	s.searchArmed = false
	s.searchResults = nil
	s.searchPos = 0
	return nil
}


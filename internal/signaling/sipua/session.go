package sipua

import (
	"context"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

type direction int

const (
	inbound direction = iota
	outbound
)

func (d direction) String() string {
	if d == inbound {
		return "inbound"
	}
	return "outbound"
}

// session is one SIP dialog (or dialog attempt) and its media session.
type session struct {
	handle b2bua.SessionHandle
	dir    direction
	callID string

	mu           sync.Mutex
	state        b2bua.LegState
	remote       *remoteMedia
	localSDP     []byte
	progressSent bool

	// Inbound: the received INVITE, its transaction and, once answered, the
	// sipgo dialog.
	invite  *sip.Request
	tx      sip.ServerTransaction
	dialog  *sipgo.DialogServerSession
	acked   chan struct{}
	ackSeen bool

	// Outbound: the 2xx that established the dialog, the next in-dialog CSeq
	// and the account used for digest retries.
	answer     *sip.Response
	cseq       uint32
	account    b2bua.Account
	stopInvite context.CancelFunc
}

func newHandle(prefix string) b2bua.SessionHandle {
	return b2bua.SessionHandle(prefix + "-" + uuid.NewString())
}

func (s *session) answered() bool {
	if s.dir == inbound {
		return s.dialog != nil
	}
	return s.answer != nil
}

func (s *session) summary() []b2bua.MediaInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remote == nil {
		return nil
	}
	return append([]b2bua.MediaInfo(nil), s.remote.Summary...)
}

// Info is a snapshot of a session for the admin API.
type Info struct {
	Handle    b2bua.SessionHandle `json:"handle"`
	Direction string              `json:"direction"`
	CallID    string              `json:"call_id"`
	State     string              `json:"state"`
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		Handle:    s.handle,
		Direction: s.dir.String(),
		CallID:    s.callID,
		State:     s.state.String(),
	}
}

func callIDOf(req *sip.Request) string {
	if h := req.CallID(); h != nil {
		return string(*h)
	}
	return ""
}

func toTag(req *sip.Request) string {
	if to := req.To(); to != nil {
		if tag, ok := to.Params.Get("tag"); ok {
			return tag
		}
	}
	return ""
}

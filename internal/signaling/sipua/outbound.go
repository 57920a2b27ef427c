package sipua

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

// CreateOutbound implements b2bua.Signaling. The INVITE runs in the
// background; progress is reported through the notifier. The attempt is
// abandoned (CANCEL) when ctx is done before an answer.
func (a *Agent) CreateOutbound(ctx context.Context, account b2bua.Account, destination string) (b2bua.SessionHandle, error) {
	target, err := targetURI(destination, account.Host)
	if err != nil {
		return "", err
	}

	h := newHandle("out")
	localAddr, localPort, err := a.media.OpenSession(h)
	if err != nil {
		return "", fmt.Errorf("allocate media: %w", err)
	}
	offer, err := buildSDP(localAddr, localPort, dirSendRecv)
	if err != nil {
		a.media.CloseSession(h)
		return "", err
	}

	callID := uuid.NewString()
	invite := a.buildInvite(target, account, callID, uuid.NewString()[:8], offer)

	inviteCtx, stop := context.WithCancel(a.ctx)
	s := &session{
		handle:     h,
		dir:        outbound,
		callID:     callID,
		localSDP:   offer,
		invite:     invite,
		cseq:       2,
		account:    account,
		stopInvite: stop,
	}
	a.add(s)
	a.setState(s, b2bua.LegStateCalling)

	unwatch := context.AfterFunc(ctx, stop)
	a.async(func() {
		defer stop()
		defer unwatch()
		a.runInvite(inviteCtx, s)
	})

	slog.Info("[SIP] Dialing", "session", h, "call_id", callID, "target", target.String())
	return h, nil
}

// contactHeader is the Contact we put in requests and answers.
func contactHeader(addr string, port int) sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{Scheme: "sip", User: "backtoback", Host: addr, Port: port},
		Params:  sip.NewParams(),
	}
}

// targetURI accepts a full SIP URI or a bare user part, which is sent to host.
func targetURI(destination, host string) (sip.Uri, error) {
	var uri sip.Uri
	raw := destination
	if !strings.HasPrefix(raw, "sip:") && !strings.HasPrefix(raw, "sips:") {
		if host == "" {
			return uri, fmt.Errorf("destination %q has no host and no account host is set", destination)
		}
		raw = "sip:" + destination + "@" + host
	}
	if err := sip.ParseUri(raw, &uri); err != nil {
		return uri, fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	return uri, nil
}

func (a *Agent) buildInvite(target sip.Uri, account b2bua.Account, callID, localTag string, sdpBody []byte) *sip.Request {
	invite := sip.NewRequest(sip.INVITE, target)

	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	fromHost, fromPort := a.cfg.AdvertiseAddr, a.cfg.Port
	if account.Host != "" {
		fromHost, fromPort = account.Host, 0
	}
	user := account.User
	if user == "" {
		user = "backtoback"
	}
	fromParams := sip.NewParams()
	fromParams.Add("tag", localTag)
	invite.AppendHeader(&sip.FromHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: fromHost, Port: fromPort},
		Params:  fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: target,
		Params:  sip.NewParams(),
	})

	callIDHdr := sip.CallIDHeader(callID)
	invite.AppendHeader(&callIDHdr)
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})

	contact := a.dialogUA.ContactHDR
	invite.AppendHeader(&contact)

	ct := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&ct)
	invite.SetBody(sdpBody)
	return invite
}

// runInvite drives the INVITE client transaction to a final outcome.
func (a *Agent) runInvite(ctx context.Context, s *session) {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout)
	defer cancel()

	s.mu.Lock()
	invite := s.invite
	s.mu.Unlock()

	tx, err := a.client.TransactionRequest(dialCtx, invite)
	if err != nil {
		slog.Warn("[SIP] INVITE failed", "session", s.handle, "error", err)
		a.setState(s, b2bua.LegStateDisconnected)
		return
	}
	defer func() { tx.Terminate() }()

	authTried := false
	for {
		select {
		case <-dialCtx.Done():
			reason := "cancelled"
			if ctx.Err() == nil {
				reason = "timeout"
			}
			slog.Info("[SIP] Abandoning INVITE", "session", s.handle, "reason", reason)
			a.sendCancel(s, invite)
			a.setState(s, b2bua.LegStateDisconnected)
			return

		case <-tx.Done():
			slog.Info("[SIP] INVITE transaction ended without answer", "session", s.handle, "error", tx.Err())
			a.setState(s, b2bua.LegStateDisconnected)
			return

		case resp := <-tx.Responses():
			if resp == nil {
				a.setState(s, b2bua.LegStateDisconnected)
				return
			}
			code := int(resp.StatusCode)
			slog.Debug("[SIP] Response", "session", s.handle, "status", code, "reason", resp.Reason)

			switch {
			case code == 100:

			case code < 200:
				if len(resp.Body()) > 0 {
					if err := a.applyRemote(s, resp.Body()); err != nil {
						slog.Warn("[SIP] Early media not usable", "session", s.handle, "error", err)
					}
					a.setState(s, b2bua.LegStateEarly)
					a.mediaChanged(s)
				} else {
					a.setState(s, b2bua.LegStateEarly)
				}

			case code < 300:
				a.handleAnswer(s, invite, resp)
				return

			case (code == 401 || code == 407) && !authTried && s.account.Password != "":
				authTried = true
				authReq, err := authorize(invite, resp, s.account)
				if err != nil {
					slog.Warn("[SIP] Digest challenge failed", "session", s.handle, "error", err)
					a.setState(s, b2bua.LegStateDisconnected)
					return
				}
				tx.Terminate()
				tx, err = a.client.TransactionRequest(dialCtx, authReq,
					sipgo.ClientRequestIncreaseCSEQ,
					sipgo.ClientRequestAddVia,
				)
				if err != nil {
					slog.Warn("[SIP] Authenticated INVITE failed", "session", s.handle, "error", err)
					a.setState(s, b2bua.LegStateDisconnected)
					return
				}
				invite = authReq
				s.mu.Lock()
				s.invite = authReq
				if cseq := authReq.CSeq(); cseq != nil {
					s.cseq = cseq.SeqNo + 1
				}
				s.mu.Unlock()
				slog.Debug("[SIP] INVITE resent with credentials", "session", s.handle)

			default:
				slog.Info("[SIP] Call rejected", "session", s.handle, "status", code, "reason", resp.Reason)
				a.setState(s, b2bua.LegStateDisconnected)
				return
			}
		}
	}
}

func (a *Agent) handleAnswer(s *session, invite *sip.Request, resp *sip.Response) {
	if len(resp.Body()) > 0 {
		if err := a.applyRemote(s, resp.Body()); err != nil {
			slog.Warn("[SIP] Answer media not usable", "session", s.handle, "error", err)
		}
	}

	ack := buildAck(invite, resp)
	if err := a.client.WriteRequest(ack); err != nil {
		slog.Error("[SIP] Failed to send ACK", "session", s.handle, "error", err)
	}

	s.mu.Lock()
	s.answer = resp
	hungUp := s.state == b2bua.LegStateDisconnected
	var bye *sip.Request
	if hungUp {
		bye = buildBye(invite, resp, s.cseq)
		s.cseq++
	}
	s.mu.Unlock()

	if hungUp {
		// Answered after we gave up.
		slog.Info("[SIP] Late answer, hanging up", "session", s.handle)
		a.sendRequest(s, bye)
		return
	}

	slog.Info("[SIP] Call answered", "session", s.handle, "call_id", s.callID)
	a.setState(s, b2bua.LegStateConfirmed)
	a.mediaChanged(s)
}

// authorize answers a 401/407 challenge.
func authorize(invite *sip.Request, resp *sip.Response, account b2bua.Account) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if resp.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}
	h := resp.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("%d without %s", resp.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parse challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   invite.Method.String(),
		URI:      invite.Recipient.String(),
		Username: account.User,
		Password: account.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("compute digest: %w", err)
	}

	authReq := invite.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// buildAck builds the ACK for a 2xx (RFC 3261 section 13.2.2.4): a new
// request to the remote target, outside the INVITE transaction.
func buildAck(invite *sip.Request, resp *sip.Response) *sip.Request {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}
	ack := sip.NewRequest(sip.ACK, requestURI)

	sip.CopyHeaders("From", invite, ack)
	sip.CopyHeaders("Call-ID", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	ack.SetDestination(responseDestination(resp, requestURI))
	return ack
}

// buildBye builds an in-dialog BYE for an outbound dialog established by resp.
func buildBye(invite *sip.Request, resp *sip.Response, cseq uint32) *sip.Request {
	requestURI := invite.Recipient
	if contact := resp.Contact(); contact != nil {
		requestURI = contact.Address
	}
	bye := sip.NewRequest(sip.BYE, requestURI)

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, bye)
	if to := resp.To(); to != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	sip.CopyHeaders("Call-ID", invite, bye)
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: sip.BYE})

	port := requestURI.Port
	if port == 0 {
		port = 5060
	}
	bye.SetDestination(requestURI.Host + ":" + strconv.Itoa(port))
	return bye
}

// buildCancel builds a CANCEL matching invite (RFC 3261 section 9.1).
func buildCancel(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}

func (a *Agent) sendCancel(s *session, invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := a.client.TransactionRequest(ctx, buildCancel(invite))
	if err != nil {
		slog.Warn("[SIP] Failed to send CANCEL", "session", s.handle, "error", err)
		return
	}
	defer tx.Terminate()

	select {
	case resp := <-tx.Responses():
		if resp != nil {
			slog.Debug("[SIP] CANCEL response", "session", s.handle, "status", resp.StatusCode)
		}
	case <-tx.Done():
	case <-ctx.Done():
	}
}

// responseDestination is where a response came from, falling back to the
// Via received/rport parameters and then to the target URI.
func responseDestination(resp *sip.Response, target sip.Uri) string {
	if src := resp.Source(); src != "" {
		return src
	}
	if via := resp.Via(); via != nil {
		host, port := via.Host, via.Port
		if received, ok := via.Params.Get("received"); ok {
			host = received
		}
		if rport, ok := via.Params.Get("rport"); ok {
			if p, err := strconv.Atoi(rport); err == nil {
				port = p
			}
		}
		if port == 0 {
			port = 5060
		}
		return host + ":" + strconv.Itoa(port)
	}
	port := target.Port
	if port == 0 {
		port = 5060
	}
	return target.Host + ":" + strconv.Itoa(port)
}

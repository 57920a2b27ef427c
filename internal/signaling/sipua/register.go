package sipua

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"

	"github.com/sebas/backtoback/internal/signaling/b2bua"
)

// RegistrationStatus is the state of the upstream account binding.
type RegistrationStatus string

const (
	RegistrationIdle       RegistrationStatus = "idle"
	RegistrationPending    RegistrationStatus = "registering"
	RegistrationRegistered RegistrationStatus = "registered"
	RegistrationFailed     RegistrationStatus = "failed"
)

const defaultRegisterExpiry = 300

// AccountRegistration keeps the configured account registered with its
// host. Run blocks until ctx is done and then removes the binding.
type AccountRegistration struct {
	client  *sipgo.Client
	account b2bua.Account
	contact sip.ContactHeader
	expiry  int
	callID  string

	mu        sync.Mutex
	cseq      uint32
	status    RegistrationStatus
	lastError string
	expiresAt time.Time
}

// NewAccountRegistration prepares a registration. expiry <= 0 uses 300s.
func NewAccountRegistration(client *sipgo.Client, account b2bua.Account, contact sip.ContactHeader, expiry int) (*AccountRegistration, error) {
	if account.Host == "" || account.User == "" {
		return nil, errors.New("account user and host are required for registration")
	}
	if expiry <= 0 {
		expiry = defaultRegisterExpiry
	}
	return &AccountRegistration{
		client:  client,
		account: account,
		contact: contact,
		expiry:  expiry,
		callID:  uuid.NewString(),
		status:  RegistrationIdle,
	}, nil
}

// Status returns the current state, the last error text and when the
// binding expires.
func (r *AccountRegistration) Status() (RegistrationStatus, string, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastError, r.expiresAt
}

func (r *AccountRegistration) setStatus(st RegistrationStatus, err error, expiresAt time.Time) {
	r.mu.Lock()
	r.status = st
	r.lastError = ""
	if err != nil {
		r.lastError = err.Error()
	}
	r.expiresAt = expiresAt
	r.mu.Unlock()
}

// Run registers, refreshes at 80% of the granted expiry and retries
// failures with exponential backoff.
func (r *AccountRegistration) Run(ctx context.Context) error {
	slog.Info("[Register] Starting account registration", "user", r.account.User, "host", r.account.Host, "expiry", r.expiry)

	retry := newBackoff()
	for {
		r.setStatus(RegistrationPending, nil, time.Time{})
		granted, err := r.send(ctx, r.expiry)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := retry.next()
			r.setStatus(RegistrationFailed, err, time.Time{})
			slog.Error("[Register] Registration failed", "host", r.account.Host, "error", err, "attempt", retry.attempt, "retry_in", delay.String())
			select {
			case <-ctx.Done():
			case <-time.After(delay):
				continue
			}
			break
		}

		retry.reset()
		r.setStatus(RegistrationRegistered, nil, time.Now().Add(time.Duration(granted)*time.Second))
		slog.Info("[Register] Registered", "host", r.account.Host, "expires_in", granted)

		refresh := time.Duration(float64(granted)*0.8) * time.Second
		select {
		case <-ctx.Done():
		case <-time.After(refresh):
			continue
		}
		break
	}

	return r.unregister()
}

func (r *AccountRegistration) unregister() error {
	st, _, _ := r.Status()
	if st != RegistrationRegistered {
		r.setStatus(RegistrationIdle, nil, time.Time{})
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := r.send(ctx, 0)
	r.setStatus(RegistrationIdle, nil, time.Time{})
	if err != nil {
		slog.Warn("[Register] Failed to remove binding", "host", r.account.Host, "error", err)
		return fmt.Errorf("unregister: %w", err)
	}
	slog.Info("[Register] Binding removed", "host", r.account.Host)
	return nil
}

// send performs one REGISTER, answering a single digest challenge, and
// returns the granted expiry.
func (r *AccountRegistration) send(ctx context.Context, expiry int) (int, error) {
	req, err := r.buildRegister(expiry)
	if err != nil {
		return 0, err
	}

	tx, err := r.client.TransactionRequest(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("send register: %w", err)
	}
	res, err := finalResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader, authzHeader := "WWW-Authenticate", "Authorization"
		if res.StatusCode == 407 {
			authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
		}
		h := res.GetHeader(authHeader)
		if h == nil {
			return 0, fmt.Errorf("%d without %s", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(h.Value())
		if err != nil {
			return 0, fmt.Errorf("parse challenge: %w", err)
		}
		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      req.Recipient.String(),
			Username: r.account.User,
			Password: r.account.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("compute digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("send authenticated register: %w", err)
		}
		res, err = finalResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("authenticated register response: %w", err)
		}
		if cseq := authReq.CSeq(); cseq != nil {
			r.mu.Lock()
			r.cseq = cseq.SeqNo
			r.mu.Unlock()
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register rejected: %d %s", res.StatusCode, res.Reason)
	}
	return grantedExpiry(res, expiry), nil
}

func (r *AccountRegistration) buildRegister(expiry int) (*sip.Request, error) {
	var recipient sip.Uri
	if err := sip.ParseUri("sip:"+r.account.Host, &recipient); err != nil {
		return nil, fmt.Errorf("invalid account host %q: %w", r.account.Host, err)
	}
	req := sip.NewRequest(sip.REGISTER, recipient)

	aor := sip.Uri{Scheme: "sip", User: r.account.User, Host: recipient.Host, Port: recipient.Port}
	fromParams := sip.NewParams()
	fromParams.Add("tag", uuid.NewString()[:8])
	req.AppendHeader(&sip.FromHeader{Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	callID := sip.CallIDHeader(r.callID)
	req.AppendHeader(&callID)

	r.mu.Lock()
	r.cseq++
	seq := r.cseq
	r.mu.Unlock()
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.REGISTER})

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	contact := r.contact
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	return req, nil
}

func finalResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				return nil, errors.New("transaction closed")
			}
			if res.StatusCode >= 200 {
				return res, nil
			}
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, err
			}
			return nil, errors.New("transaction terminated")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// grantedExpiry reads the registrar's expiry from the Contact expires
// parameter or the Expires header.
func grantedExpiry(res *sip.Response, requested int) int {
	if h := res.GetHeader("Contact"); h != nil {
		for _, part := range strings.Split(h.Value(), ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(k, "expires") {
				if n, err := strconv.Atoi(strings.Trim(v, `" >`)); err == nil && n > 0 {
					return n
				}
			}
		}
	}
	if h := res.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			return n
		}
	}
	return requested
}

type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff() *backoff {
	return &backoff{base: 5 * time.Second, max: 5 * time.Minute}
}

func (b *backoff) next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	b.attempt++
	// ±20% jitter
	d += time.Duration(float64(d) * 0.2 * (2*rand.Float64() - 1))
	return d
}

func (b *backoff) reset() { b.attempt = 0 }

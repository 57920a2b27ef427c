// Package registration answers REGISTER requests without keeping bindings.
package registration

import (
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
)

// Responder accepts every REGISTER by echoing the Contact and Expires it
// was sent. Nothing is stored: calls are never routed to registered users.
type Responder struct {
	enabled atomic.Bool
	served  atomic.Uint64
}

// NewResponder returns a disabled responder.
func NewResponder() *Responder {
	return &Responder{}
}

// Install routes REGISTER on srv to the responder and enables it.
func (r *Responder) Install(srv *sipgo.Server) {
	srv.OnRequest(sip.REGISTER, r.HandleRegister)
	r.enabled.Store(true)
	slog.Info("[REGISTER] Responder installed")
}

// Uninstall disables the responder. REGISTER is then refused with 405.
func (r *Responder) Uninstall() {
	if r.enabled.Swap(false) {
		slog.Info("[REGISTER] Responder uninstalled")
	}
}

// Enabled reports whether REGISTER requests are being accepted.
func (r *Responder) Enabled() bool {
	return r.enabled.Load()
}

// Served is the number of REGISTER requests answered with 200.
func (r *Responder) Served() uint64 {
	return r.served.Load()
}

// HandleRegister answers one REGISTER.
func (r *Responder) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	if !r.enabled.Load() {
		res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
		res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, BYE, CANCEL"))
		send(tx, res)
		return
	}

	contacts := req.GetHeaders("Contact")
	wildcard := false
	for _, h := range contacts {
		if h.Value() == "*" {
			wildcard = true
		}
	}
	if wildcard && len(contacts) > 1 {
		send(tx, sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Contact: * must be alone", nil))
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	for _, h := range contacts {
		res.AppendHeader(sip.NewHeader("Contact", h.Value()))
	}
	if exp := req.GetHeader("Expires"); exp != nil {
		res.AppendHeader(sip.NewHeader("Expires", exp.Value()))
	}
	addViaParams(res, req)
	res.AppendHeader(sip.NewHeader("Date", time.Now().UTC().Format(time.RFC1123)))

	if send(tx, res) {
		r.served.Add(1)
		aor := ""
		if to := req.To(); to != nil {
			aor = to.Address.String()
		}
		slog.Debug("[REGISTER] Accepted", "aor", aor, "from", req.Source(), "contacts", len(contacts))
	}
}

func send(tx sip.ServerTransaction, res *sip.Response) bool {
	if err := tx.Respond(res); err != nil {
		slog.Error("[REGISTER] Failed to send response", "status", res.StatusCode, "error", err)
		return false
	}
	return true
}

// addViaParams sets received and rport on the top Via (RFC 3581) so the
// client learns its public address.
func addViaParams(res *sip.Response, req *sip.Request) {
	via := res.Via()
	if via == nil {
		return
	}
	host, portStr, err := net.SplitHostPort(req.Source())
	if err != nil || host == "" {
		return
	}
	if via.Params == nil {
		via.Params = sip.NewParams()
	}
	via.Params.Add("received", host)
	if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
		via.Params.Add("rport", portStr)
	}
}

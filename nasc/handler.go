package nasc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"nnas/certificate"
	"nnas/common"
	"nnas/database"
	"nnas/device"
	"nnas/logging"
	"nnas/token"
	"strconv"
	"strings"
	"time"

	"github.com/logrusorgru/aurora/v3"
)

const nexTokenLifetime = time.Hour

// KeySource hands out token key material; *keys.Store is the production one.
type KeySource interface {
	TokenKeys(tokenType token.Type, name string) (token.Keys, error)
}

type Handler struct {
	Store    database.Store
	Keys     KeySource
	Verifier *certificate.Verifier

	// Overridable in tests
	Now       func() time.Time
	RandomPID func() uint32
}

// Reply is the set of plain-text fields sent back to the console.
type Reply map[string]string

// Encode applies the Nintendo base64 to every field and form-encodes the
// result. '*' stands in for '=' and must not be percent-escaped.
func (r Reply) Encode() []byte {
	param := url.Values{}
	for key, value := range r {
		param.Set(key, common.NintendoBase64EncodeString(value))
	}

	return []byte(strings.ReplaceAll(param.Encode(), "%2A", "*"))
}

func (r Reply) ReturnCode() string {
	return r["returncd"]
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) errorReply(code ReturnCode) Reply {
	return Reply{
		"retry":    "1",
		"returncd": code.Code,
		"datetime": common.GetDateTime(h.now()),
	}
}

// HandleRequest runs one /ac request. Protocol failures come back as a Reply
// carrying their return code; an error means the request could not be served
// at all.
func (h *Handler) HandleRequest(ctx context.Context, moduleName string, form url.Values) (Reply, error) {
	request, err := parseRequest(form)
	if err != nil {
		logging.Error(moduleName, "Rejected form:", err)
		return h.errorReply(ReturnNull), nil
	}

	logging.Info(moduleName, "Action", aurora.Cyan(request.Action), "title", aurora.Cyan(request.TitleID), "game", aurora.Cyan(request.Fields["gameid"]),
		"version", aurora.Cyan(request.Fields["gamever"]), "sdk", aurora.Cyan(request.Fields["sdkver"]))

	if request.Action != ActionLogin && request.Action != ActionSVCLOC {
		logging.Error(moduleName, "Unknown action:", aurora.Cyan(request.Action))
		return h.errorReply(ReturnNull), nil
	}

	cert, err := h.Verifier.Verify(request.FCDCert)
	if err != nil || !cert.Valid {
		logging.Error(moduleName, "Untrusted console certificate", aurora.BrightCyan(certificate.HashBytes(request.FCDCert)))
		return h.errorReply(ReturnUntrustedCertificate), nil
	}

	if !common.IsNintendoMACAddress(request.MAC) {
		logging.Error(moduleName, "Invalid MAC address:", aurora.Cyan(request.MAC))
		return h.errorReply(ReturnNull), nil
	}

	model, ok := device.ModelFromSerial(request.Serial)
	if !ok {
		logging.Error(moduleName, "Unknown console serial:", aurora.Cyan(request.Serial))
		return h.errorReply(ReturnNull), nil
	}

	identity := consoleIdentity{
		model:       model,
		serial:      request.Serial,
		macHash:     MACHash(request.MAC),
		fcdCertHash: cert.Hash(),
		environment: request.ServerType,
	}

	account, code, err := h.resolveAccount(ctx, moduleName, request, identity)
	if err != nil {
		return nil, err
	}
	if code != nil {
		return h.errorReply(*code), nil
	}

	// SVCLOC needs no NEX account: a certified console with a Nintendo MAC
	// is enough, and account is nil when the request carried no userid.
	if request.Action == ActionSVCLOC {
		return h.svcloc(request), nil
	}

	return h.login(ctx, moduleName, request, account)
}

// resolveAccount finds or registers the NEX account behind the request. A
// non-nil ReturnCode ends the request with that code.
func (h *Handler) resolveAccount(ctx context.Context, moduleName string, request Request, identity consoleIdentity) (*database.NEXAccount, *ReturnCode, error) {
	existing, err := h.Store.GetDeviceByFCDCertHash(ctx, identity.fcdCertHash)
	if err == nil && existing.Banned() {
		logging.Error(moduleName, "Banned device", aurora.Cyan(existing.ID))
		return nil, &ReturnBanned, nil
	} else if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, nil, err
	}

	if request.HasPID {
		account, err := h.Store.GetNEXAccountByPID(ctx, request.PID)
		if errors.Is(err, database.ErrNotFound) {
			logging.Error(moduleName, "No NEX account for PID", aurora.Cyan(request.PID))
			return nil, &ReturnBanned, nil
		} else if err != nil {
			return nil, nil, err
		}

		if account.Banned() {
			logging.Error(moduleName, "Banned NEX account", aurora.Cyan(request.PID))
			return nil, &ReturnBanned, nil
		}

		if err := h.Store.WithinTransaction(ctx, func(tx database.Store) error {
			_, err := linkDevice(ctx, tx, identity, account.PID)
			return err
		}); err != nil {
			return nil, nil, err
		}

		return &account, nil, nil
	}

	if request.registering() {
		account, err := h.register(ctx, moduleName, request, identity)
		if err != nil {
			logging.Error(moduleName, "Registration failed:", err)
			return nil, &ReturnRegistrationFailed, nil
		}

		return &account, nil, nil
	}

	if request.Action == ActionLogin {
		logging.Error(moduleName, "LOGIN without an account or registration password")
		return nil, &ReturnNull, nil
	}

	return nil, nil, nil
}

func (h *Handler) login(ctx context.Context, moduleName string, request Request, account *database.NEXAccount) (Reply, error) {
	titleID, err := request.titleID()
	if err != nil {
		logging.Error(moduleName, err)
		return h.errorReply(ReturnNull), nil
	}

	server, err := h.Store.GetServerByTitleID(ctx, request.TitleID, account.ServerAccessLevel)
	if errors.Is(err, database.ErrNotFound) {
		logging.Error(moduleName, "No server for title", aurora.Cyan(request.TitleID), "at", aurora.Cyan(account.ServerAccessLevel))
		return h.errorReply(ReturnServerNotFound), nil
	} else if err != nil {
		return nil, err
	}

	keys, err := h.Keys.TokenKeys(token.NEX, server.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("keys for %s: %w", server.ServiceName, err)
	}

	now := h.now()
	nexToken, err := token.Encode(keys, token.Token{
		SystemType: token.System3DS,
		Type:       token.NEX,
		PID:        account.PID,
		TitleID:    titleID,
		ExpireTime: token.ExpiresIn(now, nexTokenLifetime),
	}, token.Base64)
	if err != nil {
		return nil, err
	}

	logging.Notice(moduleName, "Issued NEX token for", aurora.Cyan(account.PID), "on", aurora.Cyan(server.ServiceName))
	return Reply{
		"locator":  net.JoinHostPort(server.IP, strconv.Itoa(int(server.Port))),
		"retry":    "0",
		"returncd": ReturnLogin.Code,
		"token":    nexToken,
		"datetime": common.GetDateTime(now),
	}, nil
}

func (h *Handler) svcloc(request Request) Reply {
	reply := Reply{
		"retry":      "0",
		"datetime":   common.GetDateTime(h.now()),
		"returncd":   ReturnServiceLocation.Code,
		"statusdata": "Y",
	}

	serviceToken := "CTR/SVCLOC/TOKEN"

	switch request.Service {
	default:
		reply["servicetoken"] = serviceToken
		reply["svchost"] = "n/a"

	case "9000":
		reply["token"] = serviceToken
		reply["svchost"] = "n/a"
	}

	return reply
}

package nnas

import (
	"encoding/xml"
	"errors"
	"net/http"
	"nnas/certificate"
	"nnas/database"
	"nnas/logging"
	"nnas/token"
	"strconv"
	"time"

	"github.com/logrusorgru/aurora/v3"
)

const (
	nexTokenLifetime     = time.Hour
	serviceTokenLifetime = 24 * time.Hour
)

type nexTokenResponse struct {
	XMLName     xml.Name `xml:"nex_token"`
	Host        string   `xml:"host"`
	NEXPassword string   `xml:"nex_password"`
	PID         uint32   `xml:"pid"`
	Port        uint16   `xml:"port"`
	Token       string   `xml:"token"`
}

type serviceTokenResponse struct {
	XMLName xml.Name `xml:"service_token"`
	Token   string   `xml:"token"`
}

func systemTypeFor(consoleType certificate.ConsoleType) token.SystemType {
	if consoleType == certificate.ConsoleWiiU {
		return token.SystemWiiU
	}
	return token.System3DS
}

// titleID reads X-Nintendo-Title-ID; service tokens for system applets may
// omit it.
func titleID(r *http.Request) (uint64, bool) {
	header := r.Header.Get("X-Nintendo-Title-ID")
	if header == "" {
		return 0, true
	}

	value, err := strconv.ParseUint(header, 16, 64)
	return value, err == nil
}

// nexAccount loads the NEX account owned by the access token's PID.
func (h *Handler) nexAccount(w http.ResponseWriter, r *http.Request, accessToken token.Token) (database.NEXAccount, bool) {
	account, err := h.Store.GetNEXAccountByOwningPID(r.Context(), accessToken.PID)
	if errors.Is(err, database.ErrNotFound) {
		logging.Error(moduleName(r), "No NEX account owned by", aurora.Cyan(accessToken.PID))
		replyError(w, ErrNotFound)
		return database.NEXAccount{}, false
	} else if err != nil {
		logging.Error(moduleName(r), "NEX account lookup failed:", err)
		replyError(w, ErrInternal)
		return database.NEXAccount{}, false
	}

	if account.Banned() {
		logging.Error(moduleName(r), "Banned NEX account", aurora.Cyan(account.PID))
		replyError(w, ErrAccountBanned)
		return database.NEXAccount{}, false
	}

	return account, true
}

func (h *Handler) mint(w http.ResponseWriter, r *http.Request, tokenType token.Type, server database.Server, plain token.Token) (string, bool) {
	keys, err := h.Keys.TokenKeys(tokenType, server.ServiceName)
	if err != nil {
		logging.Error(moduleName(r), "Keys for", aurora.Cyan(server.ServiceName), "unavailable:", err)
		replyError(w, ErrInternal)
		return "", false
	}

	encoded, err := token.Encode(keys, plain, encodingFor(r))
	if err != nil {
		logging.Error(moduleName(r), "Failed to encode", tokenType, "token:", err)
		replyError(w, ErrInternal)
		return "", false
	}

	return encoded, true
}

func (h *Handler) handleNEXToken(w http.ResponseWriter, r *http.Request) {
	accessToken := r.Context().Value(accessTokenKey).(token.Token)
	console := r.Context().Value(deviceKey).(deviceContext)

	gameServerID := r.URL.Query().Get("game_server_id")
	titleID, ok := titleID(r)
	if gameServerID == "" || !ok {
		replyError(w, ErrBadRequest)
		return
	}

	account, ok := h.nexAccount(w, r, accessToken)
	if !ok {
		return
	}

	server, err := h.Store.GetServerByGameServerID(r.Context(), gameServerID, account.ServerAccessLevel)
	if errors.Is(err, database.ErrNotFound) {
		logging.Error(moduleName(r), "No game server", aurora.Cyan(gameServerID))
		replyError(w, ErrNotFound)
		return
	} else if err != nil {
		logging.Error(moduleName(r), "Game server lookup failed:", err)
		replyError(w, ErrInternal)
		return
	}

	nexToken, ok := h.mint(w, r, token.NEX, server, token.Token{
		SystemType: systemTypeFor(console.consoleType),
		Type:       token.NEX,
		PID:        account.PID,
		TitleID:    titleID,
		ExpireTime: token.ExpiresIn(h.now(), nexTokenLifetime),
	})
	if !ok {
		return
	}

	logging.Notice(moduleName(r), "Issued NEX token for", aurora.Cyan(account.PID), "on", aurora.Cyan(server.ServiceName))
	replyXML(w, http.StatusOK, nexTokenResponse{
		Host:        server.IP,
		NEXPassword: account.Password,
		PID:         account.PID,
		Port:        server.Port,
		Token:       nexToken,
	})
}

func (h *Handler) handleServiceToken(w http.ResponseWriter, r *http.Request) {
	accessToken := r.Context().Value(accessTokenKey).(token.Token)
	console := r.Context().Value(deviceKey).(deviceContext)

	clientID := r.Header.Get("X-Nintendo-Client-ID")
	titleID, ok := titleID(r)
	if clientID == "" || !ok {
		replyError(w, ErrBadRequest)
		return
	}

	account, ok := h.nexAccount(w, r, accessToken)
	if !ok {
		return
	}

	server, err := h.Store.GetServerByClientID(r.Context(), clientID, account.ServerAccessLevel)
	if errors.Is(err, database.ErrNotFound) {
		logging.Error(moduleName(r), "No service for client", aurora.Cyan(clientID))
		replyError(w, ErrNotFound)
		return
	} else if err != nil {
		logging.Error(moduleName(r), "Service lookup failed:", err)
		replyError(w, ErrInternal)
		return
	}

	serviceToken, ok := h.mint(w, r, token.Service, server, token.Token{
		SystemType: systemTypeFor(console.consoleType),
		Type:       token.Service,
		PID:        accessToken.PID,
		TitleID:    titleID,
		ExpireTime: token.ExpiresIn(h.now(), serviceTokenLifetime),
	})
	if !ok {
		return
	}

	logging.Notice(moduleName(r), "Issued service token for", aurora.Cyan(accessToken.PID), "on", aurora.Cyan(server.ServiceName))
	replyXML(w, http.StatusOK, serviceTokenResponse{Token: serviceToken})
}

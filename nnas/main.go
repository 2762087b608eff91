package nnas

import (
	"net"
	"net/http"
	"nnas/common"
	"nnas/database"
	"nnas/device"
	"nnas/logging"
	"nnas/token"
	"time"

	"github.com/gorilla/mux"
	"github.com/logrusorgru/aurora/v3"
	"golang.org/x/net/netutil"
)

const ModuleName = "NNAS"

type KeySource interface {
	TokenKeys(tokenType token.Type, name string) (token.Keys, error)
}

// Handler serves the token provider endpoints of the account server.
type Handler struct {
	Store   database.Store
	Keys    KeySource
	Devices *device.Evaluator

	Now func() time.Time
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func NewRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logging.Info(moduleName(r), aurora.Yellow(r.Method), aurora.Cyan(r.URL), "via", aurora.Cyan(r.Host))
			next.ServeHTTP(w, r)
		})
	})

	provider := router.PathPrefix("/v1/api/provider").Subrouter()
	provider.Use(h.requireDevice, h.requireAccessToken)
	provider.HandleFunc("/nex_token/@me", h.handleNEXToken).Methods(http.MethodGet)
	provider.HandleFunc("/service_token/@me", h.handleServiceToken).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		replyError(w, ErrNotFound)
	})
	return router
}

func StartServer(config common.Config, handler *Handler) {
	address := net.JoinHostPort(*config.NNASAddress, config.NNASPort)

	listener, err := net.Listen("tcp", address)
	if err != nil {
		panic(err)
	}

	server := &http.Server{
		Handler:           NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	logging.Notice(ModuleName, "Starting HTTP server on", aurora.BrightCyan(address))
	panic(server.Serve(netutil.LimitListener(listener, *config.MaxConnections)))
}

package nasc

import (
	"net"
	"net/http"
	"nnas/common"
	"nnas/logging"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/logrusorgru/aurora/v3"
	"golang.org/x/net/netutil"
)

const ModuleName = "NASC"

// NewRouter mounts the handler at POST /ac on nasc.* hosts.
func NewRouter(handler *Handler) *mux.Router {
	router := mux.NewRouter()
	router.Host("nasc.{domain:.+}").Path("/ac").Methods(http.MethodPost).Handler(handler)
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.Warn(ModuleName, "No route for", aurora.Yellow(r.Method), aurora.Cyan(r.URL), "via", aurora.Cyan(r.Host))
		replyHTTPError(w, http.StatusNotFound, "404 Not Found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		replyHTTPError(w, http.StatusMethodNotAllowed, "405 Method Not Allowed")
	})
	return router
}

func StartServer(config common.Config, handler *Handler) {
	address := net.JoinHostPort(*config.NASCAddress, config.NASCPort)

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

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	moduleName := ModuleName + ":" + r.RemoteAddr
	logging.Info(moduleName, aurora.Yellow(r.Method), aurora.Cyan(r.URL), "via", aurora.Cyan(r.Host))

	if err := r.ParseForm(); err != nil {
		logging.Error(moduleName, "Failed to parse form")
		replyHTTPError(w, http.StatusBadRequest, "400 Bad Request")
		return
	}

	reply, err := h.HandleRequest(r.Context(), moduleName, r.PostForm)
	if err != nil {
		logging.Error(moduleName, "Request failed:", err)
		replyHTTPError(w, http.StatusInternalServerError, "500 Internal Server Error")
		return
	}

	logging.Info(moduleName, "Replying with return code", aurora.Cyan(reply.ReturnCode()))

	response := reply.Encode()
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.Write(response)
}

func replyHTTPError(w http.ResponseWriter, errorCode int, errorString string) {
	response := "<html>\n"
	response += "<head><title>" + errorString + "</title></head>\n"
	response += "<body>\n"
	response += "<center><h1>" + errorString + "</h1></center>\n"
	response += "</body>\n"
	response += "</html>\n"

	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.WriteHeader(errorCode)
	w.Write([]byte(response))
}

package nnas

import (
	"context"
	"errors"
	"net/http"
	"nnas/certificate"
	"nnas/database"
	"nnas/device"
	"nnas/logging"
	"nnas/token"
	"strings"

	"github.com/logrusorgru/aurora/v3"
)

type contextKey int

const (
	deviceKey contextKey = iota
	accessTokenKey
)

type deviceContext struct {
	device      database.Device
	consoleType certificate.ConsoleType
}

func moduleName(r *http.Request) string {
	return ModuleName + ":" + r.RemoteAddr
}

// requireDevice runs the device trust checks over the X-Nintendo headers.
func (h *Handler) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		module := moduleName(r)

		found, cert, err := h.Devices.Evaluate(r.Context(), device.Identity{
			Certificate:  r.Header.Get("X-Nintendo-Device-Cert"),
			DeviceID:     r.Header.Get("X-Nintendo-Device-ID"),
			SerialNumber: r.Header.Get("X-Nintendo-Serial-Number"),
		})

		switch {
		case err == nil:

		case errors.Is(err, device.ErrBanned):
			logging.Error(module, "Banned device", aurora.Cyan(found.ID))
			replyError(w, ErrDeviceBanned)
			return

		case errors.Is(err, device.ErrUnknownDevice), errors.Is(err, device.ErrSerialMismatch):
			logging.Error(module, "Rejected device:", err)
			replyError(w, ErrUnlinkedDevice)
			return

		case errors.Is(err, device.ErrMissingHeaders), errors.Is(err, device.ErrMalformed),
			errors.Is(err, device.ErrUntrusted), errors.Is(err, device.ErrDeviceIDMismatch):
			logging.Error(module, "Rejected device:", err)
			replyError(w, ErrUnauthorizedDevice)
			return

		default:
			logging.Error(module, "Device lookup failed:", err)
			replyError(w, ErrInternal)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, deviceContext{device: found, consoleType: cert.ConsoleType})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAccessToken decodes the bearer OAuth access token.
func (h *Handler) requireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		module := moduleName(r)

		encoded, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || encoded == "" {
			replyError(w, ErrInvalidToken)
			return
		}

		keys, err := h.Keys.TokenKeys(token.OAuthAccess, "")
		if err != nil {
			logging.Error(module, "Access token key unavailable:", err)
			replyError(w, ErrInternal)
			return
		}

		accessToken, err := token.Decode(keys, token.OAuthAccess, encoded, encodingFor(r))
		if err != nil {
			logging.Error(module, "Rejected access token:", err)
			replyError(w, ErrInvalidToken)
			return
		}

		if accessToken.Expired(h.now()) {
			logging.Warn(module, "Expired access token for", aurora.Cyan(accessToken.PID))
			replyError(w, ErrInvalidToken)
			return
		}

		ctx := context.WithValue(r.Context(), accessTokenKey, accessToken)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// encodingFor picks hex tokens for emulated consoles.
func encodingFor(r *http.Request) token.Encoding {
	if r.Header.Get("X-Is-Emulator") == "1" {
		return token.Hex
	}
	return token.Base64
}

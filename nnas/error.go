package nnas

import (
	"encoding/xml"
	"net/http"
	"strconv"
)

type APIError struct {
	Code    string
	Message string
	Status  int
}

func MakeAPIError(code string, message string, status int) APIError {
	return APIError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

var (
	ErrBadRequest         = MakeAPIError("0002", "Bad request", http.StatusBadRequest)
	ErrInvalidToken       = MakeAPIError("0005", "Invalid access token", http.StatusUnauthorized)
	ErrNotFound           = MakeAPIError("0008", "Not Found", http.StatusNotFound)
	ErrAccountBanned      = MakeAPIError("0122", "Account has been banned", http.StatusForbidden)
	ErrDeviceBanned       = MakeAPIError("0012", "Device has been banned", http.StatusForbidden)
	ErrUnlinkedDevice     = MakeAPIError("0110", "Unlinked device", http.StatusBadRequest)
	ErrUnauthorizedDevice = MakeAPIError("0113", "Unauthorized device", http.StatusBadRequest)
	ErrInternal           = MakeAPIError("0100", "Internal server error", http.StatusInternalServerError)
)

type xmlError struct {
	Cause   string `xml:"cause"`
	Code    string `xml:"code"`
	Message string `xml:"message"`
}

type xmlErrors struct {
	XMLName xml.Name   `xml:"errors"`
	Errors  []xmlError `xml:"error"`
}

func replyXML(w http.ResponseWriter, status int, value any) {
	body, err := xml.Marshal(value)
	if err != nil {
		panic(err)
	}

	response := append([]byte(xml.Header[:len(xml.Header)-1]), body...)
	w.Header().Set("Content-Type", "application/xml;charset=UTF-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(response)))
	w.WriteHeader(status)
	w.Write(response)
}

func replyError(w http.ResponseWriter, apiError APIError) {
	replyXML(w, apiError.Status, xmlErrors{
		Errors: []xmlError{{Code: apiError.Code, Message: apiError.Message}},
	})
}

package nasc

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"nnas/common"
	"strconv"
	"strings"
)

const (
	ActionLogin  = "LOGIN"
	ActionSVCLOC = "SVCLOC"
)

var requiredFields = []string{"action", "fcdcert", "csnum", "macadr", "titleid", "servertype"}

var ErrMissingField = errors.New("nasc: missing required field")

// Request holds the decoded form fields of an /ac request.
type Request struct {
	Fields map[string]string

	Action     string
	FCDCert    []byte
	Serial     string
	MAC        string
	TitleID    string
	ServerType string

	PID      uint32
	HasPID   bool
	UIDHMAC  string
	Password string
	Service  string
}

// decodeForm reverses the Nintendo base64 applied to every field. Keys with
// several values are ignored, the way the console never sends them.
func decodeForm(form url.Values) (map[string]string, error) {
	fields := map[string]string{}
	for key, values := range form {
		if len(values) != 1 {
			continue
		}

		value, err := common.NintendoBase64DecodeString(values[0])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}

		fields[key] = value
	}

	return fields, nil
}

func parseRequest(form url.Values) (Request, error) {
	fields, err := decodeForm(form)
	if err != nil {
		return Request{}, err
	}

	for _, name := range requiredFields {
		if fields[name] == "" {
			return Request{}, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	request := Request{
		Fields:     fields,
		Action:     strings.ToUpper(fields["action"]),
		FCDCert:    []byte(fields["fcdcert"]),
		Serial:     fields["csnum"],
		MAC:        fields["macadr"],
		TitleID:    strings.ToUpper(fields["titleid"]),
		ServerType: fields["servertype"],
		UIDHMAC:    fields["uidhmac"],
		Password:   fields["passwd"],
		Service:    fields["svc"],
	}

	if userID := fields["userid"]; userID != "" {
		pid, err := strconv.ParseUint(userID, 10, 32)
		if err != nil {
			return Request{}, fmt.Errorf("%w: userid %q", common.ErrMalformedField, userID)
		}

		request.PID = uint32(pid)
		request.HasPID = true
	}

	return request, nil
}

// MACHash is how device records remember the MAC address without storing it.
func MACHash(mac string) string {
	digest := sha256.Sum256([]byte(strings.ToLower(mac)))
	return hex.EncodeToString(digest[:])
}

func (r Request) registering() bool {
	return r.Action == ActionLogin && !r.HasPID && r.UIDHMAC == "" && r.Password != ""
}

func (r Request) titleID() (uint64, error) {
	titleID, err := strconv.ParseUint(r.TitleID, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: titleid %q", common.ErrMalformedField, r.TitleID)
	}
	return titleID, nil
}

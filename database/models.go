package database

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound  = errors.New("database: record not found")
	ErrDuplicate = errors.New("database: record already exists")
)

// AccessMode is the environment tier of a game server, and the highest tier
// an account may connect to.
type AccessMode string

const (
	AccessProd AccessMode = "prod"
	AccessTest AccessMode = "test"
	AccessDev  AccessMode = "dev"
)

func ParseAccessMode(mode string) (AccessMode, error) {
	switch AccessMode(mode) {
	case AccessProd, AccessTest, AccessDev:
		return AccessMode(mode), nil
	}
	return "", fmt.Errorf("database: unknown access mode %q", mode)
}

// Visible lists the server tiers an account of this tier can see, most
// specific first.
func (m AccessMode) Visible() []AccessMode {
	switch m {
	case AccessDev:
		return []AccessMode{AccessDev, AccessTest, AccessProd}
	case AccessTest:
		return []AccessMode{AccessTest, AccessProd}
	}
	return []AccessMode{AccessProd}
}

type NEXAccount struct {
	PID               uint32
	OwningPID         uint32
	Password          string
	DeviceType        string
	AccessLevel       int
	ServerAccessLevel AccessMode
}

func (a NEXAccount) Banned() bool {
	return a.AccessLevel < 0
}

type Device struct {
	ID              uuid.UUID
	Model           string
	Serial          string
	DeviceID        uint32
	Environment     string
	MACHash         string
	FCDCertHash     string
	CertificateHash string
	LinkedPIDs      []uint32
	AccessLevel     int
}

func (d Device) Banned() bool {
	return d.AccessLevel < 0
}

func (d Device) Linked(pid uint32) bool {
	return slices.Contains(d.LinkedPIDs, pid)
}

// Server is a NEX game server or an NNAS service client.
type Server struct {
	ServiceName  string
	ServiceType  string
	IP           string
	Port         uint16
	TitleIDs     []string
	AccessMode   AccessMode
	GameServerID string
	ClientID     string
}

const (
	ServiceTypeNEX     = "nex"
	ServiceTypeService = "service"
)

// normalizeID puts title and game server ids in the upper-case hex form
// they are stored in.
func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

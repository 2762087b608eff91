package database

import (
	"context"

	"github.com/google/uuid"
)

// Store is the account, device and server directory behind NASC and NNAS.
// Lookups that match nothing return ErrNotFound.
type Store interface {
	GetNEXAccountByPID(ctx context.Context, pid uint32) (NEXAccount, error)
	GetNEXAccountByOwningPID(ctx context.Context, owningPID uint32) (NEXAccount, error)
	// CreateNEXAccount returns ErrDuplicate if the PID is taken, leaving any
	// surrounding transaction usable.
	CreateNEXAccount(ctx context.Context, account NEXAccount) error
	UpdateNEXAccountOwningPID(ctx context.Context, pid uint32, owningPID uint32) error

	GetDeviceByCertificateHash(ctx context.Context, hash string) (Device, error)
	GetDeviceByFCDCertHash(ctx context.Context, hash string) (Device, error)
	GetDeviceBySerial(ctx context.Context, serial string) (Device, error)
	// CreateDevice assigns a fresh ID when device.ID is zero.
	CreateDevice(ctx context.Context, device *Device) error
	// UpdateDevice rewrites the identity fields of an existing device.
	UpdateDevice(ctx context.Context, device Device) error
	// LinkDevicePID adds pid to the device's linked PIDs if it is not there.
	LinkDevicePID(ctx context.Context, id uuid.UUID, pid uint32) error

	GetServerByTitleID(ctx context.Context, titleID string, mode AccessMode) (Server, error)
	GetServerByGameServerID(ctx context.Context, gameServerID string, mode AccessMode) (Server, error)
	GetServerByClientID(ctx context.Context, clientID string, mode AccessMode) (Server, error)
	CreateServer(ctx context.Context, server Server) error

	// WithinTransaction runs fn against a Store whose writes commit together
	// if fn returns nil and are discarded otherwise.
	WithinTransaction(ctx context.Context, fn func(Store) error) error
}

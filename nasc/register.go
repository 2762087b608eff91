package nasc

import (
	"context"
	"errors"
	"math/rand"
	"nnas/database"
	"nnas/logging"
	"time"

	"github.com/logrusorgru/aurora/v3"
	"gopkg.in/retry.v1"
)

const (
	minNEXPID = 1_000_000_000
	maxNEXPID = 1_799_999_999
)

var (
	ErrPIDExhausted = errors.New("nasc: no free NEX PID found")

	pidRetryStrategy = retry.LimitCount(8, retry.Exponential{
		Initial:  time.Millisecond,
		Factor:   2,
		MaxDelay: 20 * time.Millisecond,
	})
)

// consoleIdentity is what a NASC request says about the device making it.
type consoleIdentity struct {
	model       string
	serial      string
	macHash     string
	fcdCertHash string
	environment string
}

func randomPID() uint32 {
	return uint32(minNEXPID + rand.Int63n(maxNEXPID-minNEXPID+1))
}

// register creates a NEX account and links it to the console in a single
// transaction.
func (h *Handler) register(ctx context.Context, moduleName string, request Request, identity consoleIdentity) (database.NEXAccount, error) {
	newPID := h.RandomPID
	if newPID == nil {
		newPID = randomPID
	}

	var account database.NEXAccount
	err := h.Store.WithinTransaction(ctx, func(tx database.Store) error {
		var err error
		account, err = createNEXAccount(ctx, tx, newPID, request.Password)
		if err != nil {
			return err
		}

		// NNAS trusts the NNID's own PID, so the account must own itself
		if err := tx.UpdateNEXAccountOwningPID(ctx, account.PID, account.PID); err != nil {
			return err
		}
		account.OwningPID = account.PID

		_, err = linkDevice(ctx, tx, identity, account.PID)
		return err
	})
	if err != nil {
		return database.NEXAccount{}, err
	}

	logging.Notice(moduleName, "Registered NEX account", aurora.Cyan(account.PID), "for a", aurora.Cyan(identity.model))
	return account, nil
}

func createNEXAccount(ctx context.Context, tx database.Store, newPID func() uint32, password string) (database.NEXAccount, error) {
	for attempt := retry.Start(pidRetryStrategy, nil); attempt.Next(); {
		account := database.NEXAccount{
			PID:        newPID(),
			Password:   password,
			DeviceType: "3ds",
		}
		account.OwningPID = account.PID

		err := tx.CreateNEXAccount(ctx, account)
		if errors.Is(err, database.ErrDuplicate) {
			continue
		} else if err != nil {
			return database.NEXAccount{}, err
		}

		account.ServerAccessLevel = database.AccessProd
		return account, nil
	}

	return database.NEXAccount{}, ErrPIDExhausted
}

// linkDevice finds the console's device record, by certificate hash and then
// by serial, backfills its identity fields and links pid to it. Unknown
// consoles get a new record.
func linkDevice(ctx context.Context, tx database.Store, identity consoleIdentity, pid uint32) (database.Device, error) {
	device, err := tx.GetDeviceByFCDCertHash(ctx, identity.fcdCertHash)
	if errors.Is(err, database.ErrNotFound) {
		device, err = tx.GetDeviceBySerial(ctx, identity.serial)
	}

	if errors.Is(err, database.ErrNotFound) {
		device = database.Device{
			Model:       identity.model,
			Serial:      identity.serial,
			Environment: identity.environment,
			MACHash:     identity.macHash,
			FCDCertHash: identity.fcdCertHash,
			LinkedPIDs:  []uint32{pid},
		}
		return device, tx.CreateDevice(ctx, &device)
	} else if err != nil {
		return database.Device{}, err
	}

	if device.FCDCertHash == "" || device.MACHash == "" || device.Environment == "" || device.Serial == "" {
		if device.FCDCertHash == "" {
			device.FCDCertHash = identity.fcdCertHash
		}
		if device.MACHash == "" {
			device.MACHash = identity.macHash
		}
		if device.Environment == "" {
			device.Environment = identity.environment
		}
		if device.Serial == "" {
			device.Serial = identity.serial
		}

		if err := tx.UpdateDevice(ctx, device); err != nil {
			return database.Device{}, err
		}
	}

	if !device.Linked(pid) {
		if err := tx.LinkDevicePID(ctx, device.ID, pid); err != nil {
			return database.Device{}, err
		}
		device.LinkedPIDs = append(device.LinkedPIDs, pid)
	}

	return device, nil
}

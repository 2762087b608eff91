package device

import (
	"context"
	"errors"
	"fmt"
	"nnas/certificate"
	"nnas/database"
	"nnas/logging"
	"strconv"
	"strings"

	"github.com/logrusorgru/aurora/v3"
)

const ModuleName = "DEVICE"

var (
	ErrMissingHeaders     = errors.New("device: missing identity headers")
	ErrMalformed          = errors.New("device: malformed certificate")
	ErrUntrusted          = errors.New("device: certificate signature invalid")
	ErrDeviceIDMismatch   = errors.New("device: certificate device id does not match request")
	ErrUnknownDevice      = errors.New("device: unknown 3DS device")
	ErrBanned             = errors.New("device: banned")
	ErrSerialMismatch     = errors.New("device: serial number does not match the registered device")
	errLookupInconsistent = errors.New("device: created device vanished")
)

// Identity is what a console sends about itself on an NNAS request.
type Identity struct {
	Certificate  string
	DeviceID     string
	SerialNumber string
}

// Models by the first letter of the serial number.
var serialModels = map[byte]string{
	'C': "ctr",
	'S': "spr",
	'A': "ftr",
	'Y': "ktr",
	'Q': "red",
	'N': "jan",
}

const ModelWiiU = "wup"

// ModelFromSerial derives the 3DS family model from a serial number.
func ModelFromSerial(serial string) (string, bool) {
	if serial == "" {
		return "", false
	}

	model, ok := serialModels[serial[0]]
	return model, ok
}

type Evaluator struct {
	Store    database.Store
	Verifier *certificate.Verifier
}

// Evaluate checks an NNAS request's device identity and returns the device
// record it belongs to, creating it for first-seen Wii U consoles. 3DS
// consoles must have been registered by NASC first.
func (e *Evaluator) Evaluate(ctx context.Context, identity Identity) (database.Device, certificate.Certificate, error) {
	if identity.Certificate == "" || identity.DeviceID == "" || identity.SerialNumber == "" {
		return database.Device{}, certificate.Certificate{}, ErrMissingHeaders
	}

	cert, err := e.Verifier.VerifyString(identity.Certificate)
	if err != nil {
		return database.Device{}, certificate.Certificate{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if !cert.Valid {
		return database.Device{}, cert, ErrUntrusted
	}

	certDeviceID, err := cert.DeviceID()
	if err != nil {
		return database.Device{}, cert, fmt.Errorf("%w: %v", ErrDeviceIDMismatch, err)
	}

	headerDeviceID, err := strconv.ParseUint(strings.TrimSpace(identity.DeviceID), 10, 32)
	if err != nil || uint32(headerDeviceID) != certDeviceID {
		return database.Device{}, cert, ErrDeviceIDMismatch
	}

	device, err := e.Store.GetDeviceByCertificateHash(ctx, cert.Hash())
	if errors.Is(err, database.ErrNotFound) {
		device, err = e.firstSeen(ctx, cert, certDeviceID, identity.SerialNumber)
	}

	if err != nil {
		return database.Device{}, cert, err
	}

	if device.Banned() {
		return device, cert, ErrBanned
	}

	return device, cert, nil
}

func (e *Evaluator) firstSeen(ctx context.Context, cert certificate.Certificate, deviceID uint32, serial string) (database.Device, error) {
	if cert.ConsoleType == certificate.Console3DS {
		return e.adoptNASCDevice(ctx, cert, deviceID, serial)
	}

	device := database.Device{
		Model:           ModelWiiU,
		Serial:          serial,
		DeviceID:        deviceID,
		CertificateHash: cert.Hash(),
	}

	err := e.Store.CreateDevice(ctx, &device)
	if errors.Is(err, database.ErrDuplicate) {
		// Lost a race with another request from the same console
		device, err = e.Store.GetDeviceByCertificateHash(ctx, cert.Hash())
		if errors.Is(err, database.ErrNotFound) {
			err = errLookupInconsistent
		}
		return device, err
	} else if err != nil {
		return database.Device{}, err
	}

	logging.Notice(ModuleName, "Registered Wii U device", aurora.Cyan(device.ID), "device ID", aurora.Cyan(deviceID))
	return device, nil
}

// adoptNASCDevice binds a 3DS device certificate to the record NASC created
// for the same serial number.
func (e *Evaluator) adoptNASCDevice(ctx context.Context, cert certificate.Certificate, deviceID uint32, serial string) (database.Device, error) {
	device, err := e.Store.GetDeviceBySerial(ctx, serial)
	if errors.Is(err, database.ErrNotFound) {
		return database.Device{}, ErrUnknownDevice
	} else if err != nil {
		return database.Device{}, err
	}

	if device.CertificateHash != "" || (device.DeviceID != 0 && device.DeviceID != deviceID) {
		return database.Device{}, ErrSerialMismatch
	}

	device.CertificateHash = cert.Hash()
	device.DeviceID = deviceID
	if err := e.Store.UpdateDevice(ctx, device); err != nil {
		return database.Device{}, err
	}

	logging.Info(ModuleName, "Bound device certificate to", aurora.Cyan(device.ID))
	return device, nil
}

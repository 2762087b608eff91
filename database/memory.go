package database

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

// MemoryStore keeps everything in process. Transactions are serialised with
// each other and record the prior value of every row they write; a rollback
// puts back only those rows, so writes made outside the transaction survive.
type MemoryStore struct {
	mutex    deadlock.Mutex
	txMutex  deadlock.Mutex
	accounts map[uint32]NEXAccount
	devices  map[uuid.UUID]Device
	servers  []Server
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: map[uint32]NEXAccount{},
		devices:  map[uuid.UUID]Device{},
	}
}

// undoLog holds the pre-transaction value of each touched row, nil when the
// row did not exist.
type undoLog struct {
	accounts map[uint32]*NEXAccount
	devices  map[uuid.UUID]*Device
	servers  []int
}

func newUndoLog() *undoLog {
	return &undoLog{
		accounts: map[uint32]*NEXAccount{},
		devices:  map[uuid.UUID]*Device{},
	}
}

// Callers hold s.mutex.
func (s *MemoryStore) accountRow(pid uint32) *NEXAccount {
	account, ok := s.accounts[pid]
	if !ok {
		return nil
	}
	return &account
}

// Callers hold s.mutex.
func (s *MemoryStore) deviceRow(id uuid.UUID) *Device {
	device, ok := s.devices[id]
	if !ok {
		return nil
	}
	device.LinkedPIDs = slices.Clone(device.LinkedPIDs)
	return &device
}

// The first prior value recorded for a row is the one a rollback restores.
func (u *undoLog) noteAccount(pid uint32, prior *NEXAccount) {
	if _, ok := u.accounts[pid]; !ok {
		u.accounts[pid] = prior
	}
}

func (u *undoLog) noteDevice(id uuid.UUID, prior *Device) {
	if _, ok := u.devices[id]; !ok {
		u.devices[id] = prior
	}
}

func (u *undoLog) rollback(s *MemoryStore) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for pid, account := range u.accounts {
		if account == nil {
			delete(s.accounts, pid)
		} else {
			s.accounts[pid] = *account
		}
	}

	for id, device := range u.devices {
		if device == nil {
			delete(s.devices, id)
		} else {
			s.devices[id] = *device
		}
	}

	// Servers are only ever appended, so the recorded indexes stay valid
	for i := len(u.servers) - 1; i >= 0; i-- {
		index := u.servers[i]
		s.servers = slices.Delete(s.servers, index, index+1)
	}
}

// memoryTx is the Store handed to a transaction body. Its writes go through
// the undo log; nested transactions join the outer one.
type memoryTx struct {
	*MemoryStore
	undo *undoLog
}

func (tx memoryTx) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	return fn(tx)
}

func (tx memoryTx) CreateNEXAccount(ctx context.Context, account NEXAccount) error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if _, ok := tx.accounts[account.PID]; ok {
		return fmt.Errorf("%w: nex account %d", ErrDuplicate, account.PID)
	}

	tx.createNEXAccount(account)
	tx.undo.noteAccount(account.PID, nil)
	return nil
}

func (tx memoryTx) UpdateNEXAccountOwningPID(ctx context.Context, pid uint32, owningPID uint32) error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	prior := tx.accountRow(pid)
	if err := tx.updateNEXAccountOwningPID(pid, owningPID); err != nil {
		return err
	}

	tx.undo.noteAccount(pid, prior)
	return nil
}

func (tx memoryTx) CreateDevice(ctx context.Context, device *Device) error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	if err := tx.createDevice(device); err != nil {
		return err
	}

	tx.undo.noteDevice(device.ID, nil)
	return nil
}

func (tx memoryTx) UpdateDevice(ctx context.Context, device Device) error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	prior := tx.deviceRow(device.ID)
	if err := tx.updateDevice(device); err != nil {
		return err
	}

	tx.undo.noteDevice(device.ID, prior)
	return nil
}

func (tx memoryTx) LinkDevicePID(ctx context.Context, id uuid.UUID, pid uint32) error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	prior := tx.deviceRow(id)
	if err := tx.linkDevicePID(id, pid); err != nil {
		return err
	}

	tx.undo.noteDevice(id, prior)
	return nil
}

func (tx memoryTx) CreateServer(ctx context.Context, server Server) error {
	tx.mutex.Lock()
	defer tx.mutex.Unlock()

	tx.undo.servers = append(tx.undo.servers, len(tx.servers))
	tx.createServer(server)
	return nil
}

func (s *MemoryStore) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	s.txMutex.Lock()
	defer s.txMutex.Unlock()

	tx := memoryTx{MemoryStore: s, undo: newUndoLog()}
	if err := fn(tx); err != nil {
		tx.undo.rollback(s)
		return err
	}

	return nil
}

func (s *MemoryStore) GetNEXAccountByPID(ctx context.Context, pid uint32) (NEXAccount, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	account, ok := s.accounts[pid]
	if !ok {
		return NEXAccount{}, ErrNotFound
	}

	return account, nil
}

func (s *MemoryStore) GetNEXAccountByOwningPID(ctx context.Context, owningPID uint32) (NEXAccount, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var found *NEXAccount
	for _, account := range s.accounts {
		if account.OwningPID == owningPID && (found == nil || account.PID < found.PID) {
			found = &account
		}
	}

	if found == nil {
		return NEXAccount{}, ErrNotFound
	}

	return *found, nil
}

func (s *MemoryStore) CreateNEXAccount(ctx context.Context, account NEXAccount) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.accounts[account.PID]; ok {
		return fmt.Errorf("%w: nex account %d", ErrDuplicate, account.PID)
	}

	s.createNEXAccount(account)
	return nil
}

func (s *MemoryStore) createNEXAccount(account NEXAccount) {
	if account.ServerAccessLevel == "" {
		account.ServerAccessLevel = AccessProd
	}

	s.accounts[account.PID] = account
}

func (s *MemoryStore) UpdateNEXAccountOwningPID(ctx context.Context, pid uint32, owningPID uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.updateNEXAccountOwningPID(pid, owningPID)
}

func (s *MemoryStore) updateNEXAccountOwningPID(pid uint32, owningPID uint32) error {
	account, ok := s.accounts[pid]
	if !ok {
		return ErrNotFound
	}

	account.OwningPID = owningPID
	s.accounts[pid] = account
	return nil
}

func (s *MemoryStore) findDevice(match func(Device) bool) (Device, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, device := range s.devices {
		if match(device) {
			device.LinkedPIDs = slices.Clone(device.LinkedPIDs)
			return device, nil
		}
	}

	return Device{}, ErrNotFound
}

func (s *MemoryStore) GetDeviceByCertificateHash(ctx context.Context, hash string) (Device, error) {
	return s.findDevice(func(device Device) bool {
		return hash != "" && device.CertificateHash == hash
	})
}

func (s *MemoryStore) GetDeviceByFCDCertHash(ctx context.Context, hash string) (Device, error) {
	return s.findDevice(func(device Device) bool {
		return hash != "" && device.FCDCertHash == hash
	})
}

func (s *MemoryStore) GetDeviceBySerial(ctx context.Context, serial string) (Device, error) {
	return s.findDevice(func(device Device) bool {
		return serial != "" && device.Serial == serial
	})
}

// checkUnique mirrors the unique indexes of the Postgres schema.
func (s *MemoryStore) checkUnique(device Device) error {
	for id, other := range s.devices {
		if id == device.ID {
			continue
		}

		if device.FCDCertHash != "" && other.FCDCertHash == device.FCDCertHash {
			return fmt.Errorf("%w: devices_fcdcert_hash_idx", ErrDuplicate)
		}

		if device.CertificateHash != "" && other.CertificateHash == device.CertificateHash {
			return fmt.Errorf("%w: devices_certificate_hash_idx", ErrDuplicate)
		}
	}

	return nil
}

func (s *MemoryStore) CreateDevice(ctx context.Context, device *Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	return s.createDevice(device)
}

func (s *MemoryStore) createDevice(device *Device) error {
	if _, ok := s.devices[device.ID]; ok {
		return fmt.Errorf("%w: device %s", ErrDuplicate, device.ID)
	}

	if err := s.checkUnique(*device); err != nil {
		return err
	}

	stored := *device
	stored.LinkedPIDs = slices.Clone(device.LinkedPIDs)
	s.devices[device.ID] = stored
	return nil
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, device Device) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.updateDevice(device)
}

func (s *MemoryStore) updateDevice(device Device) error {
	existing, ok := s.devices[device.ID]
	if !ok {
		return ErrNotFound
	}

	if err := s.checkUnique(device); err != nil {
		return err
	}

	// Linked PIDs only change through LinkDevicePID
	device.LinkedPIDs = existing.LinkedPIDs
	s.devices[device.ID] = device
	return nil
}

func (s *MemoryStore) LinkDevicePID(ctx context.Context, id uuid.UUID, pid uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.linkDevicePID(id, pid)
}

func (s *MemoryStore) linkDevicePID(id uuid.UUID, pid uint32) error {
	device, ok := s.devices[id]
	if !ok {
		return ErrNotFound
	}

	if !device.Linked(pid) {
		device.LinkedPIDs = append(slices.Clone(device.LinkedPIDs), pid)
		s.devices[id] = device
	}

	return nil
}

func (s *MemoryStore) findServer(match func(Server) bool, mode AccessMode) (Server, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, visible := range mode.Visible() {
		for _, server := range s.servers {
			if server.AccessMode == visible && match(server) {
				server.TitleIDs = slices.Clone(server.TitleIDs)
				return server, nil
			}
		}
	}

	return Server{}, ErrNotFound
}

func (s *MemoryStore) GetServerByTitleID(ctx context.Context, titleID string, mode AccessMode) (Server, error) {
	titleID = normalizeID(titleID)
	return s.findServer(func(server Server) bool {
		return server.ServiceType == ServiceTypeNEX && slices.Contains(server.TitleIDs, titleID)
	}, mode)
}

func (s *MemoryStore) GetServerByGameServerID(ctx context.Context, gameServerID string, mode AccessMode) (Server, error) {
	gameServerID = normalizeID(gameServerID)
	return s.findServer(func(server Server) bool {
		return server.ServiceType == ServiceTypeNEX && server.GameServerID == gameServerID
	}, mode)
}

func (s *MemoryStore) GetServerByClientID(ctx context.Context, clientID string, mode AccessMode) (Server, error) {
	return s.findServer(func(server Server) bool {
		return server.ServiceType == ServiceTypeService && server.ClientID == clientID
	}, mode)
}

func (s *MemoryStore) CreateServer(ctx context.Context, server Server) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.createServer(server)
	return nil
}

func (s *MemoryStore) createServer(server Server) {
	titleIDs := make([]string, 0, len(server.TitleIDs))
	for _, titleID := range server.TitleIDs {
		titleIDs = append(titleIDs, normalizeID(titleID))
	}

	server.TitleIDs = titleIDs
	server.GameServerID = normalizeID(server.GameServerID)
	if server.AccessMode == "" {
		server.AccessMode = AccessProd
	}

	s.servers = append(s.servers, server)
}

package database

import (
	"context"
	"errors"
	"fmt"
	"nnas/common"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const (
	GetNEXAccountByPIDQuery        = `SELECT pid, owning_pid, password, device_type, access_level, server_access_level FROM nex_accounts WHERE pid = $1`
	GetNEXAccountByOwningPIDQuery  = `SELECT pid, owning_pid, password, device_type, access_level, server_access_level FROM nex_accounts WHERE owning_pid = $1 ORDER BY pid LIMIT 1`
	InsertNEXAccount               = `INSERT INTO nex_accounts (pid, owning_pid, password, device_type, access_level, server_access_level) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (pid) DO NOTHING`
	UpdateNEXAccountOwningPIDQuery = `UPDATE nex_accounts SET owning_pid = $2 WHERE pid = $1`

	deviceColumns                   = `id::text, model, serial, device_id, environment, mac_hash, fcdcert_hash, certificate_hash, linked_pids, access_level`
	GetDeviceByCertificateHashQuery = `SELECT ` + deviceColumns + ` FROM devices WHERE certificate_hash = $1 AND certificate_hash <> ''`
	GetDeviceByFCDCertHashQuery     = `SELECT ` + deviceColumns + ` FROM devices WHERE fcdcert_hash = $1 AND fcdcert_hash <> ''`
	GetDeviceBySerialQuery          = `SELECT ` + deviceColumns + ` FROM devices WHERE serial = $1 AND serial <> '' LIMIT 1`
	InsertDevice                    = `INSERT INTO devices (id, model, serial, device_id, environment, mac_hash, fcdcert_hash, certificate_hash, linked_pids, access_level) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	UpdateDeviceQuery               = `UPDATE devices SET model = $2, serial = $3, device_id = $4, environment = $5, mac_hash = $6, fcdcert_hash = $7, certificate_hash = $8, access_level = $9 WHERE id = $1::uuid`
	LinkDevicePIDQuery              = `UPDATE devices SET linked_pids = array_append(linked_pids, $2) WHERE id = $1::uuid AND NOT ($2 = ANY(linked_pids))`
	DoesDeviceExist                 = `SELECT EXISTS(SELECT 1 FROM devices WHERE id = $1::uuid)`

	// Most specific tier first: $2 is ordered as AccessMode.Visible
	serverColumns                = `service_name, service_type, ip, port, title_ids, access_mode, game_server_id, client_id`
	GetServerByTitleIDQuery      = `SELECT ` + serverColumns + ` FROM servers WHERE $1 = ANY(title_ids) AND service_type = 'nex' AND access_mode = ANY($2) ORDER BY array_position($2, access_mode) LIMIT 1`
	GetServerByGameServerIDQuery = `SELECT ` + serverColumns + ` FROM servers WHERE game_server_id = $1 AND service_type = 'nex' AND access_mode = ANY($2) ORDER BY array_position($2, access_mode) LIMIT 1`
	GetServerByClientIDQuery     = `SELECT ` + serverColumns + ` FROM servers WHERE client_id = $1 AND service_type = 'service' AND access_mode = ANY($2) ORDER BY array_position($2, access_mode) LIMIT 1`
	InsertServer                 = `INSERT INTO servers (service_name, service_type, ip, port, title_ids, access_mode, game_server_id, client_id) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
	inTx bool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Connect opens a pool on the database named in the config.
func Connect(ctx context.Context, config common.Config) (*pgxpool.Pool, error) {
	dbString := fmt.Sprintf("postgres://%s:%s@%s/%s", config.Username, config.Password, config.DatabaseAddress, config.DatabaseName)
	dbConf, err := pgxpool.ParseConfig(dbString)
	if err != nil {
		return nil, err
	}

	return pgxpool.ConnectConfig(ctx, dbConf)
}

func translateError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}

	return err
}

func (s *PostgresStore) WithinTransaction(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}

	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		return fn(&PostgresStore{pool: s.pool, db: tx, inTx: true})
	})
}

func (s *PostgresStore) getNEXAccount(ctx context.Context, query string, argument uint32) (NEXAccount, error) {
	var account NEXAccount
	var pid, owningPID int64
	var serverAccessLevel string

	err := s.db.QueryRow(ctx, query, int64(argument)).Scan(&pid, &owningPID, &account.Password, &account.DeviceType, &account.AccessLevel, &serverAccessLevel)
	if err != nil {
		return NEXAccount{}, translateError(err)
	}

	account.PID = uint32(pid)
	account.OwningPID = uint32(owningPID)
	account.ServerAccessLevel = AccessMode(serverAccessLevel)
	return account, nil
}

func (s *PostgresStore) GetNEXAccountByPID(ctx context.Context, pid uint32) (NEXAccount, error) {
	return s.getNEXAccount(ctx, GetNEXAccountByPIDQuery, pid)
}

func (s *PostgresStore) GetNEXAccountByOwningPID(ctx context.Context, owningPID uint32) (NEXAccount, error) {
	return s.getNEXAccount(ctx, GetNEXAccountByOwningPIDQuery, owningPID)
}

func (s *PostgresStore) CreateNEXAccount(ctx context.Context, account NEXAccount) error {
	if account.ServerAccessLevel == "" {
		account.ServerAccessLevel = AccessProd
	}

	// ON CONFLICT keeps a PID collision from aborting the transaction
	tag, err := s.db.Exec(ctx, InsertNEXAccount, int64(account.PID), int64(account.OwningPID), account.Password, account.DeviceType, account.AccessLevel, string(account.ServerAccessLevel))
	if err != nil {
		return translateError(err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: nex account %d", ErrDuplicate, account.PID)
	}

	return nil
}

func (s *PostgresStore) UpdateNEXAccountOwningPID(ctx context.Context, pid uint32, owningPID uint32) error {
	tag, err := s.db.Exec(ctx, UpdateNEXAccountOwningPIDQuery, int64(pid), int64(owningPID))
	if err != nil {
		return translateError(err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) getDevice(ctx context.Context, query string, argument string) (Device, error) {
	var device Device
	var id string
	var deviceID int64
	var linkedPIDs []int64

	err := s.db.QueryRow(ctx, query, argument).Scan(&id, &device.Model, &device.Serial, &deviceID, &device.Environment, &device.MACHash, &device.FCDCertHash, &device.CertificateHash, &linkedPIDs, &device.AccessLevel)
	if err != nil {
		return Device{}, translateError(err)
	}

	device.ID, err = uuid.Parse(id)
	if err != nil {
		return Device{}, err
	}

	device.DeviceID = uint32(deviceID)
	for _, pid := range linkedPIDs {
		device.LinkedPIDs = append(device.LinkedPIDs, uint32(pid))
	}

	return device, nil
}

func (s *PostgresStore) GetDeviceByCertificateHash(ctx context.Context, hash string) (Device, error) {
	return s.getDevice(ctx, GetDeviceByCertificateHashQuery, hash)
}

func (s *PostgresStore) GetDeviceByFCDCertHash(ctx context.Context, hash string) (Device, error) {
	return s.getDevice(ctx, GetDeviceByFCDCertHashQuery, hash)
}

func (s *PostgresStore) GetDeviceBySerial(ctx context.Context, serial string) (Device, error) {
	return s.getDevice(ctx, GetDeviceBySerialQuery, serial)
}

func (s *PostgresStore) CreateDevice(ctx context.Context, device *Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	linkedPIDs := make([]int64, 0, len(device.LinkedPIDs))
	for _, pid := range device.LinkedPIDs {
		linkedPIDs = append(linkedPIDs, int64(pid))
	}

	_, err := s.db.Exec(ctx, InsertDevice, device.ID.String(), device.Model, device.Serial, int64(device.DeviceID), device.Environment, device.MACHash, device.FCDCertHash, device.CertificateHash, linkedPIDs, device.AccessLevel)
	return translateError(err)
}

func (s *PostgresStore) UpdateDevice(ctx context.Context, device Device) error {
	tag, err := s.db.Exec(ctx, UpdateDeviceQuery, device.ID.String(), device.Model, device.Serial, int64(device.DeviceID), device.Environment, device.MACHash, device.FCDCertHash, device.CertificateHash, device.AccessLevel)
	if err != nil {
		return translateError(err)
	}

	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) LinkDevicePID(ctx context.Context, id uuid.UUID, pid uint32) error {
	tag, err := s.db.Exec(ctx, LinkDevicePIDQuery, id.String(), int64(pid))
	if err != nil {
		return translateError(err)
	}

	if tag.RowsAffected() != 0 {
		return nil
	}

	// Either already linked or no such device
	var exists bool
	err = s.db.QueryRow(ctx, DoesDeviceExist, id.String()).Scan(&exists)
	if err != nil {
		return translateError(err)
	}

	if !exists {
		return ErrNotFound
	}

	return nil
}

func (s *PostgresStore) getServer(ctx context.Context, query string, argument string, mode AccessMode) (Server, error) {
	var server Server
	var port int32
	var accessMode string

	visible := []string{}
	for _, m := range mode.Visible() {
		visible = append(visible, string(m))
	}

	err := s.db.QueryRow(ctx, query, argument, visible).Scan(&server.ServiceName, &server.ServiceType, &server.IP, &port, &server.TitleIDs, &accessMode, &server.GameServerID, &server.ClientID)
	if err != nil {
		return Server{}, translateError(err)
	}

	server.Port = uint16(port)
	server.AccessMode = AccessMode(accessMode)
	return server, nil
}

func (s *PostgresStore) GetServerByTitleID(ctx context.Context, titleID string, mode AccessMode) (Server, error) {
	return s.getServer(ctx, GetServerByTitleIDQuery, normalizeID(titleID), mode)
}

func (s *PostgresStore) GetServerByGameServerID(ctx context.Context, gameServerID string, mode AccessMode) (Server, error) {
	return s.getServer(ctx, GetServerByGameServerIDQuery, normalizeID(gameServerID), mode)
}

func (s *PostgresStore) GetServerByClientID(ctx context.Context, clientID string, mode AccessMode) (Server, error) {
	return s.getServer(ctx, GetServerByClientIDQuery, clientID, mode)
}

func (s *PostgresStore) CreateServer(ctx context.Context, server Server) error {
	titleIDs := make([]string, 0, len(server.TitleIDs))
	for _, titleID := range server.TitleIDs {
		titleIDs = append(titleIDs, normalizeID(titleID))
	}

	if server.AccessMode == "" {
		server.AccessMode = AccessProd
	}

	_, err := s.db.Exec(ctx, InsertServer, server.ServiceName, server.ServiceType, server.IP, int32(server.Port), titleIDs, string(server.AccessMode), normalizeID(server.GameServerID), server.ClientID)
	return translateError(err)
}

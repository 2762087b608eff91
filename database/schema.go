package database

import (
	"context"

	"github.com/jackc/pgx/v4/pgxpool"
)

const schema = `

CREATE TABLE IF NOT EXISTS public.nex_accounts (
	pid bigint NOT NULL PRIMARY KEY,
	owning_pid bigint NOT NULL,
	password character varying NOT NULL,
	device_type character varying NOT NULL,
	access_level integer DEFAULT 0 NOT NULL,
	server_access_level character varying DEFAULT 'prod'::character varying NOT NULL
);

CREATE INDEX IF NOT EXISTS nex_accounts_owning_pid_idx ON public.nex_accounts (owning_pid);

CREATE TABLE IF NOT EXISTS public.devices (
	id uuid NOT NULL PRIMARY KEY,
	model character varying NOT NULL,
	serial character varying DEFAULT ''::character varying NOT NULL,
	device_id bigint DEFAULT 0 NOT NULL,
	environment character varying DEFAULT ''::character varying NOT NULL,
	mac_hash character varying DEFAULT ''::character varying NOT NULL,
	fcdcert_hash character varying DEFAULT ''::character varying NOT NULL,
	certificate_hash character varying DEFAULT ''::character varying NOT NULL,
	linked_pids bigint[] DEFAULT '{}'::bigint[] NOT NULL,
	access_level integer DEFAULT 0 NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS devices_fcdcert_hash_idx ON public.devices (fcdcert_hash) WHERE fcdcert_hash <> '';
CREATE UNIQUE INDEX IF NOT EXISTS devices_certificate_hash_idx ON public.devices (certificate_hash) WHERE certificate_hash <> '';
CREATE INDEX IF NOT EXISTS devices_serial_idx ON public.devices (serial);

CREATE TABLE IF NOT EXISTS public.servers (
	id serial PRIMARY KEY,
	service_name character varying NOT NULL,
	service_type character varying NOT NULL,
	ip character varying NOT NULL,
	port integer NOT NULL,
	title_ids character varying[] DEFAULT '{}'::character varying[] NOT NULL,
	access_mode character varying DEFAULT 'prod'::character varying NOT NULL,
	game_server_id character varying DEFAULT ''::character varying NOT NULL,
	client_id character varying DEFAULT ''::character varying NOT NULL
);

`

// CreateTables brings an empty database up to the current schema. It is safe
// to run on every start.
func CreateTables(pool *pgxpool.Pool, ctx context.Context) error {
	_, err := pool.Exec(ctx, schema)
	return err
}
